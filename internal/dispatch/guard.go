package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/outflowhq/outflow/internal/alert"
	"github.com/outflowhq/outflow/pkg/schema"
)

// Counter key layout, one set per channel.
func rateSecondKey(channel string) string { return "guard:rate:sec:" + channel }
func rateMinuteKey(channel string) string { return "guard:rate:min:" + channel }
func failureKey(channel string) string    { return "guard:fail:" + channel }
func openKey(channel string) string       { return "guard:open:" + channel }

const (
	secondWindow       = time.Second
	minuteWindow       = time.Minute
	maxBackoffExponent = 5
)

// GuardConfig configures per-channel rate caps and the circuit breaker.
type GuardConfig struct {
	// PerSecond is the dispatch cap per channel per second.
	PerSecond int64
	// PerMinute is the dispatch cap per channel per minute.
	PerMinute int64
	// FailureThreshold is the tally value at which the circuit opens.
	FailureThreshold int64
	// FailureWindow is the TTL of the failure tally.
	FailureWindow time.Duration
	// OpenCooldown is how long an opened circuit stays open. There is no
	// half-open probe; expiry closes it.
	OpenCooldown time.Duration
	// BackoffBase scales the exponential deferral delay.
	BackoffBase time.Duration
}

// DefaultGuardConfig returns a sensible default configuration.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		PerSecond:        10,
		PerMinute:        200,
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		OpenCooldown:     time.Minute,
		BackoffBase:      2 * time.Second,
	}
}

// DeferredError reports an attempt the guard deferred instead of sending.
// The unit of work should be re-queued after Delay; a deferral is never a
// business failure.
type DeferredError struct {
	Channel string
	Code    string // schema.ErrCodeThrottled or schema.ErrCodeCircuitOpen
	Reason  string
	Delay   time.Duration
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("[%s] dispatch deferred on channel %q: %s (retry in %s)",
		e.Code, e.Channel, e.Reason, e.Delay)
}

// AsDeferred extracts a DeferredError from err, if present.
func AsDeferred(err error) (*DeferredError, bool) {
	var de *DeferredError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Backoff computes the deferral delay: base * 2^min(attempt, 5).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	multiplier := time.Duration(1)
	for i := 0; i < attempt; i++ {
		multiplier *= 2
	}
	return base * multiplier
}

// Guard wraps provider sends per channel. Checks run in order: open
// circuit, second cap, minute cap; any hit defers the attempt without
// invoking the send. Counter-store failures never block dispatch: the
// guard fails open and logs.
type Guard struct {
	counters CounterStore
	config   GuardConfig
	logger   *slog.Logger
	notifier alert.Notifier
}

// NewGuard creates a dispatch guard. notifier may be nil.
func NewGuard(counters CounterStore, cfg GuardConfig, logger *slog.Logger, notifier alert.Notifier) *Guard {
	def := DefaultGuardConfig()
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = def.PerSecond
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = def.PerMinute
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.OpenCooldown <= 0 {
		cfg.OpenCooldown = def.OpenCooldown
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{counters: counters, config: cfg, logger: logger, notifier: notifier}
}

// Run executes next under the channel's guard. A DeferredError return means
// next was never invoked. Errors from next itself propagate unchanged after
// failure bookkeeping; a nil return decrements the failure tally.
func (g *Guard) Run(ctx context.Context, channel string, attempt int, next func(ctx context.Context) error) error {
	if g.circuitOpen(ctx, channel) {
		return g.deferred(channel, attempt, schema.ErrCodeCircuitOpen, "circuit open")
	}

	if g.atCap(ctx, rateSecondKey(channel), g.config.PerSecond) {
		return g.deferred(channel, attempt, schema.ErrCodeThrottled, "per-second rate cap reached")
	}
	if g.atCap(ctx, rateMinuteKey(channel), g.config.PerMinute) {
		return g.deferred(channel, attempt, schema.ErrCodeThrottled, "per-minute rate cap reached")
	}

	g.count(ctx, rateSecondKey(channel), secondWindow)
	g.count(ctx, rateMinuteKey(channel), minuteWindow)

	if err := next(ctx); err != nil {
		g.recordFailure(ctx, channel)
		return err
	}
	g.recordSuccess(ctx, channel)
	return nil
}

func (g *Guard) circuitOpen(ctx context.Context, channel string) bool {
	_, live, err := g.counters.Get(ctx, openKey(channel))
	if err != nil {
		g.logger.WarnContext(ctx, "counter store unavailable, circuit check skipped",
			slog.String("channel", channel), slog.String("error", err.Error()))
		return false
	}
	return live
}

func (g *Guard) atCap(ctx context.Context, key string, limit int64) bool {
	n, live, err := g.counters.Get(ctx, key)
	if err != nil {
		g.logger.WarnContext(ctx, "counter store unavailable, rate check skipped",
			slog.String("key", key), slog.String("error", err.Error()))
		return false
	}
	return live && n >= limit
}

func (g *Guard) count(ctx context.Context, key string, window time.Duration) {
	if _, err := g.counters.Increment(ctx, key, window); err != nil {
		g.logger.WarnContext(ctx, "rate counter increment failed",
			slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (g *Guard) recordFailure(ctx context.Context, channel string) {
	tally, err := g.counters.Increment(ctx, failureKey(channel), g.config.FailureWindow)
	if err != nil {
		g.logger.WarnContext(ctx, "failure tally update failed",
			slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	if tally < g.config.FailureThreshold {
		return
	}

	// Read-then-set: concurrent workers crossing the threshold together
	// may each fire the alert once.
	_, open, err := g.counters.Get(ctx, openKey(channel))
	if err != nil {
		g.logger.WarnContext(ctx, "circuit flag read failed",
			slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	if open {
		return
	}
	if err := g.counters.Set(ctx, openKey(channel), 1, g.config.OpenCooldown); err != nil {
		g.logger.WarnContext(ctx, "circuit flag set failed",
			slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}

	g.logger.ErrorContext(ctx, "dispatch circuit opened",
		slog.String("channel", channel),
		slog.Int64("failures", tally),
		slog.String("cooldown", g.config.OpenCooldown.String()))
	if g.notifier != nil {
		_ = g.notifier.Notify(ctx, alert.Event{
			Kind:    alert.KindCircuitOpened,
			Message: fmt.Sprintf("dispatch circuit opened for channel %q", channel),
			Channel: channel,
			Details: map[string]any{
				"failures": tally,
				"cooldown": g.config.OpenCooldown.String(),
			},
		})
	}
}

func (g *Guard) recordSuccess(ctx context.Context, channel string) {
	if _, err := g.counters.Decrement(ctx, failureKey(channel)); err != nil {
		g.logger.WarnContext(ctx, "failure tally decrement failed",
			slog.String("channel", channel), slog.String("error", err.Error()))
	}
}

func (g *Guard) deferred(channel string, attempt int, code, reason string) error {
	return &DeferredError{
		Channel: channel,
		Code:    code,
		Reason:  reason,
		Delay:   Backoff(g.config.BackoffBase, attempt),
	}
}
