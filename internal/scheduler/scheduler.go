// Package scheduler fires the engine's periodic passes on cron triggers:
// the due-execution sweep and stuck recovery. A pass still running when
// its next slot arrives is skipped, not queued behind itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/outflowhq/outflow/internal/alert"
	"github.com/outflowhq/outflow/pkg/schema"
)

// Task is one periodic engine pass, such as the sweep or stuck recovery.
type Task func(ctx context.Context) error

// Config controls the scheduler loop.
type Config struct {
	// TickInterval is how often trigger slots are checked.
	TickInterval time.Duration
	// RunTimeout is the hard deadline for a single pass. A pass that
	// outlives it is cancelled and waits for its next cron slot.
	RunTimeout time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: 15 * time.Second,
		RunTimeout:   5 * time.Minute,
	}
}

type trigger struct {
	name     string
	schedule cron.Schedule
	task     Task

	mu     sync.Mutex
	nextAt time.Time
}

// Scheduler runs registered triggers when their cron slot arrives.
type Scheduler struct {
	config   Config
	parser   cron.Parser
	notifier alert.Notifier
	logger   *slog.Logger
	now      func() time.Time

	triggers []*trigger
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger names currently executing (dedup)
}

// NewScheduler creates a new Scheduler. The notifier may be nil, in which
// case overruns are only logged.
func NewScheduler(config Config, notifier alert.Notifier, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = defaults.RunTimeout
	}
	return &Scheduler{
		config:   config,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// AddTrigger registers a task under a cron expression. Triggers must be
// registered before Start.
func (s *Scheduler) AddTrigger(name, cronExpr string, task Task) error {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q for trigger %s", cronExpr, name).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.triggers = append(s.triggers, &trigger{name: name, schedule: schedule, task: task})
	return nil
}

// Start launches the background scheduling loop. The first tick happens
// immediately, so a trigger that has never fired runs at startup.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started",
		slog.Int("triggers", len(s.triggers)),
		slog.Duration("tick_interval", s.config.TickInterval),
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every trigger whose slot has arrived. Each fire runs on its
// own goroutine so a slow sweep never delays the recovery trigger.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	for _, t := range s.snapshot() {
		if !s.claimSlot(t, now) {
			continue
		}
		if !s.tryAcquire(t.name) {
			s.logger.Warn("trigger still running, slot skipped",
				slog.String("trigger", t.name))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.releaseTrigger(t.name)
			s.runTrigger(ctx, t)
		}()
	}
}

// claimSlot reports whether the trigger's slot has arrived and, if so,
// advances it. A claimed slot stays consumed even when the fire is then
// skipped as still-running; the work waits for its next slot.
func (s *Scheduler) claimSlot(t *trigger, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.nextAt.IsZero() && t.nextAt.After(now) {
		return false
	}
	t.nextAt = t.schedule.Next(now)
	return true
}

// runTrigger executes one pass under the run deadline.
func (s *Scheduler) runTrigger(ctx context.Context, t *trigger) {
	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()

	s.logger.Debug("trigger firing", slog.String("trigger", t.name))
	started := time.Now()
	err := t.task(runCtx)
	elapsed := time.Since(started)

	switch {
	case err == nil:
		s.logger.Debug("trigger completed",
			slog.String("trigger", t.name),
			slog.Duration("elapsed", elapsed),
		)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		s.logger.Warn("trigger overran its deadline, abandoned until next slot",
			slog.String("trigger", t.name),
			slog.Duration("timeout", s.config.RunTimeout),
		)
		if s.notifier != nil {
			_ = s.notifier.Notify(ctx, alert.Event{
				Kind:    alert.KindSweepOverrun,
				Message: fmt.Sprintf("scheduled pass %q overran its deadline", t.name),
				Details: map[string]any{
					"trigger": t.name,
					"timeout": s.config.RunTimeout.String(),
					"elapsed": elapsed.String(),
				},
			})
		}
	case errors.Is(err, context.Canceled):
		s.logger.Debug("trigger cancelled", slog.String("trigger", t.name))
	default:
		s.logger.Error("trigger failed",
			slog.String("trigger", t.name),
			slog.String("error", err.Error()),
		)
	}
}

// NextRun reports when the named trigger fires next. The zero time means
// it has not been scheduled yet and fires on the first tick.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	for _, t := range s.snapshot() {
		if t.name != name {
			continue
		}
		t.mu.Lock()
		next := t.nextAt
		t.mu.Unlock()
		return next, true
	}
	return time.Time{}, false
}

func (s *Scheduler) snapshot() []*trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggers
}

// tryAcquire returns true and marks the trigger as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseTrigger removes the trigger from the in-flight set.
func (s *Scheduler) releaseTrigger(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop gracefully shuts down the scheduler and waits for in-flight
// passes to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.wg.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
