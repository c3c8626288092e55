// Package alert delivers operational notifications for conditions that
// need human attention: opened circuits, stuck-execution repairs, and
// overrunning scheduler sweeps.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Alert kinds.
const (
	KindCircuitOpened  = "circuit_opened"
	KindStuckRecovered = "stuck_recovered"
	KindSweepOverrun   = "sweep_overrun"
)

// Event is a single operational alert.
type Event struct {
	Kind        string         `json:"kind"`
	Message     string         `json:"message"`
	ExecutionID string         `json:"execution_id,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	Channel     string         `json:"channel,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Notifier delivers operational alerts. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier writes alerts to the structured log at warn level.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	attrs := []any{slog.String("kind", event.Kind)}
	if event.ExecutionID != "" {
		attrs = append(attrs, slog.String("execution_id", event.ExecutionID))
	}
	if event.NodeID != "" {
		attrs = append(attrs, slog.String("node_id", event.NodeID))
	}
	if event.Channel != "" {
		attrs = append(attrs, slog.String("channel", event.Channel))
	}
	for k, v := range event.Details {
		attrs = append(attrs, slog.Any(k, v))
	}
	n.logger.WarnContext(ctx, event.Message, attrs...)
	return nil
}

// Fanout delivers each alert to every notifier. Delivery failures are
// collected; every notifier is attempted.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
