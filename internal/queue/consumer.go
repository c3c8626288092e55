package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/pkg/schema"
)

// Handler processes one claimed job.
type Handler func(ctx context.Context, job *store.Job) error

// ConsumerConfig configures the polling consumer.
type ConsumerConfig struct {
	// PollInterval is the period between due-job polls.
	PollInterval time.Duration
	// BatchSize caps the jobs claimed per kind per poll.
	BatchSize int
	// MaxAttempts is the number of claims before a failing job is marked
	// failed for good.
	MaxAttempts int
	// RetryDelay spaces re-runs of a failed job.
	RetryDelay time.Duration
}

// DefaultConsumerConfig returns a sensible default configuration.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    50,
		MaxAttempts:  5,
		RetryDelay:   30 * time.Second,
	}
}

// Consumer polls the store for due jobs and routes them to registered
// handlers. The claim is a conditional update, so multiple consumers can
// poll the same store; losing a claim is not an error.
type Consumer struct {
	store    store.Store
	config   ConsumerConfig
	logger   *slog.Logger
	handlers map[string]Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer creates a new Consumer.
func NewConsumer(s store.Store, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	def := DefaultConsumerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		store:    s,
		config:   cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a job kind. Must be called before Start.
func (c *Consumer) RegisterHandler(kind string, h Handler) {
	c.handlers[kind] = h
}

// Start launches the background polling loop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return fmt.Errorf("consumer already started")
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(consumerCtx)
	c.logger.Info("queue consumer started",
		slog.Duration("poll_interval", c.config.PollInterval),
		slog.Int("kinds", len(c.handlers)))
	return nil
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	// Run an initial poll immediately.
	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick claims and runs every due job for each registered kind.
func (c *Consumer) tick(ctx context.Context) {
	now := time.Now().UTC()
	for kind, handler := range c.handlers {
		jobs, err := c.store.ListDueJobs(ctx, kind, now, c.config.BatchSize)
		if err != nil {
			c.logger.Error("failed to list due jobs",
				slog.String("kind", kind), slog.String("error", err.Error()))
			continue
		}
		for _, job := range jobs {
			claimed, err := c.store.ClaimJob(ctx, job.ID, now)
			if err != nil {
				c.logger.Error("failed to claim job",
					slog.String("job_id", job.ID), slog.String("error", err.Error()))
				continue
			}
			if !claimed {
				continue // another worker won the claim
			}
			c.runJob(ctx, job, handler)
		}
	}
}

// runJob executes a claimed job and records the outcome.
func (c *Consumer) runJob(ctx context.Context, job *store.Job, handler Handler) {
	logger := c.logger.With(slog.String("job_id", job.ID), slog.String("kind", job.Kind))
	attempts := job.Attempts + 1 // the claim incremented the stored row

	err := c.invoke(ctx, handler, job)
	if err == nil {
		c.finish(ctx, job, schema.JobCompleted, nil, logger)
		return
	}

	logger.Error("job handler failed",
		slog.Int("attempts", attempts), slog.String("error", err.Error()))
	if attempts >= c.config.MaxAttempts {
		c.finish(ctx, job, schema.JobFailed, err, logger)
		return
	}
	c.requeue(ctx, job, err, logger)
}

// invoke runs the handler with panic isolation; a panicking handler fails
// its job, not the worker.
func (c *Consumer) invoke(ctx context.Context, handler Handler, job *store.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (c *Consumer) finish(ctx context.Context, job *store.Job, state schema.JobState, cause error, logger *slog.Logger) {
	update := store.JobUpdate{State: &state}
	if cause != nil {
		msg := cause.Error()
		update.LastError = &msg
	}
	if err := c.store.UpdateJob(ctx, job.ID, update); err != nil {
		logger.Error("failed to update job state",
			slog.String("state", string(state)), slog.String("error", err.Error()))
	}
}

func (c *Consumer) requeue(ctx context.Context, job *store.Job, cause error, logger *slog.Logger) {
	state := schema.JobPending
	msg := cause.Error()
	runAt := time.Now().UTC().Add(c.config.RetryDelay)
	if err := c.store.UpdateJob(ctx, job.ID, store.JobUpdate{
		State:     &state,
		RunAt:     &runAt,
		LastError: &msg,
	}); err != nil {
		logger.Error("failed to requeue job", slog.String("error", err.Error()))
	}
}

// Stop gracefully shuts down the consumer.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return nil
	}

	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil

	c.logger.Info("queue consumer stopped")
	return nil
}
