package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/pkg/telemetry"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("queue-service")

// Processor runs the whole receipt chain for one work item.
type Processor interface {
	Process(ctx context.Context, item WorkItem) (Outcome, error)
}

// FailureNotifier tells the customer an item could not be processed.
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, item WorkItem) error
}

// Drainer re-applies deferred side effects during a sweep.
type Drainer interface {
	DrainOutbox(ctx context.Context, limit int) (int, error)
}

type Config struct {
	Interval       time.Duration
	BatchSize      int
	ItemTimeout    time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	StaleAfter     time.Duration
	DrainLimit     int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 3 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	if c.DrainLimit <= 0 {
		c.DrainLimit = 50
	}
	return c
}

// SweepReport summarises one RunOnce.
type SweepReport struct {
	Recovered     int `json:"recovered"`
	Claimed       int `json:"claimed"`
	Completed     int `json:"completed"`
	Retried       int `json:"retried"`
	Failed        int `json:"failed"`
	DeadLettered  int `json:"dead_lettered"`
	FanoutApplied int `json:"fanout_applied"`
}

type Coordinator struct {
	store     Store
	processor Processor
	notifier  FailureNotifier
	drainer   Drainer
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

type Option func(*Coordinator)

func WithFailureNotifier(n FailureNotifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

func WithDrainer(d Drainer) Option {
	return func(c *Coordinator) {
		c.drainer = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func NewCoordinator(store Store, processor Processor, logger *slog.Logger, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		processor: processor,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue creates a pending work item. It does not process it.
func (c *Coordinator) Enqueue(ctx context.Context, payload Payload) (WorkItem, error) {
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()

	if payload.ImageRef == "" || payload.CustomerRef == "" {
		return WorkItem{}, errors.New("image ref and customer ref are required")
	}

	now := c.now().UTC()
	item := WorkItem{
		ID:            uuid.NewString(),
		Payload:       payload,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.CreateWorkItem(ctx, item); err != nil {
		span.RecordError(err)
		return WorkItem{}, fmt.Errorf("failed to create work item: %w", err)
	}

	c.logger.Info("work item enqueued", "work_item_id", item.ID, "customer_ref", payload.CustomerRef, "source", payload.Source)
	if telemetry.WorkItemsEnqueuedTotal != nil {
		telemetry.WorkItemsEnqueuedTotal.Add(ctx, 1, api.WithAttributes(attribute.String("source", payload.Source)))
	}
	return item, nil
}

func (c *Coordinator) Get(ctx context.Context, id string) (WorkItem, error) {
	return c.store.GetWorkItem(ctx, id)
}

func (c *Coordinator) List(ctx context.Context, status Status, limit int) ([]WorkItem, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return c.store.ListWorkItems(ctx, status, limit)
}

// Requeue hands a failed or dead-lettered item back to the sweep.
func (c *Coordinator) Requeue(ctx context.Context, id string) (WorkItem, error) {
	item, err := c.store.RequeueWorkItem(ctx, id, c.now().UTC())
	if err != nil {
		return WorkItem{}, err
	}
	c.logger.Info("work item requeued by operator", "work_item_id", id)
	return item, nil
}

// RunForever sweeps on every tick until ctx is cancelled.
func (c *Coordinator) RunForever(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := c.RunOnce(ctx); err != nil {
			c.logger.Warn("work item sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce recovers stale claims, processes one bounded batch sequentially
// and drains the ledger outbox.
func (c *Coordinator) RunOnce(ctx context.Context) (SweepReport, error) {
	ctx, span := tracer.Start(ctx, "queue.RunOnce")
	defer span.End()

	var report SweepReport
	now := c.now().UTC()

	recovered, err := c.store.RequeueStale(ctx, now.Add(-c.cfg.StaleAfter))
	if err != nil {
		c.logger.Warn("failed to recover stale work items", "error", err)
	} else if recovered > 0 {
		report.Recovered = recovered
		c.logger.Warn("recovered stale work items", "count", recovered)
	}

	items, err := c.store.ClaimPending(ctx, now, c.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("failed to claim work items: %w", err)
	}
	report.Claimed = len(items)
	if telemetry.SweepBatchSize != nil {
		telemetry.SweepBatchSize.Record(ctx, int64(len(items)))
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		switch c.processItem(ctx, item) {
		case StatusCompleted:
			report.Completed++
		case StatusPending:
			report.Retried++
		case StatusFailed:
			report.Failed++
		case StatusDeadLetter:
			report.DeadLettered++
		}
	}

	if c.drainer != nil {
		applied, err := c.drainer.DrainOutbox(ctx, c.cfg.DrainLimit)
		if err != nil {
			c.logger.Warn("failed to drain outbox", "error", err)
		}
		report.FanoutApplied = applied
	}

	if report.Claimed > 0 || report.Recovered > 0 {
		c.logger.Info("work item sweep finished",
			"claimed", report.Claimed,
			"completed", report.Completed,
			"retried", report.Retried,
			"failed", report.Failed,
			"dead_lettered", report.DeadLettered)
	}
	return report, nil
}

// processItem runs one item under its time budget and settles its state.
func (c *Coordinator) processItem(ctx context.Context, item WorkItem) Status {
	ctx, span := tracer.Start(ctx, "queue.processItem")
	defer span.End()
	span.SetAttributes(
		attribute.String("work_item_id", item.ID),
		attribute.Int("attempt", item.Attempts),
	)

	itemCtx, cancel := context.WithTimeout(ctx, c.cfg.ItemTimeout)
	outcome, err := c.processor.Process(itemCtx, item)
	cancel()

	if err == nil {
		if err := c.store.CompleteWorkItem(ctx, item.ID, outcome); err != nil {
			c.logger.Error("failed to complete work item", "error", err, "work_item_id", item.ID)
			return StatusProcessing
		}
		c.logger.Info("work item completed", "work_item_id", item.ID, "outcome", outcome)
		c.countSettled(ctx, StatusCompleted)
		return StatusCompleted
	}

	span.RecordError(err)
	reason := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		reason = fmt.Sprintf("exceeded %s budget: %s", c.cfg.ItemTimeout, reason)
	}

	status := StatusPending
	switch {
	case IsPermanent(err):
		status = StatusFailed
	case item.Attempts >= c.cfg.MaxAttempts:
		status = StatusDeadLetter
	}

	var storeErr error
	if status == StatusPending {
		next := c.now().UTC().Add(c.retryDelay(item.Attempts))
		storeErr = c.store.RetryWorkItem(ctx, item.ID, reason, next)
		c.logger.Warn("work item failed, will retry",
			"work_item_id", item.ID,
			"attempt", item.Attempts,
			"next_attempt_at", next,
			"error", err)
	} else {
		storeErr = c.store.FailWorkItem(ctx, item.ID, status, reason)
		c.logger.Error("work item failed",
			"work_item_id", item.ID,
			"status", status,
			"attempt", item.Attempts,
			"error", err)
		c.notifyFailure(ctx, item)
	}
	if storeErr != nil {
		c.logger.Error("failed to record work item failure", "error", storeErr, "work_item_id", item.ID)
		return StatusProcessing
	}

	c.countSettled(ctx, status)
	return status
}

// retryDelay is the exponential delay before the given attempt is retried.
func (c *Coordinator) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffInitial
	b.MaxInterval = c.cfg.BackoffMax
	b.RandomizationFactor = 0
	b.Multiplier = 2

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (c *Coordinator) notifyFailure(ctx context.Context, item WorkItem) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyFailure(ctx, item); err != nil {
		c.logger.Warn("failed to send failure notification", "error", err, "work_item_id", item.ID)
	}
}

func (c *Coordinator) countSettled(ctx context.Context, status Status) {
	if telemetry.WorkItemsSettledTotal != nil {
		telemetry.WorkItemsSettledTotal.Add(ctx, 1, api.WithAttributes(attribute.String("status", string(status))))
	}
}
