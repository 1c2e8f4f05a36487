package queue_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/queue"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/infra/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type processorFunc func(ctx context.Context, item queue.WorkItem) (queue.Outcome, error)

func (f processorFunc) Process(ctx context.Context, item queue.WorkItem) (queue.Outcome, error) {
	return f(ctx, item)
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []string
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, item queue.WorkItem) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, item.ID)
	return nil
}

type countingDrainer struct{ calls int }

func (d *countingDrainer) DrainOutbox(context.Context, int) (int, error) {
	d.calls++
	return 2, nil
}

type clock struct{ t time.Time }

func newClock() *clock {
	return &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func payload(customer string) queue.Payload {
	return queue.Payload{ImageRef: "receipts/" + customer + ".jpg", CustomerRef: customer, Source: "test"}
}

func newCoordinator(store *memstore.Store, p queue.Processor, clk *clock, cfg queue.Config, opts ...queue.Option) *queue.Coordinator {
	store.SetClock(clk.now)
	opts = append([]queue.Option{queue.WithClock(clk.now)}, opts...)
	return queue.NewCoordinator(store, p, discardLogger(), cfg, opts...)
}

func mustGet(t *testing.T, c *queue.Coordinator, id string) queue.WorkItem {
	t.Helper()
	item, err := c.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get work item: %v", err)
	}
	return item
}

func TestEnqueueRequiresRefs(t *testing.T) {
	c := newCoordinator(memstore.New(), processorFunc(nil), newClock(), queue.Config{})
	if _, err := c.Enqueue(context.Background(), queue.Payload{ImageRef: "x"}); err == nil {
		t.Fatalf("expected missing customer ref to be rejected")
	}
	item, err := c.Enqueue(context.Background(), payload("51999888777"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.Status != queue.StatusPending || item.Attempts != 0 {
		t.Fatalf("unexpected new item %+v", item)
	}
}

func TestRunOnceCompletes(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	drainer := &countingDrainer{}
	c := newCoordinator(memstore.New(), processorFunc(func(context.Context, queue.WorkItem) (queue.Outcome, error) {
		return queue.OutcomeAccepted, nil
	}), clk, queue.Config{}, queue.WithDrainer(drainer))

	item, _ := c.Enqueue(ctx, payload("a"))
	report, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Claimed != 1 || report.Completed != 1 || report.FanoutApplied != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if drainer.calls != 1 {
		t.Fatalf("expected outbox drain per sweep, got %d", drainer.calls)
	}

	got := mustGet(t, c, item.ID)
	if got.Status != queue.StatusCompleted || got.Outcome != queue.OutcomeAccepted || got.Attempts != 1 {
		t.Fatalf("unexpected settled item %+v", got)
	}
}

func TestRetryBacksOffExponentially(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := newCoordinator(memstore.New(), processorFunc(func(context.Context, queue.WorkItem) (queue.Outcome, error) {
		return "", errors.New("ocr unavailable")
	}), clk, queue.Config{BackoffInitial: 30 * time.Second, MaxAttempts: 5})

	item, _ := c.Enqueue(ctx, payload("a"))
	start := clk.now()

	report, _ := c.RunOnce(ctx)
	if report.Retried != 1 {
		t.Fatalf("expected a retry, got %+v", report)
	}
	got := mustGet(t, c, item.ID)
	if got.Status != queue.StatusPending || got.LastError != "ocr unavailable" {
		t.Fatalf("unexpected item after first failure %+v", got)
	}
	if !got.NextAttemptAt.Equal(start.Add(30 * time.Second)) {
		t.Fatalf("expected first retry after 30s, got %s", got.NextAttemptAt.Sub(start))
	}

	if report, _ := c.RunOnce(ctx); report.Claimed != 0 {
		t.Fatalf("item must not be claimed before its next attempt, got %+v", report)
	}

	clk.advance(30 * time.Second)
	c.RunOnce(ctx)
	got = mustGet(t, c, item.ID)
	if got.Attempts != 2 || !got.NextAttemptAt.Equal(clk.now().Add(60*time.Second)) {
		t.Fatalf("expected second retry after 60s, got attempts=%d delay=%s", got.Attempts, got.NextAttemptAt.Sub(clk.now()))
	}
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	notifier := &recordingNotifier{}
	c := newCoordinator(memstore.New(), processorFunc(func(context.Context, queue.WorkItem) (queue.Outcome, error) {
		return "", errors.New("still broken")
	}), clk, queue.Config{MaxAttempts: 3, BackoffInitial: time.Second}, queue.WithFailureNotifier(notifier))

	item, _ := c.Enqueue(ctx, payload("a"))
	for i := 0; i < 3; i++ {
		c.RunOnce(ctx)
		clk.advance(time.Hour)
	}

	got := mustGet(t, c, item.ID)
	if got.Status != queue.StatusDeadLetter || got.Attempts != 3 {
		t.Fatalf("expected dead letter after three attempts, got %+v", got)
	}
	if len(notifier.items) != 1 || notifier.items[0] != item.ID {
		t.Fatalf("expected exactly one failure notification, got %v", notifier.items)
	}

	if report, _ := c.RunOnce(ctx); report.Claimed != 0 {
		t.Fatalf("dead-lettered items must not be claimed, got %+v", report)
	}

	dead, err := c.List(ctx, queue.StatusDeadLetter, 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("expected one dead-lettered item, got %d, %v", len(dead), err)
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	notifier := &recordingNotifier{}
	c := newCoordinator(memstore.New(), processorFunc(func(context.Context, queue.WorkItem) (queue.Outcome, error) {
		return "", queue.Permanent(fmt.Errorf("corrupt progress"))
	}), clk, queue.Config{}, queue.WithFailureNotifier(notifier))

	item, _ := c.Enqueue(ctx, payload("a"))
	report, _ := c.RunOnce(ctx)
	if report.Failed != 1 {
		t.Fatalf("expected a terminal failure, got %+v", report)
	}
	got := mustGet(t, c, item.ID)
	if got.Status != queue.StatusFailed || got.Attempts != 1 {
		t.Fatalf("unexpected item %+v", got)
	}
	if len(notifier.items) != 1 {
		t.Fatalf("expected a failure notification, got %v", notifier.items)
	}
}

func TestItemTimeoutIsRetried(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	c := newCoordinator(memstore.New(), processorFunc(func(ctx context.Context, _ queue.WorkItem) (queue.Outcome, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), clk, queue.Config{ItemTimeout: 10 * time.Millisecond})

	item, _ := c.Enqueue(ctx, payload("a"))
	c.RunOnce(ctx)

	got := mustGet(t, c, item.ID)
	if got.Status != queue.StatusPending || !strings.Contains(got.LastError, "budget") {
		t.Fatalf("expected timed out item to be retried, got %+v", got)
	}
}

func TestBatchIsBounded(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	var seen []string
	c := newCoordinator(memstore.New(), processorFunc(func(_ context.Context, item queue.WorkItem) (queue.Outcome, error) {
		seen = append(seen, item.Payload.CustomerRef)
		return queue.OutcomeAccepted, nil
	}), clk, queue.Config{BatchSize: 5})

	for i := 0; i < 7; i++ {
		c.Enqueue(ctx, payload(fmt.Sprintf("c%d", i)))
		clk.advance(time.Second)
	}

	report, _ := c.RunOnce(ctx)
	if report.Claimed != 5 {
		t.Fatalf("expected five claimed items, got %+v", report)
	}
	if seen[0] != "c0" || seen[4] != "c4" {
		t.Fatalf("expected oldest items first, got %v", seen)
	}
	if report, _ := c.RunOnce(ctx); report.Claimed != 2 {
		t.Fatalf("expected the remaining two items, got %+v", report)
	}
}

func TestStaleClaimsAreRecovered(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	store := memstore.New()
	c := newCoordinator(store, processorFunc(func(context.Context, queue.WorkItem) (queue.Outcome, error) {
		return queue.OutcomeAccepted, nil
	}), clk, queue.Config{StaleAfter: 15 * time.Minute})

	item, _ := c.Enqueue(ctx, payload("a"))
	if _, err := store.ClaimPending(ctx, clk.now(), 1); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}

	clk.advance(10 * time.Minute)
	if report, _ := c.RunOnce(ctx); report.Recovered != 0 || report.Claimed != 0 {
		t.Fatalf("claim is not stale yet, got %+v", report)
	}

	clk.advance(10 * time.Minute)
	report, _ := c.RunOnce(ctx)
	if report.Recovered != 1 || report.Completed != 1 {
		t.Fatalf("expected recovered item to be processed, got %+v", report)
	}
	if got := mustGet(t, c, item.ID); got.Attempts != 2 || got.Status != queue.StatusCompleted {
		t.Fatalf("unexpected item %+v", got)
	}
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	fail := true
	c := newCoordinator(memstore.New(), processorFunc(func(context.Context, queue.WorkItem) (queue.Outcome, error) {
		if fail {
			return "", queue.Permanent(errors.New("bad"))
		}
		return queue.OutcomeAccepted, nil
	}), clk, queue.Config{})

	item, _ := c.Enqueue(ctx, payload("a"))
	if _, err := c.Requeue(ctx, item.ID); !errors.Is(err, queue.ErrNotRequeueable) {
		t.Fatalf("pending items cannot be requeued, got %v", err)
	}
	if _, err := c.Requeue(ctx, "missing"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	c.RunOnce(ctx)
	fail = false
	requeued, err := c.Requeue(ctx, item.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requeued.Status != queue.StatusPending || requeued.Attempts != 0 {
		t.Fatalf("unexpected requeued item %+v", requeued)
	}
	c.RunOnce(ctx)
	if got := mustGet(t, c, item.ID); got.Status != queue.StatusCompleted {
		t.Fatalf("expected requeued item to complete, got %+v", got)
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	c := newCoordinator(memstore.New(), processorFunc(nil), newClock(), queue.Config{})
	if _, err := c.List(context.Background(), queue.Status("bogus"), 10); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}
}
