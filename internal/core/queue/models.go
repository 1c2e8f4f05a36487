package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	ErrNotFound       = errors.New("work item not found")
	ErrNotRequeueable = errors.New("work item is not in a requeueable state")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	// StatusFailed is terminal for non-retryable errors.
	StatusFailed Status = "failed"
	// StatusDeadLetter is terminal once retries are exhausted; it needs an
	// operator to requeue or discard the item.
	StatusDeadLetter Status = "dead_letter"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// Outcome is the business result of a completed item.
type Outcome string

const (
	OutcomeAccepted        Outcome = "accepted"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeUnreadable      Outcome = "unreadable"
	OutcomeUnknownMerchant Outcome = "unknown_merchant"
)

type Payload struct {
	ImageRef    string `json:"image_ref"`
	CustomerRef string `json:"customer_ref"`
	ContentType string `json:"content_type,omitempty"`
	Source      string `json:"source,omitempty"`
	// Locale selects the language of replies about this receipt.
	Locale string `json:"locale,omitempty"`
}

type WorkItem struct {
	ID            string     `json:"id"`
	Payload       Payload    `json:"payload"`
	Status        Status     `json:"status"`
	Outcome       Outcome    `json:"outcome,omitempty"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Store owns work item persistence. Every transition is a single atomic
// update guarded by the current status.
type Store interface {
	CreateWorkItem(ctx context.Context, item WorkItem) error
	GetWorkItem(ctx context.Context, id string) (WorkItem, error)
	// ClaimPending moves up to limit due pending items to processing and
	// increments their attempt count.
	ClaimPending(ctx context.Context, now time.Time, limit int) ([]WorkItem, error)
	CompleteWorkItem(ctx context.Context, id string, outcome Outcome) error
	FailWorkItem(ctx context.Context, id string, status Status, reason string) error
	RetryWorkItem(ctx context.Context, id string, reason string, next time.Time) error
	ListWorkItems(ctx context.Context, status Status, limit int) ([]WorkItem, error)
	// RequeueWorkItem moves a failed or dead-lettered item back to pending.
	RequeueWorkItem(ctx context.Context, id string, now time.Time) (WorkItem, error)
	// RequeueStale returns processing items claimed before cutoff to pending.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}
