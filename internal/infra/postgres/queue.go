package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/queue"
	"github.com/jackc/pgx/v5"
)

const workItemColumns = `id, payload, status, outcome, attempts, last_error, next_attempt_at, claimed_at, created_at, updated_at`

func scanWorkItem(row pgx.Row) (queue.WorkItem, error) {
	var item queue.WorkItem
	var status, outcome string
	err := row.Scan(&item.ID, &item.Payload, &status, &outcome, &item.Attempts, &item.LastError,
		&item.NextAttemptAt, &item.ClaimedAt, &item.CreatedAt, &item.UpdatedAt)
	item.Status = queue.Status(status)
	item.Outcome = queue.Outcome(outcome)
	return item, err
}

func collectWorkItems(rows pgx.Rows) ([]queue.WorkItem, error) {
	defer rows.Close()
	var out []queue.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) CreateWorkItem(ctx context.Context, item queue.WorkItem) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO work_items (id, payload, status, outcome, attempts, last_error, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, item.Payload, string(item.Status), string(item.Outcome), item.Attempts, item.LastError,
		item.NextAttemptAt, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create work item: %w", err)
	}
	return nil
}

func (s *Store) GetWorkItem(ctx context.Context, id string) (queue.WorkItem, error) {
	item, err := scanWorkItem(s.db.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.WorkItem{}, queue.ErrNotFound
	}
	if err != nil {
		return queue.WorkItem{}, fmt.Errorf("failed to get work item: %w", err)
	}
	return item, nil
}

// ClaimPending claims due items with SKIP LOCKED so concurrent sweeps never
// pick the same item.
func (s *Store) ClaimPending(ctx context.Context, now time.Time, limit int) ([]queue.WorkItem, error) {
	ctx, span := tracer.Start(ctx, "postgres.ClaimPending")
	defer span.End()

	rows, err := s.db.Query(ctx, `
		WITH due AS (
			SELECT id FROM work_items
			WHERE status = $1 AND next_attempt_at <= $2
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE work_items w
		SET status = $4, attempts = w.attempts + 1, claimed_at = $2, updated_at = $2
		FROM due
		WHERE w.id = due.id
		RETURNING w.id, w.payload, w.status, w.outcome, w.attempts, w.last_error,
		          w.next_attempt_at, w.claimed_at, w.created_at, w.updated_at`,
		string(queue.StatusPending), now, limit, string(queue.StatusProcessing))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to claim work items: %w", err)
	}
	items, err := collectWorkItems(rows)
	if err != nil {
		return nil, err
	}
	sortByCreated(items)
	return items, nil
}

// transition updates a processing item; anything else reports ErrNotFound.
func (s *Store) transition(ctx context.Context, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrNotFound
	}
	return nil
}

func (s *Store) CompleteWorkItem(ctx context.Context, id string, outcome queue.Outcome) error {
	return s.transition(ctx, `
		UPDATE work_items
		SET status = $2, outcome = $3, last_error = '', claimed_at = NULL, updated_at = $4
		WHERE id = $1 AND status = $5`,
		id, string(queue.StatusCompleted), string(outcome), s.now().UTC(), string(queue.StatusProcessing))
}

func (s *Store) FailWorkItem(ctx context.Context, id string, status queue.Status, reason string) error {
	return s.transition(ctx, `
		UPDATE work_items
		SET status = $2, last_error = $3, claimed_at = NULL, updated_at = $4
		WHERE id = $1 AND status = $5`,
		id, string(status), reason, s.now().UTC(), string(queue.StatusProcessing))
}

func (s *Store) RetryWorkItem(ctx context.Context, id string, reason string, next time.Time) error {
	return s.transition(ctx, `
		UPDATE work_items
		SET status = $2, last_error = $3, next_attempt_at = $4, claimed_at = NULL, updated_at = $5
		WHERE id = $1 AND status = $6`,
		id, string(queue.StatusPending), reason, next, s.now().UTC(), string(queue.StatusProcessing))
}

func (s *Store) ListWorkItems(ctx context.Context, status queue.Status, limit int) ([]queue.WorkItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+workItemColumns+`
		FROM work_items WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	return collectWorkItems(rows)
}

func (s *Store) RequeueWorkItem(ctx context.Context, id string, now time.Time) (queue.WorkItem, error) {
	item, err := scanWorkItem(s.db.QueryRow(ctx, `
		UPDATE work_items
		SET status = $2, attempts = 0, next_attempt_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5)
		RETURNING `+workItemColumns,
		id, string(queue.StatusPending), now, string(queue.StatusFailed), string(queue.StatusDeadLetter)))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return queue.WorkItem{}, fmt.Errorf("failed to requeue work item: %w", err)
	}

	if _, err := s.GetWorkItem(ctx, id); err != nil {
		return queue.WorkItem{}, err
	}
	return queue.WorkItem{}, queue.ErrNotRequeueable
}

func (s *Store) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE work_items
		SET status = $1, last_error = 'processing claim expired', claimed_at = NULL,
		    next_attempt_at = $3, updated_at = $3
		WHERE status = $2 AND claimed_at < $3`,
		string(queue.StatusPending), string(queue.StatusProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale work items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func sortByCreated(items []queue.WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
