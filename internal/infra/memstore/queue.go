package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/queue"
)

func (s *Store) CreateWorkItem(_ context.Context, item queue.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateWorkItem"); err != nil {
		return err
	}
	s.items[item.ID] = item
	return nil
}

func (s *Store) GetWorkItem(_ context.Context, id string) (queue.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetWorkItem"); err != nil {
		return queue.WorkItem{}, err
	}
	item, ok := s.items[id]
	if !ok {
		return queue.WorkItem{}, queue.ErrNotFound
	}
	return item, nil
}

func (s *Store) ClaimPending(_ context.Context, now time.Time, limit int) ([]queue.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ClaimPending"); err != nil {
		return nil, err
	}

	var due []queue.WorkItem
	for _, item := range s.items {
		if item.Status == queue.StatusPending && !item.NextAttemptAt.After(now) {
			due = append(due, item)
		}
	}
	sortByCreated(due)
	if len(due) > limit {
		due = due[:limit]
	}

	for i := range due {
		claimed := now
		due[i].Status = queue.StatusProcessing
		due[i].Attempts++
		due[i].ClaimedAt = &claimed
		due[i].UpdatedAt = now
		s.items[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *Store) CompleteWorkItem(_ context.Context, id string, outcome queue.Outcome) error {
	return s.transition(id, "CompleteWorkItem", func(item *queue.WorkItem) {
		item.Status = queue.StatusCompleted
		item.Outcome = outcome
		item.LastError = ""
		item.ClaimedAt = nil
	})
}

func (s *Store) FailWorkItem(_ context.Context, id string, status queue.Status, reason string) error {
	return s.transition(id, "FailWorkItem", func(item *queue.WorkItem) {
		item.Status = status
		item.LastError = reason
		item.ClaimedAt = nil
	})
}

func (s *Store) RetryWorkItem(_ context.Context, id string, reason string, next time.Time) error {
	return s.transition(id, "RetryWorkItem", func(item *queue.WorkItem) {
		item.Status = queue.StatusPending
		item.LastError = reason
		item.NextAttemptAt = next
		item.ClaimedAt = nil
	})
}

// transition applies fn to a processing item.
func (s *Store) transition(id, method string, fn func(*queue.WorkItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(method); err != nil {
		return err
	}
	item, ok := s.items[id]
	if !ok || item.Status != queue.StatusProcessing {
		return queue.ErrNotFound
	}
	fn(&item)
	item.UpdatedAt = s.now().UTC()
	s.items[id] = item
	return nil
}

func (s *Store) ListWorkItems(_ context.Context, status queue.Status, limit int) ([]queue.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListWorkItems"); err != nil {
		return nil, err
	}
	var out []queue.WorkItem
	for _, item := range s.items {
		if item.Status == status {
			out = append(out, item)
		}
	}
	sortByCreated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RequeueWorkItem(_ context.Context, id string, now time.Time) (queue.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("RequeueWorkItem"); err != nil {
		return queue.WorkItem{}, err
	}
	item, ok := s.items[id]
	if !ok {
		return queue.WorkItem{}, queue.ErrNotFound
	}
	if item.Status != queue.StatusFailed && item.Status != queue.StatusDeadLetter {
		return queue.WorkItem{}, queue.ErrNotRequeueable
	}
	item.Status = queue.StatusPending
	item.Attempts = 0
	item.NextAttemptAt = now
	item.UpdatedAt = now
	s.items[id] = item
	return item, nil
}

func (s *Store) RequeueStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("RequeueStale"); err != nil {
		return 0, err
	}
	n := 0
	for id, item := range s.items {
		if item.Status == queue.StatusProcessing && item.ClaimedAt != nil && item.ClaimedAt.Before(cutoff) {
			item.Status = queue.StatusPending
			item.LastError = "processing claim expired"
			item.ClaimedAt = nil
			item.NextAttemptAt = cutoff
			s.items[id] = item
			n++
		}
	}
	return n, nil
}

func sortByCreated(items []queue.WorkItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
