package memstore

import (
	"context"
	"sort"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/loyalty"
)

// SaveProgram creates or replaces a loyalty program.
func (s *Store) SaveProgram(_ context.Context, p loyalty.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SaveProgram"); err != nil {
		return err
	}
	byID, ok := s.programs[p.MerchantSlug]
	if !ok {
		byID = make(map[string]loyalty.Program)
		s.programs[p.MerchantSlug] = byID
	}
	byID[p.ID] = p
	return nil
}

func (s *Store) ActivePrograms(_ context.Context, merchantSlug string) ([]loyalty.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ActivePrograms"); err != nil {
		return nil, err
	}
	var out []loyalty.Program
	for _, p := range s.programs[merchantSlug] {
		if p.Status == loyalty.StatusActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetProgram(_ context.Context, merchantSlug, programID string) (loyalty.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetProgram"); err != nil {
		return loyalty.Program{}, err
	}
	p, ok := s.programs[merchantSlug][programID]
	if !ok {
		return loyalty.Program{}, loyalty.ErrProgramNotFound
	}
	return p, nil
}

func (s *Store) GetProgress(_ context.Context, customerID, merchantSlug, programID string) (loyalty.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetProgress"); err != nil {
		return loyalty.Progress{}, err
	}
	p, ok := s.progress[progressKey{customerID, merchantSlug, programID}]
	if !ok {
		return loyalty.Progress{}, loyalty.ErrProgressNotFound
	}
	return cloneProgress(p), nil
}

func (s *Store) ListProgress(_ context.Context, customerID, merchantSlug string) ([]loyalty.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListProgress"); err != nil {
		return nil, err
	}
	var out []loyalty.Progress
	for key, p := range s.progress {
		if key.customerID == customerID && key.merchantSlug == merchantSlug {
			out = append(out, cloneProgress(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProgramID < out[j].ProgramID })
	return out, nil
}

func (s *Store) SaveProgress(_ context.Context, p loyalty.Progress) (loyalty.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SaveProgress"); err != nil {
		return loyalty.Progress{}, err
	}
	key := progressKey{p.CustomerID, p.MerchantSlug, p.ProgramID}
	current, exists := s.progress[key]
	if (exists && current.Version != p.Version) || (!exists && p.Version != 0) {
		return loyalty.Progress{}, loyalty.ErrConflict
	}
	p.Version++
	s.progress[key] = cloneProgress(p)
	return cloneProgress(p), nil
}

func (s *Store) IncrementProgramStats(_ context.Context, merchantSlug, programID string, delta loyalty.StatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("IncrementProgramStats"); err != nil {
		return err
	}
	p, ok := s.programs[merchantSlug][programID]
	if !ok {
		return loyalty.ErrProgramNotFound
	}
	p.Stats.TotalParticipants += delta.Participants
	p.Stats.RewardsRedeemed += delta.RewardsRedeemed
	p.Stats.TotalRevenue = p.Stats.TotalRevenue.Add(delta.Revenue)
	s.programs[merchantSlug][programID] = p
	return nil
}

func (s *Store) IsProcessed(_ context.Context, customerID, purchaseID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("IsProcessed"); err != nil {
		return false, err
	}
	expires, ok := s.markers[customerID+":"+purchaseID]
	return ok && s.now().Before(expires), nil
}

func (s *Store) MarkProcessed(_ context.Context, customerID, purchaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("MarkProcessed"); err != nil {
		return err
	}
	s.markers[customerID+":"+purchaseID] = s.now().Add(s.markerTT)
	return nil
}

func cloneProgress(p loyalty.Progress) loyalty.Progress {
	out := loyalty.Progress{
		CustomerID:    p.CustomerID,
		MerchantSlug:  p.MerchantSlug,
		ProgramID:     p.ProgramID,
		Type:          p.Type,
		CurrentCount:  p.CurrentCount,
		CurrentPoints: p.CurrentPoints,
		Target:        p.Target,
		CanRedeem:     p.CanRedeem,
		Version:       p.Version,
		UpdatedAt:     p.UpdatedAt,
	}
	out.History = append([]loyalty.HistoryEntry(nil), p.History...)
	out.Redemptions = append([]loyalty.Redemption(nil), p.Redemptions...)
	return out
}
