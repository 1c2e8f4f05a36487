package memstore

import (
	"context"
	"sort"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/merchants"
)

func (s *Store) GetTaxIndex(_ context.Context, taxID string) (merchants.IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetTaxIndex"); err != nil {
		return merchants.IndexEntry{}, err
	}
	entry, ok := s.taxIndex[taxID]
	if !ok {
		return merchants.IndexEntry{}, merchants.ErrNotFound
	}
	return entry, nil
}

func (s *Store) PutTaxIndex(_ context.Context, entry merchants.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("PutTaxIndex"); err != nil {
		return err
	}
	s.taxIndex[entry.TaxID] = entry
	return nil
}

// DeleteTaxIndex drops an index entry, as an out-of-band data change would.
func (s *Store) DeleteTaxIndex(taxID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.taxIndex, taxID)
}

func (s *Store) GetMerchant(_ context.Context, slug string) (merchants.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetMerchant"); err != nil {
		return merchants.Merchant{}, err
	}
	m, ok := s.merchants[slug]
	if !ok {
		return merchants.Merchant{}, merchants.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListMerchants(_ context.Context, limit, offset int) ([]merchants.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListMerchants"); err != nil {
		return nil, err
	}

	slugs := make([]string, 0, len(s.merchants))
	for slug := range s.merchants {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	if offset >= len(slugs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(slugs) {
		end = len(slugs)
	}
	out := make([]merchants.Merchant, 0, end-offset)
	for _, slug := range slugs[offset:end] {
		out = append(out, s.merchants[slug])
	}
	return out, nil
}

// SaveMerchant stores the merchant without touching the tax index.
func (s *Store) SaveMerchant(_ context.Context, m merchants.Merchant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SaveMerchant"); err != nil {
		return err
	}
	now := s.now().UTC()
	if existing, ok := s.merchants[m.Slug]; ok {
		m.CreatedAt = existing.CreatedAt
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.merchants[m.Slug] = m
	return nil
}
