package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/merchants"
	"github.com/jackc/pgx/v5"
)

func (s *Store) GetTaxIndex(ctx context.Context, taxID string) (merchants.IndexEntry, error) {
	entry := merchants.IndexEntry{TaxID: taxID}
	err := s.db.QueryRow(ctx,
		`SELECT merchant_slug, entity_id FROM merchant_tax_index WHERE tax_id = $1`, taxID,
	).Scan(&entry.MerchantSlug, &entry.EntityID)
	if errors.Is(err, pgx.ErrNoRows) {
		return merchants.IndexEntry{}, merchants.ErrNotFound
	}
	if err != nil {
		return merchants.IndexEntry{}, fmt.Errorf("failed to get tax index: %w", err)
	}
	return entry, nil
}

func (s *Store) PutTaxIndex(ctx context.Context, entry merchants.IndexEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO merchant_tax_index (tax_id, merchant_slug, entity_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (tax_id) DO UPDATE
		SET merchant_slug = EXCLUDED.merchant_slug, entity_id = EXCLUDED.entity_id`,
		entry.TaxID, entry.MerchantSlug, entry.EntityID)
	if err != nil {
		return fmt.Errorf("failed to put tax index: %w", err)
	}
	return nil
}

const merchantColumns = `slug, name, primary_entity_id, active, legal_entities, created_at, updated_at`

func scanMerchant(row pgx.Row) (merchants.Merchant, error) {
	var m merchants.Merchant
	err := row.Scan(&m.Slug, &m.Name, &m.PrimaryEntityID, &m.Active, &m.LegalEntities, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func (s *Store) GetMerchant(ctx context.Context, slug string) (merchants.Merchant, error) {
	m, err := scanMerchant(s.db.QueryRow(ctx,
		`SELECT `+merchantColumns+` FROM merchants WHERE slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return merchants.Merchant{}, merchants.ErrNotFound
	}
	if err != nil {
		return merchants.Merchant{}, fmt.Errorf("failed to get merchant: %w", err)
	}
	return m, nil
}

func (s *Store) ListMerchants(ctx context.Context, limit, offset int) ([]merchants.Merchant, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+merchantColumns+` FROM merchants ORDER BY slug LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list merchants: %w", err)
	}
	defer rows.Close()

	var out []merchants.Merchant
	for rows.Next() {
		m, err := scanMerchant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan merchant: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveMerchant upserts the merchant document. The tax index is left alone.
func (s *Store) SaveMerchant(ctx context.Context, m merchants.Merchant) error {
	if m.LegalEntities == nil {
		m.LegalEntities = []merchants.LegalEntity{}
	}
	now := s.now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO merchants (slug, name, primary_entity_id, active, legal_entities, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (slug) DO UPDATE
		SET name = EXCLUDED.name,
		    primary_entity_id = EXCLUDED.primary_entity_id,
		    active = EXCLUDED.active,
		    legal_entities = EXCLUDED.legal_entities,
		    updated_at = EXCLUDED.updated_at`,
		m.Slug, m.Name, m.PrimaryEntityID, m.Active, m.LegalEntities, now)
	if err != nil {
		return fmt.Errorf("failed to save merchant: %w", err)
	}
	return nil
}
