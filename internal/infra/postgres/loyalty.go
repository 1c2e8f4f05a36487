package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/loyalty"
	"github.com/jackc/pgx/v5"
)

const programColumns = `merchant_slug, id, name, type, config, priority, status, valid_from, valid_to,
	total_participants, rewards_redeemed, total_revenue`

func scanProgram(row pgx.Row) (loyalty.Program, error) {
	var p loyalty.Program
	var programType, status string
	err := row.Scan(&p.MerchantSlug, &p.ID, &p.Name, &programType, &p.Config, &p.Priority, &status,
		&p.ValidFrom, &p.ValidTo, &p.Stats.TotalParticipants, &p.Stats.RewardsRedeemed, &p.Stats.TotalRevenue)
	p.Type = loyalty.ProgramType(programType)
	p.Status = loyalty.ProgramStatus(status)
	return p, err
}

// SaveProgram creates or replaces a program definition. Stats are kept.
func (s *Store) SaveProgram(ctx context.Context, p loyalty.Program) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO loyalty_programs (merchant_slug, id, name, type, config, priority, status, valid_from, valid_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (merchant_slug, id) DO UPDATE
		SET name = EXCLUDED.name,
		    type = EXCLUDED.type,
		    config = EXCLUDED.config,
		    priority = EXCLUDED.priority,
		    status = EXCLUDED.status,
		    valid_from = EXCLUDED.valid_from,
		    valid_to = EXCLUDED.valid_to`,
		p.MerchantSlug, p.ID, p.Name, string(p.Type), p.Config, p.Priority, string(p.Status), p.ValidFrom, p.ValidTo)
	if err != nil {
		return fmt.Errorf("failed to save program: %w", err)
	}
	return nil
}

func (s *Store) ActivePrograms(ctx context.Context, merchantSlug string) ([]loyalty.Program, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+programColumns+`
		FROM loyalty_programs
		WHERE merchant_slug = $1 AND status = $2
		ORDER BY priority, id`, merchantSlug, string(loyalty.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list active programs: %w", err)
	}
	defer rows.Close()

	var out []loyalty.Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan program: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetProgram(ctx context.Context, merchantSlug, programID string) (loyalty.Program, error) {
	p, err := scanProgram(s.db.QueryRow(ctx, `
		SELECT `+programColumns+`
		FROM loyalty_programs WHERE merchant_slug = $1 AND id = $2`, merchantSlug, programID))
	if errors.Is(err, pgx.ErrNoRows) {
		return loyalty.Program{}, loyalty.ErrProgramNotFound
	}
	if err != nil {
		return loyalty.Program{}, fmt.Errorf("failed to get program: %w", err)
	}
	return p, nil
}

const progressColumns = `customer_id, merchant_slug, program_id, type, current_count, current_points,
	target, can_redeem, history, redemptions, version, updated_at`

func scanProgress(row pgx.Row) (loyalty.Progress, error) {
	var p loyalty.Progress
	var programType string
	err := row.Scan(&p.CustomerID, &p.MerchantSlug, &p.ProgramID, &programType, &p.CurrentCount, &p.CurrentPoints,
		&p.Target, &p.CanRedeem, &p.History, &p.Redemptions, &p.Version, &p.UpdatedAt)
	p.Type = loyalty.ProgramType(programType)
	return p, err
}

func (s *Store) GetProgress(ctx context.Context, customerID, merchantSlug, programID string) (loyalty.Progress, error) {
	p, err := scanProgress(s.db.QueryRow(ctx, `
		SELECT `+progressColumns+`
		FROM program_progress
		WHERE customer_id = $1 AND merchant_slug = $2 AND program_id = $3`,
		customerID, merchantSlug, programID))
	if errors.Is(err, pgx.ErrNoRows) {
		return loyalty.Progress{}, loyalty.ErrProgressNotFound
	}
	if err != nil {
		return loyalty.Progress{}, fmt.Errorf("failed to get progress: %w", err)
	}
	return p, nil
}

func (s *Store) ListProgress(ctx context.Context, customerID, merchantSlug string) ([]loyalty.Progress, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+progressColumns+`
		FROM program_progress
		WHERE customer_id = $1 AND merchant_slug = $2
		ORDER BY program_id`, customerID, merchantSlug)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()

	var out []loyalty.Progress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveProgress writes p when the stored version still equals p.Version.
func (s *Store) SaveProgress(ctx context.Context, p loyalty.Progress) (loyalty.Progress, error) {
	if p.History == nil {
		p.History = []loyalty.HistoryEntry{}
	}
	if p.Redemptions == nil {
		p.Redemptions = []loyalty.Redemption{}
	}

	var tagRows int64
	if p.Version == 0 {
		tag, err := s.db.Exec(ctx, `
			INSERT INTO program_progress (customer_id, merchant_slug, program_id, type, current_count, current_points,
			                              target, can_redeem, history, redemptions, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
			ON CONFLICT (customer_id, merchant_slug, program_id) DO NOTHING`,
			p.CustomerID, p.MerchantSlug, p.ProgramID, string(p.Type), p.CurrentCount, p.CurrentPoints,
			p.Target, p.CanRedeem, p.History, p.Redemptions, p.UpdatedAt)
		if err != nil {
			return loyalty.Progress{}, fmt.Errorf("failed to insert progress: %w", err)
		}
		tagRows = tag.RowsAffected()
	} else {
		tag, err := s.db.Exec(ctx, `
			UPDATE program_progress
			SET current_count = $5, current_points = $6, target = $7, can_redeem = $8,
			    history = $9, redemptions = $10, updated_at = $11, version = version + 1
			WHERE customer_id = $1 AND merchant_slug = $2 AND program_id = $3 AND version = $4`,
			p.CustomerID, p.MerchantSlug, p.ProgramID, p.Version, p.CurrentCount, p.CurrentPoints,
			p.Target, p.CanRedeem, p.History, p.Redemptions, p.UpdatedAt)
		if err != nil {
			return loyalty.Progress{}, fmt.Errorf("failed to update progress: %w", err)
		}
		tagRows = tag.RowsAffected()
	}

	if tagRows == 0 {
		return loyalty.Progress{}, loyalty.ErrConflict
	}
	p.Version++
	return p, nil
}

func (s *Store) IncrementProgramStats(ctx context.Context, merchantSlug, programID string, delta loyalty.StatsDelta) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE loyalty_programs
		SET total_participants = total_participants + $3,
		    rewards_redeemed = rewards_redeemed + $4,
		    total_revenue = total_revenue + $5
		WHERE merchant_slug = $1 AND id = $2`,
		merchantSlug, programID, delta.Participants, delta.RewardsRedeemed, delta.Revenue)
	if err != nil {
		return fmt.Errorf("failed to increment program stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loyalty.ErrProgramNotFound
	}
	return nil
}
