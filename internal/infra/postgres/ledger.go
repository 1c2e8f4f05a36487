package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// CreatePurchase inserts the purchase and its outbox jobs in one transaction.
func (s *Store) CreatePurchase(ctx context.Context, p ledger.Purchase, jobs []ledger.FanoutKind) (ledger.Purchase, bool, error) {
	ctx, span := tracer.Start(ctx, "postgres.CreatePurchase")
	defer span.End()

	var created bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO purchases (id, customer_id, merchant_slug, entity_id, amount, tax_id,
			                       invoice_number, receipt_image_ref, work_item_id, document, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING`,
			p.ID, p.CustomerID, p.MerchantSlug, p.EntityID, p.Amount, p.TaxID,
			p.InvoiceNumber, p.ReceiptImageRef, p.WorkItemID, p, p.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true

		for _, kind := range jobs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO purchase_fanout (purchase_id, kind, created_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (purchase_id, kind) DO NOTHING`,
				p.ID, string(kind), s.now().UTC()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return ledger.Purchase{}, false, fmt.Errorf("failed to create purchase: %w", err)
	}

	if created {
		return p, true, nil
	}
	stored, err := s.GetPurchase(ctx, p.ID)
	if err != nil {
		return ledger.Purchase{}, false, err
	}
	return stored, false, nil
}

func (s *Store) GetPurchase(ctx context.Context, id uuid.UUID) (ledger.Purchase, error) {
	var p ledger.Purchase
	err := s.db.QueryRow(ctx, `SELECT document FROM purchases WHERE id = $1`, id).Scan(&p)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Purchase{}, ledger.ErrPurchaseNotFound
	}
	if err != nil {
		return ledger.Purchase{}, fmt.Errorf("failed to get purchase: %w", err)
	}
	return p, nil
}

func (s *Store) findOne(ctx context.Context, sql string, args ...any) (*ledger.Purchase, error) {
	var p ledger.Purchase
	err := s.db.QueryRow(ctx, sql, args...).Scan(&p)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) FindByInvoice(ctx context.Context, merchantSlug, taxID, invoiceNumber string) (*ledger.Purchase, error) {
	p, err := s.findOne(ctx, `
		SELECT document FROM purchases
		WHERE merchant_slug = $1 AND tax_id = $2 AND invoice_number = $3
		ORDER BY created_at
		LIMIT 1`, merchantSlug, taxID, invoiceNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to find purchase by invoice: %w", err)
	}
	return p, nil
}

func (s *Store) FindRecentByAmount(ctx context.Context, merchantSlug, customerID string, amount decimal.Decimal, since time.Time) (*ledger.Purchase, error) {
	p, err := s.findOne(ctx, `
		SELECT document FROM purchases
		WHERE merchant_slug = $1 AND customer_id = $2 AND amount = $3 AND created_at >= $4
		ORDER BY created_at DESC
		LIMIT 1`, merchantSlug, customerID, amount, since)
	if err != nil {
		return nil, fmt.Errorf("failed to find purchase by amount: %w", err)
	}
	return p, nil
}

// AttachImage sets the image reference only when none is stored yet.
func (s *Store) AttachImage(ctx context.Context, id uuid.UUID, ref string) error {
	var exists bool
	err := s.db.QueryRow(ctx, `
		WITH updated AS (
			UPDATE purchases
			SET receipt_image_ref = $2,
			    document = jsonb_set(document, '{receipt_image_ref}', to_jsonb($2::text))
			WHERE id = $1 AND receipt_image_ref = ''
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM purchases WHERE id = $1)`, id, ref).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to attach image: %w", err)
	}
	if !exists {
		return ledger.ErrPurchaseNotFound
	}
	return nil
}

func scanFanout(rows pgx.Rows) ([]ledger.FanoutJob, error) {
	defer rows.Close()
	var out []ledger.FanoutJob
	for rows.Next() {
		var job ledger.FanoutJob
		var kind string
		if err := rows.Scan(&job.PurchaseID, &kind, &job.Attempts, &job.LastError, &job.Done, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fanout job: %w", err)
		}
		job.Kind = ledger.FanoutKind(kind)
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) PendingFanout(ctx context.Context, purchaseID uuid.UUID) ([]ledger.FanoutJob, error) {
	rows, err := s.db.Query(ctx, `
		SELECT purchase_id, kind, attempts, last_error, done, created_at
		FROM purchase_fanout
		WHERE purchase_id = $1 AND NOT done
		ORDER BY created_at, kind`, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending fanout: %w", err)
	}
	return scanFanout(rows)
}

func (s *Store) ListPendingFanout(ctx context.Context, limit int) ([]ledger.FanoutJob, error) {
	rows, err := s.db.Query(ctx, `
		SELECT purchase_id, kind, attempts, last_error, done, created_at
		FROM purchase_fanout
		WHERE NOT done
		ORDER BY created_at, purchase_id, kind
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending fanout: %w", err)
	}
	return scanFanout(rows)
}

// ApplyCustomerSummary locks the summary job, applies the increment and marks
// the job done in the same transaction so a replay never double counts.
func (s *Store) ApplyCustomerSummary(ctx context.Context, p ledger.Purchase) error {
	ctx, span := tracer.Start(ctx, "postgres.ApplyCustomerSummary")
	defer span.End()

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var done bool
		err := tx.QueryRow(ctx, `
			SELECT done FROM purchase_fanout
			WHERE purchase_id = $1 AND kind = $2
			FOR UPDATE`, p.ID, string(ledger.FanoutCustomerSummary)).Scan(&done)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if done {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO customers (id, created_at, last_active)
			VALUES ($1, $2, $2)
			ON CONFLICT (id) DO UPDATE
			SET last_active = GREATEST(customers.last_active, EXCLUDED.last_active)`,
			p.CustomerID, p.CreatedAt); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO customer_summaries (customer_id, merchant_slug, purchase_count, total_spent, first_visit, last_visit)
			VALUES ($1, $2, 1, $3, $4, $4)
			ON CONFLICT (customer_id, merchant_slug) DO UPDATE
			SET purchase_count = customer_summaries.purchase_count + 1,
			    total_spent = customer_summaries.total_spent + EXCLUDED.total_spent,
			    first_visit = LEAST(customer_summaries.first_visit, EXCLUDED.first_visit),
			    last_visit = GREATEST(customer_summaries.last_visit, EXCLUDED.last_visit)`,
			p.CustomerID, p.MerchantSlug, p.Amount, p.CreatedAt); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE purchase_fanout SET done = TRUE
			WHERE purchase_id = $1 AND kind = $2`, p.ID, string(ledger.FanoutCustomerSummary))
		return err
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to apply customer summary: %w", err)
	}
	return nil
}

func (s *Store) UpsertMerchantCustomer(ctx context.Context, p ledger.Purchase) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO merchant_customers (merchant_slug, customer_id, first_visit, last_visit, last_purchase_id)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (merchant_slug, customer_id) DO UPDATE
		SET first_visit = LEAST(merchant_customers.first_visit, EXCLUDED.first_visit),
		    last_purchase_id = CASE WHEN EXCLUDED.last_visit >= merchant_customers.last_visit
		                            THEN EXCLUDED.last_purchase_id
		                            ELSE merchant_customers.last_purchase_id END,
		    last_visit = GREATEST(merchant_customers.last_visit, EXCLUDED.last_visit)`,
		p.MerchantSlug, p.CustomerID, p.CreatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert merchant customer: %w", err)
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, p ledger.Purchase) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO purchase_audit (purchase_id, customer_id, merchant_slug, amount, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (purchase_id) DO NOTHING`,
		p.ID, p.CustomerID, p.MerchantSlug, p.Amount, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) RepairTaxIndex(ctx context.Context, p ledger.Purchase) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO merchant_tax_index (tax_id, merchant_slug, entity_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (tax_id) DO UPDATE
		SET merchant_slug = EXCLUDED.merchant_slug, entity_id = EXCLUDED.entity_id`,
		p.TaxID, p.MerchantSlug, p.EntityID)
	if err != nil {
		return fmt.Errorf("failed to repair tax index: %w", err)
	}
	return nil
}

func (s *Store) MarkFanoutDone(ctx context.Context, purchaseID uuid.UUID, kind ledger.FanoutKind) error {
	_, err := s.db.Exec(ctx, `
		UPDATE purchase_fanout SET done = TRUE
		WHERE purchase_id = $1 AND kind = $2`, purchaseID, string(kind))
	if err != nil {
		return fmt.Errorf("failed to mark fanout done: %w", err)
	}
	return nil
}

func (s *Store) MarkFanoutFailed(ctx context.Context, purchaseID uuid.UUID, kind ledger.FanoutKind, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE purchase_fanout SET attempts = attempts + 1, last_error = $3
		WHERE purchase_id = $1 AND kind = $2`, purchaseID, string(kind), reason)
	if err != nil {
		return fmt.Errorf("failed to mark fanout failed: %w", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (ledger.Customer, error) {
	c := ledger.Customer{ID: customerID, BusinessSummaries: make(map[string]ledger.CustomerSummary)}
	err := s.db.QueryRow(ctx, `
		SELECT name, created_at, last_active FROM customers WHERE id = $1`, customerID,
	).Scan(&c.Profile.Name, &c.Profile.CreatedAt, &c.Profile.LastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Customer{}, ledger.ErrCustomerNotFound
	}
	if err != nil {
		return ledger.Customer{}, fmt.Errorf("failed to get customer: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT merchant_slug, purchase_count, total_spent, first_visit, last_visit
		FROM customer_summaries WHERE customer_id = $1`, customerID)
	if err != nil {
		return ledger.Customer{}, fmt.Errorf("failed to get customer summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var slug string
		var sum ledger.CustomerSummary
		if err := rows.Scan(&slug, &sum.PurchaseCount, &sum.TotalSpent, &sum.FirstVisit, &sum.LastVisit); err != nil {
			return ledger.Customer{}, fmt.Errorf("failed to scan customer summary: %w", err)
		}
		c.BusinessSummaries[slug] = sum
	}
	return c, rows.Err()
}
