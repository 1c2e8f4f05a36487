package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/pkg/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("ledger-service")

type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Record durably writes the purchase and applies its fan-out. Only a failed
// purchase write is an error; fan-out failures are reported in the result
// and stay queued in the outbox. Re-recording the same id is safe.
func (l *Ledger) Record(ctx context.Context, p Purchase) (Result, error) {
	ctx, span := tracer.Start(ctx, "ledger.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("purchase_id", p.ID.String()),
		attribute.String("merchant", p.MerchantSlug),
	)

	if p.CreatedAt.IsZero() {
		p.CreatedAt = l.now().UTC()
	}
	if p.ID == uuid.Nil {
		p.ID = NewPurchaseID(p.TaxID, p.InvoiceNumber, p.CustomerID, p.MerchantSlug, p.CreatedAt)
	}

	stored, created, err := l.store.CreatePurchase(ctx, p, fanoutKinds(p))
	if err != nil {
		span.RecordError(err)
		return Result{Purchase: p}, fmt.Errorf("failed to create purchase: %w", err)
	}

	if created {
		l.logger.Info("purchase recorded",
			"purchase_id", stored.ID,
			"customer_id", stored.CustomerID,
			"merchant", stored.MerchantSlug,
			"amount", stored.Amount.StringFixed(2))
	} else {
		l.logger.Info("purchase already recorded, resuming fan-out", "purchase_id", stored.ID)
	}

	result := Result{Success: true, Purchase: stored, Created: created}

	jobs, err := l.store.PendingFanout(ctx, stored.ID)
	if err != nil {
		l.logger.Warn("failed to read pending fan-out", "error", err, "purchase_id", stored.ID)
		result.FanoutErrors = append(result.FanoutErrors, FanoutError{Kind: "*", Error: err.Error()})
	}
	for _, job := range jobs {
		if err := l.apply(ctx, stored, job.Kind); err != nil {
			result.FanoutErrors = append(result.FanoutErrors, FanoutError{Kind: job.Kind, Error: err.Error()})
		}
	}

	customer, err := l.store.GetCustomer(ctx, stored.CustomerID)
	if err == nil {
		if summary, ok := customer.BusinessSummaries[stored.MerchantSlug]; ok {
			result.Summary = &summary
		}
	} else if !errors.Is(err, ErrCustomerNotFound) {
		l.logger.Warn("failed to read customer summary", "error", err, "customer_id", stored.CustomerID)
	}

	return result, nil
}

// apply runs one fan-out job and records its outcome on the outbox.
func (l *Ledger) apply(ctx context.Context, p Purchase, kind FanoutKind) error {
	var err error
	switch kind {
	case FanoutCustomerSummary:
		err = l.store.ApplyCustomerSummary(ctx, p)
	case FanoutMerchantCustomer:
		err = l.store.UpsertMerchantCustomer(ctx, p)
	case FanoutAuditLog:
		err = l.store.AppendAudit(ctx, p)
	case FanoutTaxIndex:
		err = l.store.RepairTaxIndex(ctx, p)
	default:
		err = fmt.Errorf("unknown fan-out kind %q", kind)
	}

	if err != nil {
		l.logger.Warn("fan-out write failed",
			"event", "fanout_failed",
			"kind", kind,
			"purchase_id", p.ID,
			"error", err)
		if telemetry.FanoutFailuresTotal != nil {
			telemetry.FanoutFailuresTotal.Add(ctx, 1, api.WithAttributes(attribute.String("kind", string(kind))))
		}
		if markErr := l.store.MarkFanoutFailed(ctx, p.ID, kind, err.Error()); markErr != nil {
			l.logger.Warn("failed to record fan-out failure", "error", markErr, "kind", kind, "purchase_id", p.ID)
		}
		return err
	}

	// the customer summary job is marked done atomically with its increment
	if kind != FanoutCustomerSummary {
		if err := l.store.MarkFanoutDone(ctx, p.ID, kind); err != nil {
			l.logger.Warn("failed to mark fan-out done", "error", err, "kind", kind, "purchase_id", p.ID)
			return err
		}
	}
	return nil
}

// DrainOutbox re-applies pending fan-out jobs left behind by earlier
// failures. It returns the number of jobs that landed.
func (l *Ledger) DrainOutbox(ctx context.Context, limit int) (int, error) {
	ctx, span := tracer.Start(ctx, "ledger.DrainOutbox")
	defer span.End()

	jobs, err := l.store.ListPendingFanout(ctx, limit)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to list pending fan-out: %w", err)
	}

	purchases := make(map[uuid.UUID]Purchase)
	applied := 0
	for _, job := range jobs {
		p, ok := purchases[job.PurchaseID]
		if !ok {
			p, err = l.store.GetPurchase(ctx, job.PurchaseID)
			if err != nil {
				l.logger.Warn("failed to load purchase for fan-out", "error", err, "purchase_id", job.PurchaseID)
				continue
			}
			purchases[job.PurchaseID] = p
		}
		if err := l.apply(ctx, p, job.Kind); err == nil {
			applied++
		}
	}

	if len(jobs) > 0 {
		l.logger.Info("outbox drained", "pending", len(jobs), "applied", applied)
	}
	return applied, nil
}

// AttachImage sets the deferred receipt image reference.
func (l *Ledger) AttachImage(ctx context.Context, id uuid.UUID, ref string) error {
	if err := l.store.AttachImage(ctx, id, ref); err != nil {
		return fmt.Errorf("failed to attach receipt image: %w", err)
	}
	return nil
}

// CustomerSummary returns the per-merchant running totals for a customer.
func (l *Ledger) CustomerSummary(ctx context.Context, customerID, merchantSlug string) (CustomerSummary, error) {
	customer, err := l.store.GetCustomer(ctx, customerID)
	if err != nil {
		return CustomerSummary{}, err
	}
	summary, ok := customer.BusinessSummaries[merchantSlug]
	if !ok {
		return CustomerSummary{}, ErrCustomerNotFound
	}
	return summary, nil
}

func fanoutKinds(p Purchase) []FanoutKind {
	kinds := []FanoutKind{FanoutCustomerSummary, FanoutMerchantCustomer, FanoutAuditLog}
	if p.TaxID != "" && p.EntityID != "" {
		kinds = append(kinds, FanoutTaxIndex)
	}
	return kinds
}
