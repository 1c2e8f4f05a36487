package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/extractor"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/PocketPalCo/receipt-loyalty-service/pkg/telemetry"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("dedup-service")

const DefaultWindow = 24 * time.Hour

// Reason says which check flagged a duplicate.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonInvoice Reason = "invoice"
	ReasonAmount  Reason = "amount_window"
)

// Lookup is the slice of the purchase store the guard reads.
type Lookup interface {
	FindByInvoice(ctx context.Context, merchantSlug, taxID, invoiceNumber string) (*ledger.Purchase, error)
	FindRecentByAmount(ctx context.Context, merchantSlug, customerID string, amount decimal.Decimal, since time.Time) (*ledger.Purchase, error)
}

type Verdict struct {
	Duplicate bool
	Reason    Reason
	Existing  *ledger.Purchase
}

type Guard struct {
	lookup Lookup
	logger *slog.Logger
	window time.Duration
	now    func() time.Time
}

func NewGuard(lookup Lookup, logger *slog.Logger, window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{lookup: lookup, logger: logger, window: window, now: time.Now}
}

// IsDuplicate reports whether facts describe an already-credited receipt.
func (g *Guard) IsDuplicate(ctx context.Context, merchantSlug, customerID string, facts extractor.Facts) bool {
	return g.Check(ctx, merchantSlug, customerID, facts).Duplicate
}

// Check runs the invoice check when (taxId, invoiceNumber) is known and the
// same-amount window check otherwise. Lookup errors never block a purchase.
func (g *Guard) Check(ctx context.Context, merchantSlug, customerID string, facts extractor.Facts) Verdict {
	ctx, span := tracer.Start(ctx, "dedup.Check")
	defer span.End()
	span.SetAttributes(attribute.String("merchant", merchantSlug))

	if facts.HasInvoice() {
		existing, err := g.lookup.FindByInvoice(ctx, merchantSlug, facts.TaxID, facts.InvoiceNumber)
		if err != nil {
			span.RecordError(err)
			g.failOpen(ctx, "invoice", merchantSlug, customerID, err)
			return Verdict{}
		}
		if existing != nil {
			return Verdict{Duplicate: true, Reason: ReasonInvoice, Existing: existing}
		}
		return Verdict{}
	}

	if !facts.Amount.Valid {
		return Verdict{}
	}

	since := g.now().Add(-g.window)
	existing, err := g.lookup.FindRecentByAmount(ctx, merchantSlug, customerID, facts.Amount.Decimal, since)
	if err != nil {
		span.RecordError(err)
		g.failOpen(ctx, "amount_window", merchantSlug, customerID, err)
		return Verdict{}
	}
	if existing != nil {
		return Verdict{Duplicate: true, Reason: ReasonAmount, Existing: existing}
	}
	return Verdict{}
}

func (g *Guard) failOpen(ctx context.Context, check, merchantSlug, customerID string, err error) {
	g.logger.Warn("dedup check failed, accepting purchase",
		"event", "dedup_fail_open",
		"check", check,
		"merchant", merchantSlug,
		"customer_id", customerID,
		"error", err)
	if telemetry.DedupFailOpenTotal != nil {
		telemetry.DedupFailOpenTotal.Add(ctx, 1, api.WithAttributes(attribute.String("check", check)))
	}
}
