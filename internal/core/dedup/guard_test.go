package dedup_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/dedup"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/extractor"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/infra/memstore"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	slug     = "panaderia-san-jose"
	customer = "51999888777"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func amount(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
}

func record(t *testing.T, store *memstore.Store, p ledger.Purchase) {
	t.Helper()
	if p.ID == uuid.Nil {
		p.ID = ledger.NewPurchaseID(p.TaxID, p.InvoiceNumber, p.CustomerID, p.MerchantSlug, p.CreatedAt)
	}
	if _, _, err := store.CreatePurchase(context.Background(), p, nil); err != nil {
		t.Fatalf("failed to create purchase: %v", err)
	}
}

func TestInvoiceDuplicateIgnoresAmount(t *testing.T) {
	store := memstore.New()
	record(t, store, ledger.Purchase{
		CustomerID:    "someone-else",
		MerchantSlug:  slug,
		TaxID:         "20504680623",
		InvoiceNumber: "B011-00524671",
		Amount:        decimal.RequireFromString("35.40"),
		CreatedAt:     time.Now().Add(-72 * time.Hour),
	})

	guard := dedup.NewGuard(store, discardLogger(), dedup.DefaultWindow)
	verdict := guard.Check(context.Background(), slug, customer, extractor.Facts{
		TaxID:         "20504680623",
		InvoiceNumber: "B011-00524671",
		Amount:        amount("99.90"),
	})
	if !verdict.Duplicate || verdict.Reason != dedup.ReasonInvoice {
		t.Fatalf("expected invoice duplicate, got %+v", verdict)
	}
	if verdict.Existing == nil || verdict.Existing.InvoiceNumber != "B011-00524671" {
		t.Fatalf("expected the existing purchase, got %+v", verdict.Existing)
	}
}

func TestNewInvoiceIsNotDuplicateEvenWithSameAmount(t *testing.T) {
	store := memstore.New()
	record(t, store, ledger.Purchase{
		CustomerID:    customer,
		MerchantSlug:  slug,
		TaxID:         "20504680623",
		InvoiceNumber: "B011-00524671",
		Amount:        decimal.RequireFromString("35.40"),
		CreatedAt:     time.Now().Add(-time.Hour),
	})

	guard := dedup.NewGuard(store, discardLogger(), dedup.DefaultWindow)
	if guard.IsDuplicate(context.Background(), slug, customer, extractor.Facts{
		TaxID:         "20504680623",
		InvoiceNumber: "B011-00524672",
		Amount:        amount("35.40"),
	}) {
		t.Fatalf("a different invoice number must not be a duplicate")
	}
}

func TestAmountWindow(t *testing.T) {
	store := memstore.New()
	record(t, store, ledger.Purchase{
		CustomerID:   customer,
		MerchantSlug: slug,
		TaxID:        "20504680623",
		Amount:       decimal.RequireFromString("18.00"),
		CreatedAt:    time.Now().Add(-2 * time.Hour),
	})
	record(t, store, ledger.Purchase{
		CustomerID:   customer,
		MerchantSlug: slug,
		TaxID:        "20504680623",
		Amount:       decimal.RequireFromString("42.00"),
		CreatedAt:    time.Now().Add(-48 * time.Hour),
	})

	guard := dedup.NewGuard(store, discardLogger(), 24*time.Hour)
	ctx := context.Background()

	tests := []struct {
		name      string
		customer  string
		amount    string
		duplicate bool
	}{
		{name: "same amount inside window", customer: customer, amount: "18.00", duplicate: true},
		{name: "same amount outside window", customer: customer, amount: "42.00", duplicate: false},
		{name: "different amount", customer: customer, amount: "18.50", duplicate: false},
		{name: "other customer", customer: "51000000000", amount: "18.00", duplicate: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := guard.Check(ctx, slug, tt.customer, extractor.Facts{TaxID: "20504680623", Amount: amount(tt.amount)})
			if verdict.Duplicate != tt.duplicate {
				t.Fatalf("expected duplicate=%v, got %+v", tt.duplicate, verdict)
			}
			if tt.duplicate && verdict.Reason != dedup.ReasonAmount {
				t.Fatalf("expected amount reason, got %q", verdict.Reason)
			}
		})
	}
}

func TestFailOpen(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	store := memstore.New()
	store.FailOn("FindByInvoice", errors.New("index unavailable"))
	store.FailOn("FindRecentByAmount", errors.New("index unavailable"))
	guard := dedup.NewGuard(store, logger, dedup.DefaultWindow)
	ctx := context.Background()

	if guard.IsDuplicate(ctx, slug, customer, extractor.Facts{TaxID: "20504680623", InvoiceNumber: "F001-00000001", Amount: amount("10.00")}) {
		t.Fatalf("invoice lookup failure must fail open")
	}
	if guard.IsDuplicate(ctx, slug, customer, extractor.Facts{TaxID: "20504680623", Amount: amount("10.00")}) {
		t.Fatalf("amount lookup failure must fail open")
	}
	if got := strings.Count(buf.String(), `"event":"dedup_fail_open"`); got != 2 {
		t.Fatalf("expected two fail-open events, got %d in %s", got, buf.String())
	}
}

func TestMissingAmountWithoutInvoice(t *testing.T) {
	store := memstore.New()
	store.FailOn("FindRecentByAmount", errors.New("should not be called"))
	var buf bytes.Buffer
	guard := dedup.NewGuard(store, slog.New(slog.NewJSONHandler(&buf, nil)), dedup.DefaultWindow)

	if guard.IsDuplicate(context.Background(), slug, customer, extractor.Facts{TaxID: "20504680623"}) {
		t.Fatalf("expected no duplicate without amount")
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no lookup without an amount, got %s", buf.String())
	}
}
