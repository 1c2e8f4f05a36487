package ledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/merchants"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/infra/memstore"
	"github.com/shopspring/decimal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func purchase(amount string, at time.Time) ledger.Purchase {
	return ledger.Purchase{
		ID:            ledger.NewPurchaseID("20504680623", "B011-00524671", "51999888777", "panaderia-san-jose", at),
		CustomerID:    "51999888777",
		MerchantSlug:  "panaderia-san-jose",
		EntityID:      "psj-miraflores",
		Amount:        decimal.RequireFromString(amount),
		TaxID:         "20504680623",
		InvoiceNumber: "B011-00524671",
		Verified:      true,
		CreatedAt:     at,
	}
}

func TestNewPurchaseIDIsDeterministic(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	a := ledger.NewPurchaseID("20504680623", "B011-00524671", "c1", "m", at)
	b := ledger.NewPurchaseID("20504680623", "B011-00524671", "c2", "other", at.Add(time.Hour))
	if a != b {
		t.Fatalf("expected invoice based ids to ignore customer and time, got %s and %s", a, b)
	}

	c := ledger.NewPurchaseID("20504680623", "", "c1", "m", at)
	d := ledger.NewPurchaseID("20504680623", "", "c1", "m", at)
	if c != d {
		t.Fatalf("expected visit ids to be stable for the same inputs")
	}
	if e := ledger.NewPurchaseID("20504680623", "", "c1", "m", at.Add(time.Millisecond)); e == c {
		t.Fatalf("expected visit ids to differ by timestamp")
	}
}

func TestRecordDerivesVisitIDFromDefaultedTime(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := ledger.New(store, discardLogger())

	visit := ledger.Purchase{
		CustomerID:   "51999888777",
		MerchantSlug: "panaderia-san-jose",
		Amount:       decimal.RequireFromString("4.90"),
		TaxID:        "20504680623",
	}

	first, err := l.Record(ctx, visit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := l.Record(ctx, visit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !first.Created || !second.Created || first.Purchase.ID == second.Purchase.ID {
		t.Fatalf("expected two distinct visits, got %s and %s", first.Purchase.ID, second.Purchase.ID)
	}
	want := ledger.NewPurchaseID("20504680623", "", visit.CustomerID, visit.MerchantSlug, first.Purchase.CreatedAt)
	if first.Purchase.ID != want {
		t.Fatalf("expected id derived from the recorded time, got %s want %s", first.Purchase.ID, want)
	}
	if store.PurchaseCount() != 2 {
		t.Fatalf("expected two purchases, got %d", store.PurchaseCount())
	}
}

func TestRecordAppliesFanout(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := ledger.New(store, discardLogger())
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	p := purchase("35.40", at)

	result, err := l.Record(ctx, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || !result.Created || len(result.FanoutErrors) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Summary == nil || result.Summary.PurchaseCount != 1 || !result.Summary.TotalSpent.Equal(decimal.RequireFromString("35.40")) {
		t.Fatalf("unexpected summary %+v", result.Summary)
	}
	if _, ok := store.AuditLog(p.ID); !ok {
		t.Fatalf("expected audit entry")
	}
	if mc, ok := store.MerchantCustomerFor("panaderia-san-jose", "51999888777"); !ok || mc.LastPurchaseID != p.ID {
		t.Fatalf("expected merchant customer view, got %+v", mc)
	}
	entry, err := store.GetTaxIndex(ctx, "20504680623")
	if err != nil || entry.EntityID != "psj-miraflores" {
		t.Fatalf("expected tax index entry, got %+v, %v", entry, err)
	}
}

func TestRecordTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := ledger.New(store, discardLogger())
	p := purchase("35.40", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	if _, err := l.Record(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, err := l.Record(ctx, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Created {
		t.Fatalf("expected second record to find the existing purchase")
	}
	if store.PurchaseCount() != 1 {
		t.Fatalf("expected one purchase, got %d", store.PurchaseCount())
	}
	summary, err := l.CustomerSummary(ctx, p.CustomerID, p.MerchantSlug)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.PurchaseCount != 1 || !summary.TotalSpent.Equal(decimal.RequireFromString("35.40")) {
		t.Fatalf("expected summary to count the purchase once, got %+v", summary)
	}
}

func TestRecordSurvivesFanoutFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := ledger.New(store, discardLogger())
	p := purchase("12.00", time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC))

	store.FailOn("AppendAudit", errors.New("audit store down"))
	result, err := l.Record(ctx, p)
	if err != nil {
		t.Fatalf("fan-out failure must not fail the record: %v", err)
	}
	if !result.Success || len(result.FanoutErrors) != 1 || result.FanoutErrors[0].Kind != ledger.FanoutAuditLog {
		t.Fatalf("expected a single audit fan-out error, got %+v", result)
	}
	if _, ok := store.AuditLog(p.ID); ok {
		t.Fatalf("audit entry should not exist yet")
	}

	store.FailOn("AppendAudit", nil)
	applied, err := l.DrainOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected one job drained, got %d", applied)
	}
	if _, ok := store.AuditLog(p.ID); !ok {
		t.Fatalf("expected audit entry after drain")
	}
	summary, _ := l.CustomerSummary(ctx, p.CustomerID, p.MerchantSlug)
	if summary.PurchaseCount != 1 {
		t.Fatalf("drain must not double count the summary, got %d", summary.PurchaseCount)
	}

	applied, err = l.DrainOutbox(ctx, 10)
	if err != nil || applied != 0 {
		t.Fatalf("expected empty outbox, got %d, %v", applied, err)
	}
}

func TestRecordPrimaryWriteFailure(t *testing.T) {
	store := memstore.New()
	store.FailOn("CreatePurchase", errors.New("write rejected"))
	l := ledger.New(store, discardLogger())

	result, err := l.Record(context.Background(), purchase("10.00", time.Now()))
	if err == nil {
		t.Fatalf("expected primary write failure to surface")
	}
	if result.Success {
		t.Fatalf("expected unsuccessful result")
	}
}

func TestRecordWithoutEntitySkipsIndexRepair(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := ledger.New(store, discardLogger())
	p := purchase("8.50", time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC))
	p.EntityID = ""

	if _, err := l.Record(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.GetTaxIndex(ctx, p.TaxID); !errors.Is(err, merchants.ErrNotFound) {
		t.Fatalf("expected no index entry, got %v", err)
	}
}

func TestAttachImageKeepsFirstRef(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := ledger.New(store, discardLogger())
	p := purchase("35.40", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	if _, err := l.Record(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := l.AttachImage(ctx, p.ID, "receipts/a.jpg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.AttachImage(ctx, p.ID, "receipts/b.jpg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := store.GetPurchase(ctx, p.ID)
	if stored.ReceiptImageRef != "receipts/a.jpg" {
		t.Fatalf("expected first ref to stick, got %q", stored.ReceiptImageRef)
	}
}
