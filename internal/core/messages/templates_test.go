package messages_test

import (
	"strings"
	"testing"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/extractor"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/loyalty"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/messages"
	"github.com/shopspring/decimal"
)

func newManager(t *testing.T) *messages.TemplateManager {
	t.Helper()
	tm, err := messages.NewTemplateManager()
	if err != nil {
		t.Fatalf("failed to load templates: %v", err)
	}
	return tm
}

func result(amount string, count int64) ledger.Result {
	return ledger.Result{
		Success: true,
		Purchase: ledger.Purchase{
			Amount:  decimal.RequireFromString(amount),
			Address: "AV. LARCO 345",
		},
		Summary: &ledger.CustomerSummary{PurchaseCount: count},
	}
}

func TestConfirmationWithoutReward(t *testing.T) {
	tm := newManager(t)
	data := messages.NewConfirmation("Panadería San José", result("35.4", 3), []loyalty.ProgramResult{
		{ProgramName: "Café gratis", Type: loyalty.ProgramVisits, Eligible: true, Progress: 3, Target: 10},
	})

	body, err := tm.Render(messages.Confirmation, "es", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Compra registrada", "Panadería San José", "S/ 35.40", "Dirección: AV. LARCO 345", "Compras en este comercio: 3", "Café gratis: 3/10"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in message:\n%s", want, body)
		}
	}
	if strings.Contains(body, "Premio desbloqueado") {
		t.Fatalf("reward line must not appear:\n%s", body)
	}
}

func TestConfirmationWithReward(t *testing.T) {
	tm := newManager(t)
	data := messages.NewConfirmation("Panadería San José", result("35.40", 10), []loyalty.ProgramResult{
		{ProgramName: "Café gratis", Type: loyalty.ProgramVisits, Eligible: true, Progress: 10, Target: 10, CanRedeem: true, BecameRedeemable: true, RewardName: "Café americano"},
		{ProgramName: "Puntos", Type: loyalty.ProgramPoints, Eligible: true, Progress: 35, CanRedeem: true},
	})

	body, err := tm.Render(messages.Confirmation, "es", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(body, "Premio desbloqueado") != 1 {
		t.Fatalf("expected exactly one reward line:\n%s", body)
	}
	if !strings.Contains(body, "Premio desbloqueado en Café gratis") || !strings.Contains(body, "Puntos: 35 pts") {
		t.Fatalf("unexpected message:\n%s", body)
	}

	en, err := tm.Render(messages.Confirmation, "en", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(en, "Reward unlocked in Café gratis") {
		t.Fatalf("unexpected english message:\n%s", en)
	}
}

func TestUnreadableNamesMissingFields(t *testing.T) {
	tm := newManager(t)
	body, err := tm.Render(messages.Unreadable, "es", messages.NewUnreadable("es", []extractor.Field{extractor.FieldTaxID, extractor.FieldAmount}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(body, "RUC") || !strings.Contains(body, "monto total") {
		t.Fatalf("expected missing fields in message:\n%s", body)
	}
}

func TestUnknownLocaleFallsBack(t *testing.T) {
	tm := newManager(t)
	if tm.IsLocaleSupported("fr") {
		t.Fatalf("fr should not be supported")
	}
	es, _ := tm.Render(messages.Failure, "es", nil)
	fr, err := tm.Render(messages.Failure, "fr", nil)
	if err != nil || fr != es || fr == "" {
		t.Fatalf("expected fallback to the default locale, got %q, %v", fr, err)
	}
}
