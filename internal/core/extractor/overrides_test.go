package extractor_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/extractor"
)

const overridesYAML = `
merchants:
  panaderia-san-jose:
    amount:
      - name: neto
        pattern: '(?i)NETO\s*:?\s*(\d+\.\d{2})'
    invoice_number:
      - name: comanda
        pattern: 'COMANDA\s+(\d{3})/(\d+)'
`

func TestExtractForAppliesOverridesFirst(t *testing.T) {
	overrides, err := extractor.ParseOverrides([]byte(overridesYAML))
	if err != nil {
		t.Fatalf("failed to parse overrides: %v", err)
	}
	e := newExtractor(extractor.WithOverrides(overrides))

	text := "TOTAL 5.00\nNETO: 4.50\nCOMANDA 002/981"

	if !e.HasOverride("panaderia-san-jose") {
		t.Fatalf("expected override to be registered")
	}
	if e.HasOverride("other") {
		t.Fatalf("did not expect override for unknown merchant")
	}

	requireAmount(t, e.Extract(text).Amount, "5.00")

	facts := e.ExtractFor("panaderia-san-jose", text)
	requireAmount(t, facts.Amount, "4.50")
	if facts.InvoiceNumber != "002-00000981" {
		t.Fatalf("expected canonical override invoice, got %q", facts.InvoiceNumber)
	}

	// defaults still apply behind the overrides
	facts = e.ExtractFor("panaderia-san-jose", "IMPORTE TOTAL 8.00")
	requireAmount(t, facts.Amount, "8.00")

	// unknown slug falls back to defaults
	requireAmount(t, e.ExtractFor("other", text).Amount, "5.00")
}

func TestParseOverridesRejectsBadRules(t *testing.T) {
	cases := map[string]string{
		"unknown field": "merchants:\n  x:\n    colour:\n      - name: a\n        pattern: '(a)'\n",
		"no group":      "merchants:\n  x:\n    amount:\n      - name: a\n        pattern: 'TOTAL'\n",
		"bad regexp":    "merchants:\n  x:\n    amount:\n      - name: a\n        pattern: '(unclosed'\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := extractor.ParseOverrides([]byte(doc)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	empty, err := extractor.LoadOverrides("")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected no overrides for empty path, got %v, %v", empty, err)
	}

	path := filepath.Join(t.TempDir(), "overrides.yaml")
	if err := os.WriteFile(path, []byte(overridesYAML), 0o600); err != nil {
		t.Fatalf("failed to write overrides: %v", err)
	}
	overrides, err := extractor.LoadOverrides(path)
	if err != nil {
		t.Fatalf("failed to load overrides: %v", err)
	}
	if _, ok := overrides["panaderia-san-jose"]; !ok {
		t.Fatalf("expected merchant overrides, got %v", overrides)
	}

	_, err = extractor.LoadOverrides(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read overrides file") {
		t.Fatalf("expected read error, got %v", err)
	}
}
