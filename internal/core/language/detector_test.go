package language_test

import (
	"testing"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/language"
)

func TestNormalizeLanguageCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"es", "es"},
		{"es-PE", "es"},
		{" ES_ar ", "es"},
		{"spa", "es"},
		{"en-US", "en"},
		{"english", "en"},
		{"pt-BR", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := language.NormalizeLanguageCode(tt.in); got != tt.want {
			t.Fatalf("NormalizeLanguageCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
