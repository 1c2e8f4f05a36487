package extractor_test

import (
	"testing"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/extractor"
)

func TestConvertWordsToNumber(t *testing.T) {
	cases := []struct {
		phrase string
		want   int64
	}{
		{"cuatro", 4},
		{"CUATRO", 4},
		{"cero", 0},
		{"veintidós", 22},
		{"treinta y cinco", 35},
		{"ciento veinte", 120},
		{"cien", 100},
		{"novecientas noventa y nueve", 999},
		{"mil", 1000},
		{"dos mil quinientos", 2500},
		{"un millón doscientos mil", 1200000},
		{"tres millones", 3000000},
		{"cuatro soles", 4},
	}

	for _, tc := range cases {
		t.Run(tc.phrase, func(t *testing.T) {
			got, ok := extractor.ConvertWordsToNumber(tc.phrase)
			if !ok {
				t.Fatalf("expected %q to be recognised", tc.phrase)
			}
			if got != tc.want {
				t.Fatalf("ConvertWordsToNumber(%q) = %d, want %d", tc.phrase, got, tc.want)
			}
		})
	}
}

func TestConvertWordsToNumberAbsent(t *testing.T) {
	for _, phrase := range []string{"", "soles", "gracias por su compra"} {
		if got, ok := extractor.ConvertWordsToNumber(phrase); ok {
			t.Fatalf("expected %q to be absent, got %d", phrase, got)
		}
	}
}
