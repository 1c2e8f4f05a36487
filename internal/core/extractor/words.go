package extractor

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var units = map[string]int64{
	"cero": 0, "un": 1, "uno": 1, "una": 1, "dos": 2, "tres": 3, "cuatro": 4,
	"cinco": 5, "seis": 6, "siete": 7, "ocho": 8, "nueve": 9, "diez": 10,
	"once": 11, "doce": 12, "trece": 13, "catorce": 14, "quince": 15,
	"dieciseis": 16, "diecisiete": 17, "dieciocho": 18, "diecinueve": 19,
	"veinte": 20, "veintiun": 21, "veintiuno": 21, "veintiuna": 21,
	"veintidos": 22, "veintitres": 23, "veinticuatro": 24, "veinticinco": 25,
	"veintiseis": 26, "veintisiete": 27, "veintiocho": 28, "veintinueve": 29,
}

var tens = map[string]int64{
	"treinta": 30, "cuarenta": 40, "cincuenta": 50, "sesenta": 60,
	"setenta": 70, "ochenta": 80, "noventa": 90,
}

var hundreds = map[string]int64{
	"cien": 100, "ciento": 100,
	"doscientos": 200, "doscientas": 200,
	"trescientos": 300, "trescientas": 300,
	"cuatrocientos": 400, "cuatrocientas": 400,
	"quinientos": 500, "quinientas": 500,
	"seiscientos": 600, "seiscientas": 600,
	"setecientos": 700, "setecientas": 700,
	"ochocientos": 800, "ochocientas": 800,
	"novecientos": 900, "novecientas": 900,
}

var (
	nonWordRe = regexp.MustCompile(`[^a-z0-9/ ]+`)
	spacesRe  = regexp.MustCompile(`\s+`)

	wordsWithCentsRe = regexp.MustCompile(`\bson\s*:?\s*([a-z ]+?)\s+(?:con|y)\s+(\d{1,2})\s*/\s*100\b`)
	wordsOnlyRe      = regexp.MustCompile(`\bson\s*:?\s*([a-z ]+?)\s+(?:nuevos\s+)?soles\b`)
)

// normalize lower-cases the text and strips diacritics and punctuation.
func normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.ToLower(out)
	out = nonWordRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(spacesRe.ReplaceAllString(out, " "))
}

// ConvertWordsToNumber turns a Spanish numeral phrase ("ciento veinte",
// "dos mil quinientos") into its integer value. ok is false when no token
// was recognised.
func ConvertWordsToNumber(phrase string) (int64, bool) {
	return convertWords(slog.Default(), phrase)
}

func convertWords(logger *slog.Logger, phrase string) (int64, bool) {
	var result, current int64
	found := false

	for _, tok := range strings.Fields(normalize(phrase)) {
		switch {
		case tok == "y":
			continue
		case tok == "mil":
			if current == 0 {
				current = 1
			}
			result += current * 1000
			current = 0
			found = true
		case tok == "millon" || tok == "millones":
			if current == 0 {
				current = 1
			}
			result += current * 1_000_000
			current = 0
			found = true
		default:
			if v, ok := units[tok]; ok {
				current += v
			} else if v, ok := tens[tok]; ok {
				current += v
			} else if v, ok := hundreds[tok]; ok {
				current += v
			} else {
				logger.Debug("skipping unrecognised numeral token", "token", tok, "phrase", phrase)
				continue
			}
			found = true
		}
	}

	if !found {
		return 0, false
	}
	return result + current, true
}

// amountInWords finds a "SON: ... CON nn/100 SOLES" phrase and converts it.
func amountInWords(logger *slog.Logger, text string) (decimal.Decimal, bool) {
	normalized := normalize(text)

	if m := wordsWithCentsRe.FindStringSubmatch(normalized); m != nil {
		whole, ok := convertWords(logger, m[1])
		if !ok {
			return decimal.Decimal{}, false
		}
		cents, err := decimal.NewFromString(m[2])
		if err != nil {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromInt(whole).Add(cents.Shift(-2)).Round(2), true
	}

	if m := wordsOnlyRe.FindStringSubmatch(normalized); m != nil {
		whole, ok := convertWords(logger, m[1])
		if !ok {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromInt(whole).Round(2), true
	}

	return decimal.Decimal{}, false
}
