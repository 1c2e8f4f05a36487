package extractor

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Rule is a named matcher for a single field. Rules of a field are evaluated
// in order and the first one that matches wins.
type Rule struct {
	Name  string
	Match func(text string) (string, bool)
}

// RuleSet holds the ordered rules per field.
type RuleSet map[Field][]Rule

// Prepend returns a rule set where the receiver's rules run ahead of base.
func (rs RuleSet) Prepend(base RuleSet) RuleSet {
	merged := make(RuleSet, len(base))
	for field, rules := range base {
		merged[field] = append([]Rule(nil), rules...)
	}
	for field, rules := range rs {
		merged[field] = append(append([]Rule(nil), rules...), merged[field]...)
	}
	return merged
}

// first runs the rules of a field and reports the winning rule name.
func (rs RuleSet) first(field Field, text string) (value, rule string, ok bool) {
	for _, r := range rs[field] {
		if v, matched := r.Match(text); matched {
			return v, r.Name, true
		}
	}
	return "", "", false
}

// patternRule matches expr and returns its first capture group, trimmed.
func patternRule(name, expr string) Rule {
	re := regexp.MustCompile(expr)
	return Rule{Name: name, Match: func(text string) (string, bool) {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			return "", false
		}
		v := strings.TrimSpace(m[1])
		return v, v != ""
	}}
}

// invoiceRule matches a series/sequence pair and renders it canonically.
func invoiceRule(name, expr string) Rule {
	re := regexp.MustCompile(expr)
	return Rule{Name: name, Match: func(text string) (string, bool) {
		m := re.FindStringSubmatch(text)
		if len(m) < 3 {
			return "", false
		}
		return CanonicalInvoice(m[1], m[2]), true
	}}
}

// CanonicalInvoice renders an invoice as <SERIES>-<sequence>, with the
// sequence zero padded to eight digits.
func CanonicalInvoice(series, sequence string) string {
	series = strings.ToUpper(strings.TrimSpace(series))
	sequence = strings.TrimLeft(strings.TrimSpace(sequence), "0")
	if sequence == "" {
		sequence = "0"
	}
	if len(sequence) < 8 {
		sequence = strings.Repeat("0", 8-len(sequence)) + sequence
	}
	return series + "-" + sequence
}

const (
	amountExpr   = `(\d{1,3}(?:,\d{3})+\.\d{2}|\d+[.,]\d{2})`
	currencyExpr = `\s*:?\s*(?:S/\.?|PEN|SOLES)?\s*:?\s*`
)

var (
	currencyAmountRe = regexp.MustCompile(`(?i)S/\.?\s*` + amountExpr)
	streetLineRe     = regexp.MustCompile(`(?i)^\s*(?:AV\.?|AVENIDA|JR\.?|JIR[OÓ]N|CALLE|CAL\.|PSJE\.?|PASAJE|MZ\.?|CARRETERA|CAR\.)\s`)
	letterRe         = regexp.MustCompile(`[A-Za-zÁÉÍÓÚÑáéíóúñ]{3,}`)
)

// boilerplate keywords never taken as a merchant name.
var boilerplate = []string{
	"RUC", "R.U.C", "BOLETA", "FACTURA", "TICKET", "ELECTRONICA", "ELECTRÓNICA",
	"FECHA", "HORA", "DIRECCION", "DIRECCIÓN", "TELF", "TELEFONO", "TELÉFONO",
	"WWW", "@", "CAJA", "SERIE", "BIENVENIDO", "GRACIAS", "COPIA",
}

// largestCurrencyAmount picks the highest S/-prefixed figure on the receipt.
func largestCurrencyAmount(text string) (string, bool) {
	var best string
	var bestValue decimal.Decimal
	for _, m := range currencyAmountRe.FindAllStringSubmatch(text, -1) {
		d, ok := ParseAmount(m[1])
		if !ok {
			continue
		}
		if best == "" || d.Cmp(bestValue) > 0 {
			best, bestValue = m[1], d
		}
	}
	return best, best != ""
}

func firstNameLine(text string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !letterRe.MatchString(line) {
			continue
		}
		upper := strings.ToUpper(line)
		skip := false
		for _, kw := range boilerplate {
			if strings.Contains(upper, kw) {
				skip = true
				break
			}
		}
		if !skip {
			return line, true
		}
	}
	return "", false
}

func firstStreetLine(text string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		if streetLineRe.MatchString(line) {
			return strings.TrimSpace(line), true
		}
	}
	return "", false
}

// DefaultRules returns the built-in rule lists, most specific first.
func DefaultRules() RuleSet {
	return RuleSet{
		FieldTaxID: {
			patternRule("ruc-labeled", `(?i)R\.?\s*U\.?\s*C\.?\s*(?:N[°ºo]\.?\s*)?[:.]?\s*(\d{11})\b`),
			patternRule("ruc-bare", `\b((?:10|15|17|20)\d{9})\b`),
		},
		FieldAmount: {
			patternRule("grand-total-importe", `(?i)IMPORTE\s+TOTAL`+currencyExpr+amountExpr),
			patternRule("grand-total-con-igv", `(?i)TOTAL\s+CON\s+I\.?G\.?V\.?`+currencyExpr+amountExpr),
			patternRule("total-a-pagar", `(?i)TOTAL\s+A\s+PAGAR`+currencyExpr+amountExpr),
			patternRule("monto-total", `(?i)MONTO\s+TOTAL`+currencyExpr+amountExpr),
			patternRule("total", `(?i)\bTOTAL\b`+currencyExpr+amountExpr),
			{Name: "currency-largest", Match: largestCurrencyAmount},
		},
		FieldInvoiceNumber: {
			invoiceRule("labeled-series", `(?i)(?:BOLETA|FACTURA|TICKET|NOTA)(?:\s+DE\s+VENTA)?(?:\s+ELECTR[OÓ]NICA)?\s*(?:N[°ºo]\.?|NRO\.?)?\s*[:.]?\s*([BFE][A-Z0-9]{3})\s*[-–]\s*(\d{1,8})\b`),
			invoiceRule("letter-series", `\b([BFE][A-Z0-9]{3})\s*[-–]\s*(\d{1,8})\b`),
			invoiceRule("labeled-numeric-series", `(?i)(?:TICKET|NRO\.?|N[°º])\s*:?\s*(\d{3,4})\s*-\s*(\d{4,8})\b`),
			patternRule("labeled-ticket", `(?i)TICKET\s*(?:N[°ºo]\.?|NRO\.?)?\s*:?\s*(\d{4,12})\b`),
			invoiceRule("numeric-series", `\b(\d{3,4})-(\d{6,8})\b`),
		},
		FieldMerchantName: {
			patternRule("razon-social", `(?im)^\s*RAZ[OÓ]N\s+SOCIAL\s*:?\s*(.+)$`),
			{Name: "first-line", Match: firstNameLine},
		},
		FieldAddress: {
			patternRule("labeled", `(?im)^\s*(?:DIRECCI[OÓ]N|DIR\.|DOMICILIO\s+FISCAL)\s*:?\s*(.+)$`),
			{Name: "street-line", Match: firstStreetLine},
		},
		FieldVendor: {
			patternRule("labeled", `(?im)^\s*(?:CAJER[OA]|VENDEDOR[A]?|ATENDIDO\s+POR|MOZO)\s*:?\s*(.+)$`),
		},
		FieldIssuedDate: {
			dateRule("dmy", `\b(\d{2})[/-](\d{2})[/-](\d{4})\b`, "02/01/2006"),
			dateRule("iso", `\b(\d{4})-(\d{2})-(\d{2})\b`, "2006/01/02"),
			dateRule("dmy-short", `\b(\d{2})/(\d{2})/(\d{2})\b`, "02/01/06"),
		},
	}
}

// dateRule parses the first valid date and renders it as 2006-01-02.
func dateRule(name, expr, layout string) Rule {
	re := regexp.MustCompile(expr)
	return Rule{Name: name, Match: func(text string) (string, bool) {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			t, err := time.Parse(layout, fmt.Sprintf("%s/%s/%s", m[1], m[2], m[3]))
			if err == nil {
				return t.Format(time.DateOnly), true
			}
		}
		return "", false
	}}
}
