package extractor

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// wordsTolerance is the numeric vs amount-in-words gap that gets logged.
var wordsTolerance = decimal.RequireFromString("0.10")

var (
	thousandsRe = regexp.MustCompile(`^\d{1,3}(?:,\d{3})+\.\d{2}$`)
	lineItemRe  = regexp.MustCompile(`(?i)^\s*(?:(\d+(?:[.,]\d+)?)\s*(?:X|UND|UNID|UN)?\s+)?([A-ZÁÉÍÓÚÑ][^\d\n]*?[A-ZÁÉÍÓÚÑ.])\s+(?:S/\.?\s*)?(\d+[.,]\d{2})\s*$`)
	notItemRe   = regexp.MustCompile(`(?i)\b(?:TOTAL|SUBTOTAL|SUB\s+TOTAL|I\.?G\.?V|OP\.?\s*GRAVADA|OP\.?\s*EXONERADA|OP\.?\s*INAFECTA|VUELTO|EFECTIVO|TARJETA|REDONDEO|DESCUENTO|PAGO|CAMBIO|SON)\b`)
)

// ParseAmount reads a receipt figure such as "4.90", "4,90" or "1,234.50".
func ParseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if thousandsRe.MatchString(s) {
		s = strings.ReplaceAll(s, ",", "")
	} else {
		s = strings.ReplaceAll(s, ",", ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d.Round(2), true
}

type Extractor struct {
	logger    *slog.Logger
	defaults  RuleSet
	overrides map[string]RuleSet
}

type Option func(*Extractor)

// WithOverrides registers per-merchant rule sets keyed by merchant slug.
func WithOverrides(overrides map[string]RuleSet) Option {
	return func(e *Extractor) {
		for slug, rs := range overrides {
			e.overrides[slug] = rs
		}
	}
}

func New(logger *slog.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		logger:    logger,
		defaults:  DefaultRules(),
		overrides: make(map[string]RuleSet),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HasOverride reports whether merchant-specific rules exist for slug.
func (e *Extractor) HasOverride(slug string) bool {
	_, ok := e.overrides[slug]
	return ok
}

// Extract applies the default rules. It never fails; unmatched fields are left empty.
func (e *Extractor) Extract(text string) Facts {
	return e.extract(text, e.defaults)
}

// ExtractFor applies the merchant's override rules ahead of the defaults.
func (e *Extractor) ExtractFor(slug, text string) Facts {
	rs, ok := e.overrides[slug]
	if !ok {
		return e.Extract(text)
	}
	return e.extract(text, rs.Prepend(e.defaults))
}

func (e *Extractor) extract(text string, rules RuleSet) Facts {
	facts := Facts{RawText: text}

	if v, _, ok := rules.first(FieldTaxID, text); ok {
		facts.TaxID = v
	}

	if v, rule, ok := rules.first(FieldAmount, text); ok {
		if d, parsed := ParseAmount(v); parsed {
			facts.Amount = decimal.NewNullDecimal(d)
		} else {
			e.logger.Debug("amount rule matched an unparsable figure", "rule", rule, "value", v)
		}
	}

	if words, ok := amountInWords(e.logger, text); ok {
		facts.AmountInWords = decimal.NewNullDecimal(words)
		if !facts.Amount.Valid {
			facts.Amount = facts.AmountInWords
		} else if facts.Amount.Decimal.Sub(words).Abs().GreaterThan(wordsTolerance) {
			e.logger.Warn("amount in words disagrees with numeric total",
				"event", "amount_words_mismatch",
				"numeric", facts.Amount.Decimal.StringFixed(2),
				"words", words.StringFixed(2))
		}
	}

	if v, _, ok := rules.first(FieldInvoiceNumber, text); ok {
		facts.InvoiceNumber = v
	}
	if v, _, ok := rules.first(FieldMerchantName, text); ok {
		facts.MerchantNameRaw = v
	}
	if v, _, ok := rules.first(FieldAddress, text); ok {
		facts.AddressRaw = v
	}
	if v, _, ok := rules.first(FieldVendor, text); ok {
		facts.VendorName = v
	}
	if v, _, ok := rules.first(FieldIssuedDate, text); ok {
		if t, err := time.Parse(time.DateOnly, v); err == nil {
			facts.IssuedDate = &t
		}
	}

	facts.LineItems = lineItems(text)
	return facts
}

func lineItems(text string) []LineItem {
	var items []LineItem
	for _, line := range strings.Split(text, "\n") {
		if notItemRe.MatchString(line) {
			continue
		}
		m := lineItemRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		item := LineItem{Description: strings.TrimSpace(m[2])}
		if m[1] != "" {
			if q, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ".")); err == nil {
				item.Quantity = decimal.NewNullDecimal(q)
			}
		}
		if d, ok := ParseAmount(m[3]); ok {
			item.Amount = decimal.NewNullDecimal(d)
		}
		items = append(items, item)
	}
	return items
}
