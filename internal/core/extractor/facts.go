package extractor

import (
	"time"

	"github.com/shopspring/decimal"
)

// Field identifies one extractable receipt attribute.
type Field string

const (
	FieldTaxID         Field = "tax_id"
	FieldAmount        Field = "amount"
	FieldInvoiceNumber Field = "invoice_number"
	FieldMerchantName  Field = "merchant_name"
	FieldAddress       Field = "address"
	FieldVendor        Field = "vendor"
	FieldIssuedDate    Field = "issued_date"
)

// LineItem is one purchased product line recognised on the receipt.
type LineItem struct {
	Description string              `json:"description"`
	Quantity    decimal.NullDecimal `json:"quantity"`
	Amount      decimal.NullDecimal `json:"amount"`
}

// Facts is the structured result of one extraction attempt. Unmatched
// fields stay empty; nothing is guessed beyond the documented fallbacks.
type Facts struct {
	TaxID           string              `json:"tax_id,omitempty"`
	Amount          decimal.NullDecimal `json:"amount"`
	AmountInWords   decimal.NullDecimal `json:"amount_in_words"`
	InvoiceNumber   string              `json:"invoice_number,omitempty"`
	MerchantNameRaw string              `json:"merchant_name_raw,omitempty"`
	AddressRaw      string              `json:"address_raw,omitempty"`
	VendorName      string              `json:"vendor_name,omitempty"`
	IssuedDate      *time.Time          `json:"issued_date,omitempty"`
	LineItems       []LineItem          `json:"line_items,omitempty"`
	RawText         string              `json:"raw_text,omitempty"`
}

// Missing lists the required fields that could not be extracted.
func (f Facts) Missing() []Field {
	var missing []Field
	if f.TaxID == "" {
		missing = append(missing, FieldTaxID)
	}
	if !f.Amount.Valid {
		missing = append(missing, FieldAmount)
	}
	return missing
}

// HasInvoice reports whether the facts carry the (taxId, invoiceNumber) pair.
func (f Facts) HasInvoice() bool {
	return f.TaxID != "" && f.InvoiceNumber != ""
}
