package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/extractor"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrPurchaseNotFound = errors.New("purchase not found")
	ErrCustomerNotFound = errors.New("customer not found")
)

// purchaseNamespace seeds deterministic purchase ids.
var purchaseNamespace = uuid.MustParse("6f1c7e2a-3b7d-5d1e-9a43-52a3c1d0b6f4")

// NewPurchaseID derives the purchase id from (taxID, invoiceNumber) when both
// are known, otherwise from (customerID, merchantSlug, at).
func NewPurchaseID(taxID, invoiceNumber, customerID, merchantSlug string, at time.Time) uuid.UUID {
	if taxID != "" && invoiceNumber != "" {
		return uuid.NewSHA1(purchaseNamespace, []byte("invoice:"+taxID+"|"+invoiceNumber))
	}
	key := fmt.Sprintf("visit:%s|%s|%d", customerID, merchantSlug, at.UTC().UnixMilli())
	return uuid.NewSHA1(purchaseNamespace, []byte(key))
}

type Purchase struct {
	ID              uuid.UUID       `json:"id"`
	CustomerID      string          `json:"customer_id"`
	MerchantSlug    string          `json:"merchant_slug"`
	EntityID        string          `json:"entity_id"`
	Amount          decimal.Decimal `json:"amount"`
	TaxID           string          `json:"tax_id"`
	InvoiceNumber   string          `json:"invoice_number,omitempty"`
	Address         string          `json:"address,omitempty"`
	ReceiptImageRef string          `json:"receipt_image_ref,omitempty"`
	Verified        bool            `json:"verified"`
	CreatedAt       time.Time       `json:"created_at"`

	MerchantName string               `json:"merchant_name,omitempty"`
	VendorName   string               `json:"vendor_name,omitempty"`
	IssuedDate   *time.Time           `json:"issued_date,omitempty"`
	LineItems    []extractor.LineItem `json:"line_items,omitempty"`
	RawText      string               `json:"raw_text,omitempty"`
	WorkItemID   string               `json:"work_item_id,omitempty"`
}

// SearchText is the free text a keyword program scans: raw text plus line items.
func (p Purchase) SearchText() string {
	text := p.RawText
	for _, item := range p.LineItems {
		text += "\n" + item.Description
	}
	return text
}

type CustomerSummary struct {
	PurchaseCount int64           `json:"purchase_count"`
	TotalSpent    decimal.Decimal `json:"total_spent"`
	FirstVisit    time.Time       `json:"first_visit"`
	LastVisit     time.Time       `json:"last_visit"`
}

type CustomerProfile struct {
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type Customer struct {
	ID                string                     `json:"id"`
	Profile           CustomerProfile            `json:"profile"`
	BusinessSummaries map[string]CustomerSummary `json:"business_summaries"`
}

// FanoutKind names one denormalised write derived from a purchase.
type FanoutKind string

const (
	FanoutCustomerSummary  FanoutKind = "customer_summary"
	FanoutMerchantCustomer FanoutKind = "merchant_customer"
	FanoutAuditLog         FanoutKind = "audit_log"
	FanoutTaxIndex         FanoutKind = "tax_index"
)

// FanoutJob is an outbox entry keyed by (PurchaseID, Kind).
type FanoutJob struct {
	PurchaseID uuid.UUID  `json:"purchase_id"`
	Kind       FanoutKind `json:"kind"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	Done       bool       `json:"done"`
	CreatedAt  time.Time  `json:"created_at"`
}

// FanoutError reports a fan-out write that did not land.
type FanoutError struct {
	Kind  FanoutKind `json:"kind"`
	Error string     `json:"error"`
}

// Result is returned by Record. Success is true once the purchase itself is durable.
type Result struct {
	Success      bool             `json:"success"`
	Purchase     Purchase         `json:"purchase"`
	Created      bool             `json:"created"`
	Summary      *CustomerSummary `json:"summary,omitempty"`
	FanoutErrors []FanoutError    `json:"fanout_errors,omitempty"`
}

// Store is the purchase system of record plus its outbox and views. Each
// method is atomic on its own; nothing spans methods.
type Store interface {
	// CreatePurchase inserts p and its outbox jobs when the id is new. When
	// the id exists, the stored purchase is returned with created=false.
	CreatePurchase(ctx context.Context, p Purchase, jobs []FanoutKind) (stored Purchase, created bool, err error)
	GetPurchase(ctx context.Context, id uuid.UUID) (Purchase, error)
	FindByInvoice(ctx context.Context, merchantSlug, taxID, invoiceNumber string) (*Purchase, error)
	FindRecentByAmount(ctx context.Context, merchantSlug, customerID string, amount decimal.Decimal, since time.Time) (*Purchase, error)
	AttachImage(ctx context.Context, id uuid.UUID, ref string) error

	PendingFanout(ctx context.Context, purchaseID uuid.UUID) ([]FanoutJob, error)
	ListPendingFanout(ctx context.Context, limit int) ([]FanoutJob, error)
	// ApplyCustomerSummary increments the summary and marks the job done in
	// one atomic step; it is a no-op when the job is already done.
	ApplyCustomerSummary(ctx context.Context, p Purchase) error
	UpsertMerchantCustomer(ctx context.Context, p Purchase) error
	AppendAudit(ctx context.Context, p Purchase) error
	RepairTaxIndex(ctx context.Context, p Purchase) error
	MarkFanoutDone(ctx context.Context, purchaseID uuid.UUID, kind FanoutKind) error
	MarkFanoutFailed(ctx context.Context, purchaseID uuid.UUID, kind FanoutKind, reason string) error

	GetCustomer(ctx context.Context, customerID string) (Customer, error)
}
