package merchants

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("merchant not found")

// LegalEntity is one tax-registered company trading under a merchant brand.
type LegalEntity struct {
	ID        string `json:"id"`
	TaxID     string `json:"tax_id"`
	LegalName string `json:"legal_name"`
	Address   string `json:"address"`
}

type Merchant struct {
	Slug            string        `json:"slug"`
	Name            string        `json:"name"`
	LegalEntities   []LegalEntity `json:"legal_entities"`
	PrimaryEntityID string        `json:"primary_entity_id"`
	Active          bool          `json:"active"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// EntityByTaxID returns the legal entity registered under taxID.
func (m Merchant) EntityByTaxID(taxID string) (LegalEntity, bool) {
	for _, e := range m.LegalEntities {
		if e.TaxID == taxID {
			return e, true
		}
	}
	return LegalEntity{}, false
}

// Ref is the resolved merchant and legal entity for one tax id.
type Ref struct {
	MerchantSlug string `json:"merchant_slug"`
	EntityID     string `json:"entity_id"`
	TaxID        string `json:"tax_id"`
	Name         string `json:"name"`
	LegalName    string `json:"legal_name"`
	Address      string `json:"address"`
}

// IndexEntry maps a tax id to its merchant and legal entity.
type IndexEntry struct {
	TaxID        string `json:"tax_id"`
	MerchantSlug string `json:"merchant_slug"`
	EntityID     string `json:"entity_id"`
}

// Store is the merchant system of record plus the tax id index.
type Store interface {
	GetTaxIndex(ctx context.Context, taxID string) (IndexEntry, error)
	PutTaxIndex(ctx context.Context, entry IndexEntry) error
	GetMerchant(ctx context.Context, slug string) (Merchant, error)
	ListMerchants(ctx context.Context, limit, offset int) ([]Merchant, error)
	SaveMerchant(ctx context.Context, m Merchant) error
}

// Cache is an optional read-through cache of resolved refs.
type Cache interface {
	GetRef(ctx context.Context, taxID string) (Ref, bool, error)
	SetRef(ctx context.Context, taxID string, ref Ref) error
}

func refFor(m Merchant, e LegalEntity) Ref {
	return Ref{
		MerchantSlug: m.Slug,
		EntityID:     e.ID,
		TaxID:        e.TaxID,
		Name:         m.Name,
		LegalName:    e.LegalName,
		Address:      e.Address,
	}
}
