package merchants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/PocketPalCo/receipt-loyalty-service/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("merchants-service")

const (
	defaultScanLimit = 2000
	defaultPageSize  = 200
)

type Resolver struct {
	store     Store
	cache     Cache
	logger    *slog.Logger
	scanLimit int
	pageSize  int
}

type ResolverOption func(*Resolver)

func WithCache(c Cache) ResolverOption {
	return func(r *Resolver) {
		r.cache = c
	}
}

// WithScanLimit bounds how many merchants the fallback scan may visit.
func WithScanLimit(limit, pageSize int) ResolverOption {
	return func(r *Resolver) {
		if limit > 0 {
			r.scanLimit = limit
		}
		if pageSize > 0 {
			r.pageSize = pageSize
		}
	}
}

func NewResolver(store Store, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:     store,
		logger:    logger,
		scanLimit: defaultScanLimit,
		pageSize:  defaultPageSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps a tax id to an active onboarded merchant. A nil ref with a nil
// error means the tax id is not onboarded; errors are store failures.
func (r *Resolver) Resolve(ctx context.Context, taxID string) (*Ref, error) {
	ctx, span := tracer.Start(ctx, "merchants.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("tax_id", taxID))

	if taxID == "" {
		return nil, nil
	}

	if r.cache != nil {
		ref, ok, err := r.cache.GetRef(ctx, taxID)
		if err != nil {
			r.logger.Warn("merchant cache read failed", "error", err, "tax_id", taxID)
		} else if ok {
			return &ref, nil
		}
	}

	ref, inactive, err := r.fromIndex(ctx, taxID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if ref == nil && !inactive {
		ref, err = r.scan(ctx, taxID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	if ref != nil && r.cache != nil {
		if err := r.cache.SetRef(ctx, taxID, *ref); err != nil {
			r.logger.Warn("merchant cache write failed", "error", err, "tax_id", taxID)
		}
	}

	return ref, nil
}

// fromIndex follows the tax index and verifies the hit against the
// authoritative merchant record. inactive reports a soft-deleted merchant,
// which must not fall through to the scan.
func (r *Resolver) fromIndex(ctx context.Context, taxID string) (ref *Ref, inactive bool, err error) {
	entry, err := r.store.GetTaxIndex(ctx, taxID)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read tax index: %w", err)
	}

	m, err := r.store.GetMerchant(ctx, entry.MerchantSlug)
	if errors.Is(err, ErrNotFound) {
		r.logger.Warn("tax index points at unknown merchant", "tax_id", taxID, "merchant", entry.MerchantSlug)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get merchant: %w", err)
	}

	e, ok := m.EntityByTaxID(taxID)
	if !ok {
		r.logger.Warn("tax index is stale", "tax_id", taxID, "merchant", entry.MerchantSlug)
		return nil, false, nil
	}
	if !m.Active {
		return nil, true, nil
	}

	found := refFor(m, e)
	return &found, false, nil
}

// scan walks merchant records page by page up to the scan limit and repairs
// the index when it finds the tax id.
func (r *Resolver) scan(ctx context.Context, taxID string) (*Ref, error) {
	ctx, span := tracer.Start(ctx, "merchants.scan")
	defer span.End()

	for offset := 0; offset < r.scanLimit; offset += r.pageSize {
		page, err := r.store.ListMerchants(ctx, r.pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to list merchants: %w", err)
		}

		for _, m := range page {
			e, ok := m.EntityByTaxID(taxID)
			if !ok {
				continue
			}
			if !m.Active {
				return nil, nil
			}

			r.repairIndex(ctx, IndexEntry{TaxID: taxID, MerchantSlug: m.Slug, EntityID: e.ID})
			found := refFor(m, e)
			return &found, nil
		}

		if len(page) < r.pageSize {
			break
		}
	}

	return nil, nil
}

func (r *Resolver) repairIndex(ctx context.Context, entry IndexEntry) {
	if err := r.store.PutTaxIndex(ctx, entry); err != nil {
		r.logger.Warn("failed to repair tax index",
			"event", "tax_index_repair_failed",
			"error", err,
			"tax_id", entry.TaxID,
			"merchant", entry.MerchantSlug)
		return
	}

	r.logger.Info("repaired tax index", "tax_id", entry.TaxID, "merchant", entry.MerchantSlug)
	if telemetry.MerchantIndexRepairsTotal != nil {
		telemetry.MerchantIndexRepairsTotal.Add(ctx, 1,
			api.WithAttributes(attribute.String("source", "resolver")))
	}
}
