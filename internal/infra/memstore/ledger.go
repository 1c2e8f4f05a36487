package memstore

import (
	"context"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/merchants"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func (s *Store) CreatePurchase(_ context.Context, p ledger.Purchase, jobs []ledger.FanoutKind) (ledger.Purchase, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreatePurchase"); err != nil {
		return ledger.Purchase{}, false, err
	}

	if existing, ok := s.purchases[p.ID]; ok {
		return existing, false, nil
	}

	s.purchases[p.ID] = p
	s.purchaseOrder = append(s.purchaseOrder, p.ID)
	now := s.now().UTC()
	for _, kind := range jobs {
		key := fanoutKey{purchaseID: p.ID, kind: kind}
		if _, ok := s.fanout[key]; ok {
			continue
		}
		s.fanout[key] = &ledger.FanoutJob{PurchaseID: p.ID, Kind: kind, CreatedAt: now}
		s.fanoutOrder = append(s.fanoutOrder, key)
	}
	return p, true, nil
}

func (s *Store) GetPurchase(_ context.Context, id uuid.UUID) (ledger.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetPurchase"); err != nil {
		return ledger.Purchase{}, err
	}
	p, ok := s.purchases[id]
	if !ok {
		return ledger.Purchase{}, ledger.ErrPurchaseNotFound
	}
	return p, nil
}

func (s *Store) FindByInvoice(_ context.Context, merchantSlug, taxID, invoiceNumber string) (*ledger.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("FindByInvoice"); err != nil {
		return nil, err
	}
	for _, id := range s.purchaseOrder {
		p := s.purchases[id]
		if p.MerchantSlug == merchantSlug && p.TaxID == taxID && p.InvoiceNumber == invoiceNumber {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *Store) FindRecentByAmount(_ context.Context, merchantSlug, customerID string, amount decimal.Decimal, since time.Time) (*ledger.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("FindRecentByAmount"); err != nil {
		return nil, err
	}
	for i := len(s.purchaseOrder) - 1; i >= 0; i-- {
		p := s.purchases[s.purchaseOrder[i]]
		if p.MerchantSlug == merchantSlug && p.CustomerID == customerID &&
			p.Amount.Equal(amount) && !p.CreatedAt.Before(since) {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *Store) AttachImage(_ context.Context, id uuid.UUID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("AttachImage"); err != nil {
		return err
	}
	p, ok := s.purchases[id]
	if !ok {
		return ledger.ErrPurchaseNotFound
	}
	if p.ReceiptImageRef == "" {
		p.ReceiptImageRef = ref
		s.purchases[id] = p
	}
	return nil
}

func (s *Store) PendingFanout(_ context.Context, purchaseID uuid.UUID) ([]ledger.FanoutJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("PendingFanout"); err != nil {
		return nil, err
	}
	var out []ledger.FanoutJob
	for _, key := range s.fanoutOrder {
		if key.purchaseID != purchaseID {
			continue
		}
		if job := s.fanout[key]; !job.Done {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *Store) ListPendingFanout(_ context.Context, limit int) ([]ledger.FanoutJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListPendingFanout"); err != nil {
		return nil, err
	}
	var out []ledger.FanoutJob
	for _, key := range s.fanoutOrder {
		if len(out) >= limit {
			break
		}
		if job := s.fanout[key]; !job.Done {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *Store) ApplyCustomerSummary(_ context.Context, p ledger.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ApplyCustomerSummary"); err != nil {
		return err
	}

	job, ok := s.fanout[fanoutKey{purchaseID: p.ID, kind: ledger.FanoutCustomerSummary}]
	if ok && job.Done {
		return nil
	}

	c, ok := s.customers[p.CustomerID]
	if !ok {
		c = &ledger.Customer{
			ID:                p.CustomerID,
			Profile:           ledger.CustomerProfile{CreatedAt: p.CreatedAt},
			BusinessSummaries: make(map[string]ledger.CustomerSummary),
		}
		s.customers[p.CustomerID] = c
	}
	if p.CreatedAt.After(c.Profile.LastActive) {
		c.Profile.LastActive = p.CreatedAt
	}

	summary, ok := c.BusinessSummaries[p.MerchantSlug]
	if !ok || p.CreatedAt.Before(summary.FirstVisit) {
		summary.FirstVisit = p.CreatedAt
	}
	if p.CreatedAt.After(summary.LastVisit) {
		summary.LastVisit = p.CreatedAt
	}
	summary.PurchaseCount++
	summary.TotalSpent = summary.TotalSpent.Add(p.Amount)
	c.BusinessSummaries[p.MerchantSlug] = summary

	if job != nil {
		job.Done = true
	}
	return nil
}

func (s *Store) UpsertMerchantCustomer(_ context.Context, p ledger.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("UpsertMerchantCustomer"); err != nil {
		return err
	}
	byCustomer, ok := s.merchantCustomers[p.MerchantSlug]
	if !ok {
		byCustomer = make(map[string]MerchantCustomer)
		s.merchantCustomers[p.MerchantSlug] = byCustomer
	}
	mc, ok := byCustomer[p.CustomerID]
	if !ok {
		mc = MerchantCustomer{MerchantSlug: p.MerchantSlug, CustomerID: p.CustomerID, FirstVisit: p.CreatedAt}
	}
	if p.CreatedAt.Before(mc.FirstVisit) {
		mc.FirstVisit = p.CreatedAt
	}
	if !p.CreatedAt.Before(mc.LastVisit) {
		mc.LastVisit = p.CreatedAt
		mc.LastPurchaseID = p.ID
	}
	byCustomer[p.CustomerID] = mc
	return nil
}

func (s *Store) AppendAudit(_ context.Context, p ledger.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("AppendAudit"); err != nil {
		return err
	}
	if _, ok := s.audit[p.ID]; ok {
		return nil
	}
	s.audit[p.ID] = AuditEntry{
		PurchaseID:   p.ID,
		CustomerID:   p.CustomerID,
		MerchantSlug: p.MerchantSlug,
		Amount:       p.Amount.StringFixed(2),
		RecordedAt:   s.now().UTC(),
	}
	return nil
}

func (s *Store) RepairTaxIndex(_ context.Context, p ledger.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("RepairTaxIndex"); err != nil {
		return err
	}
	s.taxIndex[p.TaxID] = merchants.IndexEntry{TaxID: p.TaxID, MerchantSlug: p.MerchantSlug, EntityID: p.EntityID}
	return nil
}

func (s *Store) MarkFanoutDone(_ context.Context, purchaseID uuid.UUID, kind ledger.FanoutKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("MarkFanoutDone"); err != nil {
		return err
	}
	if job, ok := s.fanout[fanoutKey{purchaseID: purchaseID, kind: kind}]; ok {
		job.Done = true
	}
	return nil
}

func (s *Store) MarkFanoutFailed(_ context.Context, purchaseID uuid.UUID, kind ledger.FanoutKind, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("MarkFanoutFailed"); err != nil {
		return err
	}
	if job, ok := s.fanout[fanoutKey{purchaseID: purchaseID, kind: kind}]; ok {
		job.Attempts++
		job.LastError = reason
	}
	return nil
}

func (s *Store) GetCustomer(_ context.Context, customerID string) (ledger.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetCustomer"); err != nil {
		return ledger.Customer{}, err
	}
	c, ok := s.customers[customerID]
	if !ok {
		return ledger.Customer{}, ledger.ErrCustomerNotFound
	}
	out := *c
	out.BusinessSummaries = make(map[string]ledger.CustomerSummary, len(c.BusinessSummaries))
	for k, v := range c.BusinessSummaries {
		out.BusinessSummaries[k] = v
	}
	return out, nil
}

// PurchaseCount returns how many purchase documents exist.
func (s *Store) PurchaseCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.purchases)
}

// AuditLog returns the audit entry for a purchase.
func (s *Store) AuditLog(id uuid.UUID) (AuditEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.audit[id]
	return e, ok
}

// MerchantCustomerFor returns the merchant-scoped customer view.
func (s *Store) MerchantCustomerFor(merchantSlug, customerID string) (MerchantCustomer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mc, ok := s.merchantCustomers[merchantSlug][customerID]
	return mc, ok
}
