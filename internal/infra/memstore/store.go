// Package memstore keeps every store port in process memory. It backs the
// "memory" store driver and the tests.
package memstore

import (
	"sync"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/loyalty"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/merchants"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/queue"
	"github.com/google/uuid"
)

var (
	_ merchants.Store = (*Store)(nil)
	_ ledger.Store    = (*Store)(nil)
	_ loyalty.Store   = (*Store)(nil)
	_ loyalty.Marker  = (*Store)(nil)
	_ queue.Store     = (*Store)(nil)
)

type fanoutKey struct {
	purchaseID uuid.UUID
	kind       ledger.FanoutKind
}

type progressKey struct {
	customerID   string
	merchantSlug string
	programID    string
}

// MerchantCustomer is the merchant-scoped view of a customer.
type MerchantCustomer struct {
	MerchantSlug   string
	CustomerID     string
	FirstVisit     time.Time
	LastVisit      time.Time
	LastPurchaseID uuid.UUID
}

// AuditEntry is one record of the global purchase audit log.
type AuditEntry struct {
	PurchaseID   uuid.UUID
	CustomerID   string
	MerchantSlug string
	Amount       string
	RecordedAt   time.Time
}

type Store struct {
	mu sync.RWMutex

	merchants map[string]merchants.Merchant
	taxIndex  map[string]merchants.IndexEntry

	purchases         map[uuid.UUID]ledger.Purchase
	purchaseOrder     []uuid.UUID
	fanout            map[fanoutKey]*ledger.FanoutJob
	fanoutOrder       []fanoutKey
	customers         map[string]*ledger.Customer
	merchantCustomers map[string]map[string]MerchantCustomer
	audit             map[uuid.UUID]AuditEntry

	programs map[string]map[string]loyalty.Program
	progress map[progressKey]loyalty.Progress
	markers  map[string]time.Time
	markerTT time.Duration

	items map[string]queue.WorkItem

	faults map[string]error
	now    func() time.Time
}

func New() *Store {
	return &Store{
		merchants:         make(map[string]merchants.Merchant),
		taxIndex:          make(map[string]merchants.IndexEntry),
		purchases:         make(map[uuid.UUID]ledger.Purchase),
		fanout:            make(map[fanoutKey]*ledger.FanoutJob),
		customers:         make(map[string]*ledger.Customer),
		merchantCustomers: make(map[string]map[string]MerchantCustomer),
		audit:             make(map[uuid.UUID]AuditEntry),
		programs:          make(map[string]map[string]loyalty.Program),
		progress:          make(map[progressKey]loyalty.Progress),
		markers:           make(map[string]time.Time),
		markerTT:          30 * 24 * time.Hour,
		items:             make(map[string]queue.WorkItem),
		faults:            make(map[string]error),
		now:               time.Now,
	}
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, method)
		return
	}
	s.faults[method] = err
}

// SetClock overrides time.Now for timestamps and TTLs.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetMarkerTTL sets how long loyalty markers live.
func (s *Store) SetMarkerTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markerTT = ttl
}

// fault must be called with mu held.
func (s *Store) fault(method string) error {
	return s.faults[method]
}
