package postgres

import (
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/loyalty"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/merchants"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/queue"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("postgres-store")

var (
	_ merchants.Store = (*Store)(nil)
	_ ledger.Store    = (*Store)(nil)
	_ loyalty.Store   = (*Store)(nil)
	_ queue.Store     = (*Store)(nil)
)

// Store implements the merchant, ledger, loyalty and queue ports on Postgres.
// Each port method is one statement or one short transaction.
type Store struct {
	db  DB
	now func() time.Time
}

func NewStore(db DB) *Store {
	return &Store{db: db, now: time.Now}
}
