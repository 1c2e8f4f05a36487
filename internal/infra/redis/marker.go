package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/loyalty"
	goredis "github.com/go-redis/redis/v8"
)

var _ loyalty.Marker = (*Marker)(nil)

// Marker flags a (customer, purchase) pair as already evaluated. Entries
// expire after ttl; progress history stays the authoritative check.
type Marker struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewMarker(client *goredis.Client, ttl time.Duration) *Marker {
	return &Marker{client: client, ttl: ttl}
}

func (m *Marker) IsProcessed(ctx context.Context, customerID, purchaseID string) (bool, error) {
	n, err := m.client.Exists(ctx, markerKey(customerID, purchaseID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read loyalty marker: %w", err)
	}
	return n > 0, nil
}

func (m *Marker) MarkProcessed(ctx context.Context, customerID, purchaseID string) error {
	if err := m.client.SetNX(ctx, markerKey(customerID, purchaseID), time.Now().UTC().Unix(), m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write loyalty marker: %w", err)
	}
	return nil
}
