package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/merchants"
	goredis "github.com/go-redis/redis/v8"
)

var _ merchants.Cache = (*MerchantCache)(nil)

// MerchantCache is a read-through cache of resolved merchant refs by tax id.
type MerchantCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewMerchantCache(client *goredis.Client, ttl time.Duration) *MerchantCache {
	return &MerchantCache{client: client, ttl: ttl}
}

func (c *MerchantCache) GetRef(ctx context.Context, taxID string) (merchants.Ref, bool, error) {
	data, err := c.client.Get(ctx, merchantRefKey(taxID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return merchants.Ref{}, false, nil
	}
	if err != nil {
		return merchants.Ref{}, false, fmt.Errorf("failed to read merchant cache: %w", err)
	}

	var ref merchants.Ref
	if err := json.Unmarshal(data, &ref); err != nil {
		return merchants.Ref{}, false, fmt.Errorf("failed to decode cached merchant ref: %w", err)
	}
	return ref, true, nil
}

func (c *MerchantCache) SetRef(ctx context.Context, taxID string, ref merchants.Ref) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to encode merchant ref: %w", err)
	}
	if err := c.client.Set(ctx, merchantRefKey(taxID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write merchant cache: %w", err)
	}
	return nil
}
