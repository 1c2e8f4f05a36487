// Package redis holds the go-redis backed loyalty marker and merchant cache.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/config"
	goredis "github.com/go-redis/redis/v8"
)

const keyPrefix = "rls:"

func Init(ctx context.Context, cfg config.Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.RedisAddr(),
		Username:     cfg.RedisUser,
		Password:     cfg.RedisPass,
		DB:           cfg.RedisDb,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}
	return client, nil
}

func markerKey(customerID, purchaseID string) string {
	return keyPrefix + "loyalty:processed:" + customerID + ":" + purchaseID
}

func merchantRefKey(taxID string) string {
	return keyPrefix + "merchant:ref:" + taxID
}
