package config_test

import (
	"path/filepath"
	"testing"

	"github.com/PocketPalCo/receipt-loyalty-service/config"
)

func TestResolverScanLimitFromEnvironment(t *testing.T) {
	t.Setenv("RLS_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("RLS_RESOLVER_SCAN_LIMIT", "50")

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.ResolverScanLimit != 50 {
		t.Fatalf("expected scan limit 50, got %d", cfg.ResolverScanLimit)
	}
	if cfg.ResolverScanPageSize != 200 {
		t.Fatalf("expected default page size 200, got %d", cfg.ResolverScanPageSize)
	}
}
