package catalog_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/catalog"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/loyalty"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/merchants"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/infra/memstore"
	"github.com/shopspring/decimal"
)

const sample = `
merchants:
  - slug: panaderia-san-jose
    name: Panadería San José
    legal_entities:
      - id: e1
        tax_id: "20504680623"
        legal_name: PANADERIA SAN JOSE S.A.C.
        address: AV. LARCO 345 MIRAFLORES
    programs:
      - id: cafe
        name: Café gratis
        type: visits
        priority: 1
        target: 10
        reward_name: Café americano
      - id: puntos
        name: Puntos
        type: points
        priority: 2
        points_per_dollar: "1"
        rewards:
          - {id: cafe, name: Café, points: 30}
          - {id: sandwich, name: Sándwich, points: 40}
  - slug: bodega-cerrada
    name: Bodega Cerrada
    active: false
    legal_entities:
      - {id: b1, tax_id: "20111111111", legal_name: BODEGA SRL}
`

func TestParseAndApply(t *testing.T) {
	c, err := catalog.Parse([]byte(sample))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(c.Merchants) != 2 || len(c.Programs) != 2 {
		t.Fatalf("unexpected catalog: %d merchants, %d programs", len(c.Merchants), len(c.Programs))
	}
	if c.Merchants[0].PrimaryEntityID != "e1" || !c.Merchants[0].Active || c.Merchants[1].Active {
		t.Fatalf("unexpected merchant defaults: %+v", c.Merchants)
	}
	if c.Programs[0].Status != loyalty.StatusActive {
		t.Fatalf("status should default to active, got %q", c.Programs[0].Status)
	}

	store := memstore.New()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := catalog.Apply(ctx, store, c, logger); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	ref, err := merchants.NewResolver(store, logger).Resolve(ctx, "20504680623")
	if err != nil || ref == nil || ref.MerchantSlug != "panaderia-san-jose" {
		t.Fatalf("seeded merchant not resolvable: %+v, %v", ref, err)
	}

	programs, err := store.ActivePrograms(ctx, "panaderia-san-jose")
	if err != nil || len(programs) != 2 || programs[0].ID != "cafe" {
		t.Fatalf("unexpected programs %+v, %v", programs, err)
	}
	if !programs[1].Config.PointsPerDollar.Equal(decimal.NewFromInt(1)) || len(programs[1].Config.Rewards) != 2 {
		t.Fatalf("points config not parsed: %+v", programs[1].Config)
	}
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "duplicate tax id",
			yaml: `
merchants:
  - {slug: a, name: A, legal_entities: [{id: e1, tax_id: "20504680623"}]}
  - {slug: b, name: B, legal_entities: [{id: e2, tax_id: "20504680623"}]}`,
			want: "already belongs to a",
		},
		{
			name: "unknown program type",
			yaml: `
merchants:
  - {slug: a, name: A, programs: [{id: p, type: lottery, target: 1}]}`,
			want: "unknown type",
		},
		{
			name: "visits without target",
			yaml: `
merchants:
  - {slug: a, name: A, programs: [{id: p, type: visits}]}`,
			want: "target must be positive",
		},
		{
			name: "bad decimal",
			yaml: `
merchants:
  - {slug: a, name: A, programs: [{id: p, type: ticket_value, target: 5, min_ticket_value: "fifty"}]}`,
			want: "min_ticket_value",
		},
		{
			name: "missing slug",
			yaml: `
merchants:
  - {name: A}`,
			want: "slug and name are required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadEmptyPath(t *testing.T) {
	c, err := catalog.Load("")
	if err != nil || len(c.Merchants) != 0 {
		t.Fatalf("empty path should yield empty catalog, got %+v, %v", c, err)
	}
}
