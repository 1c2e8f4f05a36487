// Package catalog seeds merchants, their tax ids and loyalty programs from a
// YAML file at startup.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/loyalty"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/merchants"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Store receives the seeded documents.
type Store interface {
	SaveMerchant(ctx context.Context, m merchants.Merchant) error
	PutTaxIndex(ctx context.Context, entry merchants.IndexEntry) error
	SaveProgram(ctx context.Context, p loyalty.Program) error
}

type File struct {
	Merchants []MerchantEntry `yaml:"merchants"`
}

type MerchantEntry struct {
	Slug            string         `yaml:"slug"`
	Name            string         `yaml:"name"`
	PrimaryEntityID string         `yaml:"primary_entity_id"`
	Active          *bool          `yaml:"active"`
	LegalEntities   []EntityEntry  `yaml:"legal_entities"`
	Programs        []ProgramEntry `yaml:"programs"`
}

type EntityEntry struct {
	ID        string `yaml:"id"`
	TaxID     string `yaml:"tax_id"`
	LegalName string `yaml:"legal_name"`
	Address   string `yaml:"address"`
}

type ProgramEntry struct {
	ID              string       `yaml:"id"`
	Name            string       `yaml:"name"`
	Type            string       `yaml:"type"`
	Priority        int          `yaml:"priority"`
	Status          string       `yaml:"status"`
	ValidFrom       *time.Time   `yaml:"valid_from"`
	ValidTo         *time.Time   `yaml:"valid_to"`
	Target          int64        `yaml:"target"`
	RewardName      string       `yaml:"reward_name"`
	Keywords        []string     `yaml:"keywords"`
	MinTicketValue  string       `yaml:"min_ticket_value"`
	PointsPerDollar string       `yaml:"points_per_dollar"`
	Rewards         []RewardTier `yaml:"rewards"`
}

type RewardTier struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Points int64  `yaml:"points"`
}

// Catalog is the validated content of a catalog file.
type Catalog struct {
	Merchants []merchants.Merchant
	Programs  []loyalty.Program
}

// Load reads a catalog file. An empty path yields an empty catalog.
func Load(path string) (Catalog, error) {
	if path == "" {
		return Catalog{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Catalog, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Catalog{}, fmt.Errorf("failed to parse catalog: %w", err)
	}

	var out Catalog
	seenTaxIDs := make(map[string]string)
	seenSlugs := make(map[string]bool)

	for _, me := range file.Merchants {
		if me.Slug == "" || me.Name == "" {
			return Catalog{}, fmt.Errorf("merchant %q: slug and name are required", me.Slug)
		}
		if seenSlugs[me.Slug] {
			return Catalog{}, fmt.Errorf("merchant %s: duplicate slug", me.Slug)
		}
		seenSlugs[me.Slug] = true

		m := merchants.Merchant{
			Slug:            me.Slug,
			Name:            me.Name,
			PrimaryEntityID: me.PrimaryEntityID,
			Active:          me.Active == nil || *me.Active,
		}
		for _, e := range me.LegalEntities {
			if e.ID == "" || e.TaxID == "" {
				return Catalog{}, fmt.Errorf("merchant %s: legal entity needs id and tax_id", me.Slug)
			}
			if owner, ok := seenTaxIDs[e.TaxID]; ok {
				return Catalog{}, fmt.Errorf("merchant %s: tax id %s already belongs to %s", me.Slug, e.TaxID, owner)
			}
			seenTaxIDs[e.TaxID] = me.Slug
			m.LegalEntities = append(m.LegalEntities, merchants.LegalEntity(e))
		}
		if m.PrimaryEntityID == "" && len(m.LegalEntities) > 0 {
			m.PrimaryEntityID = m.LegalEntities[0].ID
		}
		out.Merchants = append(out.Merchants, m)

		for _, pe := range me.Programs {
			p, err := toProgram(me.Slug, pe)
			if err != nil {
				return Catalog{}, fmt.Errorf("merchant %s: program %s: %w", me.Slug, pe.ID, err)
			}
			out.Programs = append(out.Programs, p)
		}
	}
	return out, nil
}

func toProgram(slug string, pe ProgramEntry) (loyalty.Program, error) {
	if pe.ID == "" {
		return loyalty.Program{}, fmt.Errorf("id is required")
	}

	p := loyalty.Program{
		ID:           pe.ID,
		MerchantSlug: slug,
		Name:         pe.Name,
		Type:         loyalty.ProgramType(pe.Type),
		Priority:     pe.Priority,
		Status:       loyalty.ProgramStatus(pe.Status),
		ValidFrom:    pe.ValidFrom,
		ValidTo:      pe.ValidTo,
		Config: loyalty.ProgramConfig{
			Target:     pe.Target,
			RewardName: pe.RewardName,
			Keywords:   pe.Keywords,
		},
	}
	if p.Status == "" {
		p.Status = loyalty.StatusActive
	}
	if p.Status != loyalty.StatusActive && p.Status != loyalty.StatusPaused {
		return loyalty.Program{}, fmt.Errorf("unknown status %q", pe.Status)
	}
	for _, r := range pe.Rewards {
		p.Config.Rewards = append(p.Config.Rewards, loyalty.RewardTier(r))
	}

	var err error
	if p.Config.MinTicketValue, err = parseDecimal(pe.MinTicketValue); err != nil {
		return loyalty.Program{}, fmt.Errorf("min_ticket_value: %w", err)
	}
	if p.Config.PointsPerDollar, err = parseDecimal(pe.PointsPerDollar); err != nil {
		return loyalty.Program{}, fmt.Errorf("points_per_dollar: %w", err)
	}

	switch p.Type {
	case loyalty.ProgramVisits, loyalty.ProgramTicketValue:
		if p.Config.Target <= 0 {
			return loyalty.Program{}, fmt.Errorf("target must be positive")
		}
		if p.Type == loyalty.ProgramTicketValue && !p.Config.MinTicketValue.IsPositive() {
			return loyalty.Program{}, fmt.Errorf("min_ticket_value must be positive")
		}
	case loyalty.ProgramSpecificProduct:
		if p.Config.Target <= 0 || len(p.Config.Keywords) == 0 {
			return loyalty.Program{}, fmt.Errorf("target and keywords are required")
		}
	case loyalty.ProgramPoints:
		if !p.Config.PointsPerDollar.IsPositive() || len(p.Config.Rewards) == 0 {
			return loyalty.Program{}, fmt.Errorf("points_per_dollar and rewards are required")
		}
	default:
		return loyalty.Program{}, fmt.Errorf("unknown type %q", pe.Type)
	}
	return p, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// Apply writes every merchant, its tax index entries and its programs.
func Apply(ctx context.Context, store Store, c Catalog, logger *slog.Logger) error {
	for _, m := range c.Merchants {
		if err := store.SaveMerchant(ctx, m); err != nil {
			return fmt.Errorf("failed to seed merchant %s: %w", m.Slug, err)
		}
		for _, e := range m.LegalEntities {
			entry := merchants.IndexEntry{TaxID: e.TaxID, MerchantSlug: m.Slug, EntityID: e.ID}
			if err := store.PutTaxIndex(ctx, entry); err != nil {
				return fmt.Errorf("failed to index tax id %s: %w", e.TaxID, err)
			}
		}
	}
	for _, p := range c.Programs {
		if err := store.SaveProgram(ctx, p); err != nil {
			return fmt.Errorf("failed to seed program %s/%s: %w", p.MerchantSlug, p.ID, err)
		}
	}

	logger.Info("catalog applied",
		"merchants", len(c.Merchants),
		"programs", len(c.Programs))
	return nil
}
