package loyalty

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrProgramNotFound  = errors.New("loyalty program not found")
	ErrProgressNotFound = errors.New("program progress not found")
	ErrConflict         = errors.New("program progress was modified concurrently")
	ErrNotRedeemable    = errors.New("reward is not redeemable")
	// ErrInvariant marks corrupt state or configuration. It is fatal for the
	// work item and is never clamped.
	ErrInvariant = errors.New("loyalty invariant violated")
)

type ProgramType string

const (
	ProgramVisits          ProgramType = "visits"
	ProgramSpecificProduct ProgramType = "specific_product"
	ProgramTicketValue     ProgramType = "ticket_value"
	ProgramPoints          ProgramType = "points"
)

type ProgramStatus string

const (
	StatusActive ProgramStatus = "active"
	StatusPaused ProgramStatus = "paused"
)

type RewardTier struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Points int64  `json:"points"`
}

type ProgramConfig struct {
	Target          int64           `json:"target,omitempty"`
	RewardName      string          `json:"reward_name,omitempty"`
	Keywords        []string        `json:"keywords,omitempty"`
	MinTicketValue  decimal.Decimal `json:"min_ticket_value"`
	PointsPerDollar decimal.Decimal `json:"points_per_dollar"`
	Rewards         []RewardTier    `json:"rewards,omitempty"`
}

type ProgramStats struct {
	TotalParticipants int64           `json:"total_participants"`
	RewardsRedeemed   int64           `json:"rewards_redeemed"`
	TotalRevenue      decimal.Decimal `json:"total_revenue"`
}

type Program struct {
	ID           string        `json:"id"`
	MerchantSlug string        `json:"merchant_slug"`
	Name         string        `json:"name"`
	Type         ProgramType   `json:"type"`
	Config       ProgramConfig `json:"config"`
	Priority     int           `json:"priority"`
	Status       ProgramStatus `json:"status"`
	ValidFrom    *time.Time    `json:"valid_from,omitempty"`
	ValidTo      *time.Time    `json:"valid_to,omitempty"`
	Stats        ProgramStats  `json:"stats"`
}

// ActiveAt reports whether the program accrues at t.
func (p Program) ActiveAt(t time.Time) bool {
	if p.Status != StatusActive {
		return false
	}
	if p.ValidFrom != nil && t.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidTo != nil && t.After(*p.ValidTo) {
		return false
	}
	return true
}

// HistoryEntry is one accrual, keyed by the purchase that caused it.
type HistoryEntry struct {
	TicketID  string          `json:"ticket_id"`
	At        time.Time       `json:"at"`
	Amount    decimal.Decimal `json:"amount"`
	Increment int64           `json:"increment,omitempty"`
	Points    int64           `json:"points,omitempty"`
	Keyword   string          `json:"keyword,omitempty"`
	// Unlocked is set when this purchase made the reward redeemable.
	Unlocked bool `json:"unlocked,omitempty"`
}

type Redemption struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	RewardID string    `json:"reward_id,omitempty"`
	Count    int64     `json:"count,omitempty"`
	Points   int64     `json:"points,omitempty"`
}

// Progress is one customer's state in one program. Version is the
// optimistic concurrency token; zero means not stored yet.
type Progress struct {
	CustomerID    string         `json:"customer_id"`
	MerchantSlug  string         `json:"merchant_slug"`
	ProgramID     string         `json:"program_id"`
	Type          ProgramType    `json:"type"`
	CurrentCount  int64          `json:"current_count"`
	CurrentPoints int64          `json:"current_points"`
	Target        int64          `json:"target,omitempty"`
	CanRedeem     bool           `json:"can_redeem"`
	History       []HistoryEntry `json:"history"`
	Redemptions   []Redemption   `json:"redemptions"`
	Version       int64          `json:"version"`
	UpdatedAt     time.Time      `json:"updated_at"`

	// tickets maps ticket id to its index in History.
	tickets map[string]int
}

// HasTicket reports whether the purchase already accrued into this progress.
func (p *Progress) HasTicket(ticketID string) bool {
	_, ok := p.entryFor(ticketID)
	return ok
}

func (p *Progress) entryFor(ticketID string) (HistoryEntry, bool) {
	if p.tickets == nil {
		p.tickets = make(map[string]int, len(p.History))
		for i, h := range p.History {
			p.tickets[h.TicketID] = i
		}
	}
	i, ok := p.tickets[ticketID]
	if !ok {
		return HistoryEntry{}, false
	}
	return p.History[i], true
}

func (p *Progress) appendHistory(entry HistoryEntry) {
	p.HasTicket(entry.TicketID)
	p.History = append(p.History, entry)
	p.tickets[entry.TicketID] = len(p.History) - 1
}

// ProgramResult is the outcome of evaluating one program for one purchase.
type ProgramResult struct {
	ProgramID        string       `json:"program_id"`
	ProgramName      string       `json:"program_name"`
	Type             ProgramType  `json:"type"`
	Priority         int          `json:"priority"`
	Eligible         bool         `json:"eligible"`
	CanRedeem        bool         `json:"can_redeem"`
	BecameRedeemable bool         `json:"became_redeemable"`
	AlreadyCounted   bool         `json:"already_counted,omitempty"`
	Progress         int64        `json:"progress"`
	Target           int64        `json:"target,omitempty"`
	MatchedKeyword   string       `json:"matched_keyword,omitempty"`
	PointsEarned     int64        `json:"points_earned,omitempty"`
	TotalPoints      int64        `json:"total_points,omitempty"`
	AvailableRewards []RewardTier `json:"available_rewards,omitempty"`
	RewardName       string       `json:"reward_name,omitempty"`
}

// StatsDelta is added to a program's aggregate stats.
type StatsDelta struct {
	Participants    int64
	RewardsRedeemed int64
	Revenue         decimal.Decimal
}

type Store interface {
	ActivePrograms(ctx context.Context, merchantSlug string) ([]Program, error)
	GetProgram(ctx context.Context, merchantSlug, programID string) (Program, error)
	GetProgress(ctx context.Context, customerID, merchantSlug, programID string) (Progress, error)
	ListProgress(ctx context.Context, customerID, merchantSlug string) ([]Progress, error)
	// SaveProgress stores p if the stored version still equals p.Version and
	// bumps it; otherwise it returns ErrConflict.
	SaveProgress(ctx context.Context, p Progress) (Progress, error)
	IncrementProgramStats(ctx context.Context, merchantSlug, programID string, delta StatsDelta) error
}

// Marker is the ticket-level "already evaluated" flag per (customer, purchase).
type Marker interface {
	IsProcessed(ctx context.Context, customerID, purchaseID string) (bool, error)
	MarkProcessed(ctx context.Context, customerID, purchaseID string) error
}
