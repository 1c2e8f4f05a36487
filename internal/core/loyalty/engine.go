package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/PocketPalCo/receipt-loyalty-service/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("loyalty-service")

const maxConflictRetries = 3

type Engine struct {
	store  Store
	marker Marker
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(store Store, marker Marker, logger *slog.Logger) *Engine {
	return &Engine{store: store, marker: marker, logger: logger, now: time.Now}
}

// Evaluate runs every active, date-valid program of the merchant against
// the purchase, in priority order. A purchase already evaluated for the
// customer yields no results.
func (e *Engine) Evaluate(ctx context.Context, merchantSlug, customerID string, purchase ledger.Purchase) ([]ProgramResult, error) {
	ctx, span := tracer.Start(ctx, "loyalty.Evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("merchant", merchantSlug),
		attribute.String("purchase_id", purchase.ID.String()),
	)

	ticketID := purchase.ID.String()

	if e.marker != nil {
		processed, err := e.marker.IsProcessed(ctx, customerID, ticketID)
		if err != nil {
			e.logger.Warn("loyalty marker read failed, relying on program history",
				"error", err, "customer_id", customerID, "purchase_id", ticketID)
		} else if processed {
			e.logger.Info("purchase already evaluated for loyalty", "customer_id", customerID, "purchase_id", ticketID)
			return []ProgramResult{}, nil
		}
	}

	programs, err := e.store.ActivePrograms(ctx, merchantSlug)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load programs: %w", err)
	}

	at := purchase.CreatedAt
	if at.IsZero() {
		at = e.now()
	}
	active := programs[:0:0]
	for _, p := range programs {
		if p.ActiveAt(at) {
			active = append(active, p)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Priority < active[j].Priority })

	results := make([]ProgramResult, 0, len(active))
	deltas := make(map[string]StatsDelta, len(active))
	for _, program := range active {
		res, delta, err := e.evaluateProgram(ctx, program, customerID, purchase)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("program %s: %w", program.ID, err)
		}
		results = append(results, res)
		if delta != nil {
			deltas[program.ID] = *delta
		}
		e.recordMetrics(ctx, res)
	}

	for programID, delta := range deltas {
		if err := e.store.IncrementProgramStats(ctx, merchantSlug, programID, delta); err != nil {
			e.logger.Warn("failed to update program stats", "error", err, "program_id", programID)
		}
	}

	if e.marker != nil {
		if err := e.marker.MarkProcessed(ctx, customerID, ticketID); err != nil {
			e.logger.Warn("failed to set loyalty marker", "error", err, "customer_id", customerID, "purchase_id", ticketID)
		}
	}

	return results, nil
}

// evaluateProgram loads, mutates and saves one progress record, re-reading
// on a version conflict.
func (e *Engine) evaluateProgram(ctx context.Context, program Program, customerID string, purchase ledger.Purchase) (ProgramResult, *StatsDelta, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		progress, err := e.store.GetProgress(ctx, customerID, program.MerchantSlug, program.ID)
		if errors.Is(err, ErrProgressNotFound) {
			progress = Progress{
				CustomerID:   customerID,
				MerchantSlug: program.MerchantSlug,
				ProgramID:    program.ID,
				Type:         program.Type,
			}
		} else if err != nil {
			return ProgramResult{}, nil, fmt.Errorf("failed to load progress: %w", err)
		}
		isNew := progress.Version == 0

		res, mutated, err := apply(program, &progress, purchase, e.now())
		if err != nil || !mutated {
			return res, nil, err
		}

		if _, err := e.store.SaveProgress(ctx, progress); err != nil {
			if errors.Is(err, ErrConflict) {
				e.logger.Debug("progress conflict, retrying", "program_id", program.ID, "attempt", attempt+1)
				continue
			}
			return ProgramResult{}, nil, fmt.Errorf("failed to save progress: %w", err)
		}

		delta := &StatsDelta{Revenue: purchase.Amount}
		if isNew {
			delta.Participants = 1
		}
		return res, delta, nil
	}
	return ProgramResult{}, nil, ErrConflict
}

// apply advances progress for one purchase and reports whether it mutated.
func apply(program Program, progress *Progress, purchase ledger.Purchase, now time.Time) (ProgramResult, bool, error) {
	res := ProgramResult{
		ProgramID:   program.ID,
		ProgramName: program.Name,
		Type:        program.Type,
		Priority:    program.Priority,
		RewardName:  program.Config.RewardName,
	}

	if progress.CurrentCount < 0 || progress.CurrentPoints < 0 {
		return res, false, fmt.Errorf("%w: negative progress for program %s", ErrInvariant, program.ID)
	}

	ticketID := purchase.ID.String()
	if counted, ok := progress.entryFor(ticketID); ok {
		fillState(&res, program, progress)
		res.Eligible = true
		res.AlreadyCounted = true
		res.BecameRedeemable = counted.Unlocked
		return res, false, nil
	}

	wasRedeemable := progress.CanRedeem
	entry := HistoryEntry{TicketID: ticketID, At: now.UTC(), Amount: purchase.Amount}

	switch program.Type {
	case ProgramVisits, ProgramSpecificProduct, ProgramTicketValue:
		if program.Config.Target <= 0 {
			return res, false, fmt.Errorf("%w: program %s has non-positive target", ErrInvariant, program.ID)
		}

		switch program.Type {
		case ProgramSpecificProduct:
			keyword := matchKeyword(program.Config.Keywords, purchase.SearchText())
			if keyword == "" {
				fillState(&res, program, progress)
				return res, false, nil
			}
			res.MatchedKeyword = keyword
			entry.Keyword = keyword
		case ProgramTicketValue:
			if purchase.Amount.LessThan(program.Config.MinTicketValue) {
				fillState(&res, program, progress)
				return res, false, nil
			}
		}

		progress.CurrentCount++
		progress.Target = program.Config.Target
		progress.CanRedeem = progress.CurrentCount >= progress.Target
		entry.Increment = 1

	case ProgramPoints:
		if purchase.Amount.IsNegative() || program.Config.PointsPerDollar.IsNegative() {
			return res, false, fmt.Errorf("%w: negative points for purchase %s", ErrInvariant, ticketID)
		}
		earned := purchase.Amount.Mul(program.Config.PointsPerDollar).Floor().IntPart()
		if earned <= 0 {
			fillState(&res, program, progress)
			return res, false, nil
		}
		progress.CurrentPoints += earned
		progress.CanRedeem = len(availableRewards(program.Config.Rewards, progress.CurrentPoints)) > 0
		entry.Points = earned
		res.PointsEarned = earned

	default:
		return res, false, fmt.Errorf("%w: unknown program type %q", ErrInvariant, program.Type)
	}

	entry.Unlocked = !wasRedeemable && progress.CanRedeem
	progress.Type = program.Type
	progress.UpdatedAt = now.UTC()
	progress.appendHistory(entry)

	fillState(&res, program, progress)
	res.Eligible = true
	res.BecameRedeemable = entry.Unlocked
	return res, true, nil
}

func fillState(res *ProgramResult, program Program, progress *Progress) {
	res.CanRedeem = progress.CanRedeem
	if program.Type == ProgramPoints {
		res.TotalPoints = progress.CurrentPoints
		res.Progress = progress.CurrentPoints
		res.AvailableRewards = availableRewards(program.Config.Rewards, progress.CurrentPoints)
		return
	}
	res.Progress = progress.CurrentCount
	res.Target = program.Config.Target
}

// matchKeyword returns the first configured keyword found in text, ignoring case.
func matchKeyword(keywords []string, text string) string {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k != "" && strings.Contains(lower, k) {
			return kw
		}
	}
	return ""
}

// availableRewards lists the tiers whose threshold is at or below points.
func availableRewards(tiers []RewardTier, points int64) []RewardTier {
	var out []RewardTier
	for _, t := range tiers {
		if t.Points <= points {
			out = append(out, t)
		}
	}
	return out
}

func (e *Engine) recordMetrics(ctx context.Context, res ProgramResult) {
	if telemetry.LoyaltyEvaluationsTotal != nil {
		telemetry.LoyaltyEvaluationsTotal.Add(ctx, 1, api.WithAttributes(
			attribute.String("program_type", string(res.Type)),
			attribute.Bool("eligible", res.Eligible),
		))
	}
	if res.BecameRedeemable && !res.AlreadyCounted && telemetry.RewardsUnlockedTotal != nil {
		telemetry.RewardsUnlockedTotal.Add(ctx, 1, api.WithAttributes(attribute.String("program_type", string(res.Type))))
	}
}

// Redeem claims a reward. Count programs consume one target's worth of
// progress; points programs consume the chosen tier, or the cheapest
// available one when rewardID is empty.
func (e *Engine) Redeem(ctx context.Context, customerID, merchantSlug, programID, rewardID string) (Progress, Redemption, error) {
	ctx, span := tracer.Start(ctx, "loyalty.Redeem")
	defer span.End()

	program, err := e.store.GetProgram(ctx, merchantSlug, programID)
	if err != nil {
		return Progress{}, Redemption{}, err
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		progress, err := e.store.GetProgress(ctx, customerID, merchantSlug, programID)
		if errors.Is(err, ErrProgressNotFound) {
			return Progress{}, Redemption{}, ErrNotRedeemable
		}
		if err != nil {
			return Progress{}, Redemption{}, fmt.Errorf("failed to load progress: %w", err)
		}

		redemption := Redemption{ID: uuid.NewString(), At: e.now().UTC()}
		switch program.Type {
		case ProgramPoints:
			tier, ok := pickTier(program.Config.Rewards, progress.CurrentPoints, rewardID)
			if !ok {
				return progress, Redemption{}, ErrNotRedeemable
			}
			progress.CurrentPoints -= tier.Points
			progress.CanRedeem = len(availableRewards(program.Config.Rewards, progress.CurrentPoints)) > 0
			redemption.RewardID = tier.ID
			redemption.Points = tier.Points
		default:
			if !progress.CanRedeem || program.Config.Target <= 0 {
				return progress, Redemption{}, ErrNotRedeemable
			}
			progress.CurrentCount -= program.Config.Target
			progress.CanRedeem = progress.CurrentCount >= program.Config.Target
			redemption.Count = program.Config.Target
		}
		if progress.CurrentCount < 0 || progress.CurrentPoints < 0 {
			return progress, Redemption{}, fmt.Errorf("%w: redemption would leave negative progress", ErrInvariant)
		}

		progress.Redemptions = append(progress.Redemptions, redemption)
		progress.UpdatedAt = redemption.At

		saved, err := e.store.SaveProgress(ctx, progress)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			return Progress{}, Redemption{}, fmt.Errorf("failed to save progress: %w", err)
		}

		if err := e.store.IncrementProgramStats(ctx, merchantSlug, programID, StatsDelta{RewardsRedeemed: 1, Revenue: decimal.Zero}); err != nil {
			e.logger.Warn("failed to update program stats", "error", err, "program_id", programID)
		}
		if telemetry.RewardsRedeemedTotal != nil {
			telemetry.RewardsRedeemedTotal.Add(ctx, 1, api.WithAttributes(attribute.String("program_type", string(program.Type))))
		}
		e.logger.Info("reward redeemed",
			"customer_id", customerID,
			"merchant", merchantSlug,
			"program_id", programID,
			"redemption_id", redemption.ID)
		return saved, redemption, nil
	}
	return Progress{}, Redemption{}, ErrConflict
}

func pickTier(tiers []RewardTier, points int64, rewardID string) (RewardTier, bool) {
	var best RewardTier
	found := false
	for _, t := range availableRewards(tiers, points) {
		if rewardID != "" {
			if t.ID == rewardID {
				return t, true
			}
			continue
		}
		if !found || t.Points < best.Points {
			best, found = t, true
		}
	}
	return best, found
}

// ProgressFor lists the customer's progress across the merchant's programs.
func (e *Engine) ProgressFor(ctx context.Context, customerID, merchantSlug string) ([]Progress, error) {
	progress, err := e.store.ListProgress(ctx, customerID, merchantSlug)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	return progress, nil
}
