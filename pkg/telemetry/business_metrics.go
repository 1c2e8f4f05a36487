package telemetry

import (
	"log/slog"

	api "go.opentelemetry.io/otel/metric"
)

// Business metrics for application-level monitoring
var (
	// Telegram Bot metrics
	TelegramMessagesTotal api.Int64Counter
	TelegramErrorsTotal   api.Int64Counter

	// Receipt pipeline metrics
	ReceiptsProcessedTotal    api.Int64Counter
	ReceiptProcessingTime     api.Float64Histogram
	DedupFailOpenTotal        api.Int64Counter
	FanoutFailuresTotal       api.Int64Counter
	MerchantIndexRepairsTotal api.Int64Counter
	OCRRequestsTotal          api.Int64Counter

	// Loyalty metrics
	LoyaltyEvaluationsTotal api.Int64Counter
	RewardsUnlockedTotal    api.Int64Counter
	RewardsRedeemedTotal    api.Int64Counter

	// Delivery queue metrics
	WorkItemsEnqueuedTotal api.Int64Counter
	WorkItemsSettledTotal  api.Int64Counter
	SweepBatchSize         api.Int64Histogram

	// Error tracking
	ApplicationErrorsTotal api.Int64Counter
	DatabaseErrorsTotal    api.Int64Counter
)

// InitBusinessMetrics initializes all business-level metrics
func InitBusinessMetrics(provider api.MeterProvider) error {
	meter := provider.Meter("business")

	var err error

	// Telegram Bot Metrics
	TelegramMessagesTotal, err = meter.Int64Counter("telegram.messages.total",
		api.WithDescription("Total Telegram messages sent and received by type"))
	if err != nil {
		return err
	}

	TelegramErrorsTotal, err = meter.Int64Counter("telegram.errors.total",
		api.WithDescription("Total Telegram bot errors by type"))
	if err != nil {
		return err
	}

	// Receipt Pipeline Metrics
	ReceiptsProcessedTotal, err = meter.Int64Counter("receipts.processed.total",
		api.WithDescription("Total receipts processed by outcome (accepted, duplicate, unreadable, unknown_merchant)"))
	if err != nil {
		return err
	}

	ReceiptProcessingTime, err = meter.Float64Histogram("receipts.processing_duration_ms",
		api.WithDescription("Duration of the receipt processing chain in milliseconds"))
	if err != nil {
		return err
	}

	DedupFailOpenTotal, err = meter.Int64Counter("receipts.dedup.fail_open.total",
		api.WithDescription("Dedup checks that failed and let the purchase through"))
	if err != nil {
		return err
	}

	FanoutFailuresTotal, err = meter.Int64Counter("ledger.fanout.failures.total",
		api.WithDescription("Failed denormalised writes by job kind"))
	if err != nil {
		return err
	}

	MerchantIndexRepairsTotal, err = meter.Int64Counter("merchants.tax_index.repairs.total",
		api.WithDescription("Tax id index entries repaired by source"))
	if err != nil {
		return err
	}

	OCRRequestsTotal, err = meter.Int64Counter("ocr.requests.total",
		api.WithDescription("OCR attempts by status"))
	if err != nil {
		return err
	}

	// Loyalty Metrics
	LoyaltyEvaluationsTotal, err = meter.Int64Counter("loyalty.evaluations.total",
		api.WithDescription("Program evaluations by program type and eligibility"))
	if err != nil {
		return err
	}

	RewardsUnlockedTotal, err = meter.Int64Counter("loyalty.rewards.unlocked.total",
		api.WithDescription("Programs that became redeemable by program type"))
	if err != nil {
		return err
	}

	RewardsRedeemedTotal, err = meter.Int64Counter("loyalty.rewards.redeemed.total",
		api.WithDescription("Rewards redeemed by program type"))
	if err != nil {
		return err
	}

	// Delivery Queue Metrics
	WorkItemsEnqueuedTotal, err = meter.Int64Counter("queue.work_items.enqueued.total",
		api.WithDescription("Work items created by source (http, telegram)"))
	if err != nil {
		return err
	}

	WorkItemsSettledTotal, err = meter.Int64Counter("queue.work_items.settled.total",
		api.WithDescription("Work item transitions out of processing by status"))
	if err != nil {
		return err
	}

	SweepBatchSize, err = meter.Int64Histogram("queue.sweep.batch_size",
		api.WithDescription("Number of work items claimed per sweep"))
	if err != nil {
		return err
	}

	// Error Metrics
	ApplicationErrorsTotal, err = meter.Int64Counter("application.errors.total",
		api.WithDescription("Total application errors by component and type"))
	if err != nil {
		return err
	}

	DatabaseErrorsTotal, err = meter.Int64Counter("database.errors.total",
		api.WithDescription("Total database errors by operation and type"))
	if err != nil {
		return err
	}

	slog.Info("Business metrics initialized successfully")
	return nil
}
