package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/dedup"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/extractor"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/loyalty"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/merchants"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/messages"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/queue"
	"github.com/PocketPalCo/receipt-loyalty-service/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pipeline-service")

// ImageStore fetches the receipt image a work item points at.
type ImageStore interface {
	DownloadFile(ctx context.Context, ref string) ([]byte, error)
}

// Recognizer turns an image into plain text. Empty text means nothing was found.
type Recognizer interface {
	RecognizeText(ctx context.Context, image []byte, contentType string) (string, error)
}

// Notifier delivers a message to a customer.
type Notifier interface {
	SendMessage(ctx context.Context, recipient, body string) error
}

type Processor struct {
	images    ImageStore
	ocr       Recognizer
	extractor *extractor.Extractor
	resolver  *merchants.Resolver
	guard     *dedup.Guard
	ledger    *ledger.Ledger
	engine    *loyalty.Engine
	notifier  Notifier
	templates *messages.TemplateManager
	logger    *slog.Logger
	now       func() time.Time
}

type Deps struct {
	Images    ImageStore
	OCR       Recognizer
	Extractor *extractor.Extractor
	Resolver  *merchants.Resolver
	Guard     *dedup.Guard
	Ledger    *ledger.Ledger
	Engine    *loyalty.Engine
	Notifier  Notifier
	Templates *messages.TemplateManager
	Logger    *slog.Logger
}

func NewProcessor(d Deps) *Processor {
	return &Processor{
		images:    d.Images,
		ocr:       d.OCR,
		extractor: d.Extractor,
		resolver:  d.Resolver,
		guard:     d.Guard,
		ledger:    d.Ledger,
		engine:    d.Engine,
		notifier:  d.Notifier,
		templates: d.Templates,
		logger:    d.Logger,
		now:       time.Now,
	}
}

// Process runs extract → resolve → dedup → ledger → loyalty → notify for one
// work item. User-facing rejections are outcomes; returned errors are
// retried by the coordinator unless marked permanent.
func (p *Processor) Process(ctx context.Context, item queue.WorkItem) (queue.Outcome, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Process")
	defer span.End()
	span.SetAttributes(attribute.String("work_item_id", item.ID))

	start := time.Now()
	outcome, err := p.process(ctx, item)
	if err != nil {
		span.RecordError(err)
		return outcome, err
	}

	if telemetry.ReceiptsProcessedTotal != nil {
		telemetry.ReceiptsProcessedTotal.Add(ctx, 1, api.WithAttributes(attribute.String("outcome", string(outcome))))
	}
	if telemetry.ReceiptProcessingTime != nil {
		telemetry.ReceiptProcessingTime.Record(ctx, float64(time.Since(start).Milliseconds()),
			api.WithAttributes(attribute.String("outcome", string(outcome))))
	}
	return outcome, nil
}

func (p *Processor) process(ctx context.Context, item queue.WorkItem) (queue.Outcome, error) {
	customerID := item.Payload.CustomerRef
	locale := p.localeFor(item)
	logger := p.logger.With("work_item_id", item.ID, "customer_id", customerID)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		logger = logger.With("trace_id", sc.TraceID().String())
	}

	image, err := p.images.DownloadFile(ctx, item.Payload.ImageRef)
	if err != nil {
		return "", fmt.Errorf("failed to download receipt image: %w", err)
	}

	text, err := p.ocr.RecognizeText(ctx, image, item.Payload.ContentType)
	if err != nil {
		return "", fmt.Errorf("failed to recognize receipt text: %w", err)
	}

	facts := p.extractor.Extract(text)
	if missing := facts.Missing(); len(missing) > 0 {
		logger.Info("receipt is missing required fields", "missing", missing)
		p.notify(ctx, customerID, locale, messages.Unreadable, messages.NewUnreadable(locale, missing))
		return queue.OutcomeUnreadable, nil
	}

	ref, err := p.resolver.Resolve(ctx, facts.TaxID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve merchant: %w", err)
	}
	if ref == nil {
		logger.Info("receipt merchant is not onboarded", "tax_id", facts.TaxID)
		p.notify(ctx, customerID, locale, messages.UnknownMerchant, messages.UnknownMerchantData{TaxID: facts.TaxID})
		return queue.OutcomeUnknownMerchant, nil
	}

	if p.extractor.HasOverride(ref.MerchantSlug) {
		refined := p.extractor.ExtractFor(ref.MerchantSlug, text)
		if len(refined.Missing()) == 0 && refined.TaxID == facts.TaxID {
			facts = refined
		}
	}

	var purchase ledger.Purchase
	verdict := p.guard.Check(ctx, ref.MerchantSlug, customerID, facts)
	switch {
	case verdict.Duplicate && verdict.Existing != nil && verdict.Existing.WorkItemID == item.ID:
		// an earlier attempt of this item already committed the purchase
		logger.Info("resuming committed purchase", "purchase_id", verdict.Existing.ID)
		purchase = *verdict.Existing
		if purchase.ReceiptImageRef == "" && item.Payload.ImageRef != "" {
			if err := p.ledger.AttachImage(ctx, purchase.ID, item.Payload.ImageRef); err != nil {
				logger.Warn("failed to attach receipt image", "error", err, "purchase_id", purchase.ID)
			}
		}
	case verdict.Duplicate:
		logger.Info("duplicate receipt", "reason", verdict.Reason, "merchant", ref.MerchantSlug)
		p.notify(ctx, customerID, locale, messages.Duplicate, messages.DuplicateData{MerchantName: ref.Name})
		return queue.OutcomeDuplicate, nil
	default:
		purchase = p.newPurchase(item, *ref, facts)
	}

	result, err := p.ledger.Record(ctx, purchase)
	if err != nil {
		return "", fmt.Errorf("failed to record purchase: %w", err)
	}
	if !result.Created && result.Purchase.WorkItemID != item.ID {
		// the guard missed; the ledger already holds this receipt from another item
		logger.Warn("duplicate receipt caught at ledger",
			"event", "dedup_ledger_catch",
			"purchase_id", result.Purchase.ID,
			"owner_work_item_id", result.Purchase.WorkItemID,
			"merchant", ref.MerchantSlug)
		p.notify(ctx, customerID, locale, messages.Duplicate, messages.DuplicateData{MerchantName: ref.Name})
		return queue.OutcomeDuplicate, nil
	}

	programs, err := p.engine.Evaluate(ctx, ref.MerchantSlug, customerID, result.Purchase)
	if errors.Is(err, loyalty.ErrInvariant) {
		return "", queue.Permanent(fmt.Errorf("failed to evaluate loyalty: %w", err))
	}
	if err != nil {
		return "", fmt.Errorf("failed to evaluate loyalty: %w", err)
	}

	p.notify(ctx, customerID, locale, messages.Confirmation, messages.NewConfirmation(ref.Name, result, programs))
	logger.Info("receipt accepted",
		"purchase_id", result.Purchase.ID,
		"merchant", ref.MerchantSlug,
		"programs", len(programs),
		"fanout_errors", len(result.FanoutErrors))
	return queue.OutcomeAccepted, nil
}

func (p *Processor) newPurchase(item queue.WorkItem, ref merchants.Ref, facts extractor.Facts) ledger.Purchase {
	address := facts.AddressRaw
	if address == "" {
		address = ref.Address
	}
	return ledger.Purchase{
		ID:              ledger.NewPurchaseID(facts.TaxID, facts.InvoiceNumber, item.Payload.CustomerRef, ref.MerchantSlug, item.CreatedAt),
		CustomerID:      item.Payload.CustomerRef,
		MerchantSlug:    ref.MerchantSlug,
		EntityID:        ref.EntityID,
		Amount:          facts.Amount.Decimal,
		TaxID:           facts.TaxID,
		InvoiceNumber:   facts.InvoiceNumber,
		Address:         address,
		ReceiptImageRef: item.Payload.ImageRef,
		Verified:        facts.HasInvoice(),
		CreatedAt:       p.now().UTC(),
		MerchantName:    facts.MerchantNameRaw,
		VendorName:      facts.VendorName,
		IssuedDate:      facts.IssuedDate,
		LineItems:       facts.LineItems,
		RawText:         facts.RawText,
		WorkItemID:      item.ID,
	}
}

// NotifyFailure sends the generic failure message for a terminally failed item.
func (p *Processor) NotifyFailure(ctx context.Context, item queue.WorkItem) error {
	body, err := p.templates.Render(messages.Failure, p.localeFor(item), nil)
	if err != nil {
		return err
	}
	return p.notifier.SendMessage(ctx, item.Payload.CustomerRef, body)
}

// notify renders and sends a message. Failures are logged, never returned.
func (p *Processor) notify(ctx context.Context, recipient, locale, template string, data any) {
	if p.notifier == nil {
		return
	}
	body, err := p.templates.Render(template, locale, data)
	if err != nil {
		p.logger.Error("failed to render message", "error", err, "template", template)
		return
	}
	if err := p.notifier.SendMessage(ctx, recipient, body); err != nil {
		p.logger.Warn("failed to send notification", "error", err, "template", template, "recipient", recipient)
	}
}

// localeFor picks the customer's reply language, falling back to the default.
func (p *Processor) localeFor(item queue.WorkItem) string {
	if l := item.Payload.Locale; l != "" && p.templates.IsLocaleSupported(l) {
		return l
	}
	return messages.DefaultLocale
}
