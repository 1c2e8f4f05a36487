package ocr

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/pkg/telemetry"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
)

type Recognizer interface {
	RecognizeText(ctx context.Context, image []byte, contentType string) (string, error)
}

// RetryingRecognizer retries a Recognizer with a fixed delay between attempts.
type RetryingRecognizer struct {
	next     Recognizer
	logger   *slog.Logger
	attempts uint
	delay    time.Duration
}

func NewRetryingRecognizer(next Recognizer, logger *slog.Logger, attempts int, delay time.Duration) *RetryingRecognizer {
	if attempts <= 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = time.Second
	}
	return &RetryingRecognizer{next: next, logger: logger, attempts: uint(attempts), delay: delay}
}

func (r *RetryingRecognizer) RecognizeText(ctx context.Context, image []byte, contentType string) (string, error) {
	attempt := 0
	permanent := false
	operation := func() (string, error) {
		attempt++
		text, err := r.next.RecognizeText(ctx, image, contentType)
		r.count(ctx, err)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		return text, err
	}

	text, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(r.delay)),
		backoff.WithMaxTries(r.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("text recognition failed, retrying",
				"error", err,
				"attempt", attempt,
				"retry_in", next)
		}),
	)
	if err != nil {
		r.logger.Error("text recognition failed", "error", err, "attempts", attempt, "permanent", permanent)
		if permanent {
			// Retry strips the permanent marker
			return "", backoff.Permanent(err)
		}
		return "", err
	}
	return text, nil
}

func (r *RetryingRecognizer) count(ctx context.Context, err error) {
	if telemetry.OCRRequestsTotal == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.OCRRequestsTotal.Add(ctx, 1, api.WithAttributes(attribute.String("outcome", outcome)))
}
