package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/config"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("ocr-service")

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxPolls     = 30
)

// DocumentIntelligenceClient reads receipt text with the Azure Document
// Intelligence layout-free "read" model.
type DocumentIntelligenceClient struct {
	endpoint     string
	apiKey       string
	apiVersion   string
	model        string
	httpClient   *http.Client
	pollInterval time.Duration
	maxPolls     int

	analyzeRequestsTotal   metric.Int64Counter
	analyzeRequestDuration metric.Float64Histogram
	analyzeRequestErrors   metric.Int64Counter
}

type analyzeResponse struct {
	Status        string          `json:"status"`
	AnalyzeResult *analyzeResult  `json:"analyzeResult,omitempty"`
	Error         *analyzeFailure `json:"error,omitempty"`
}

type analyzeFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type analyzeResult struct {
	APIVersion string `json:"apiVersion"`
	ModelID    string `json:"modelId"`
	Content    string `json:"content"`
}

type ClientOption func(*DocumentIntelligenceClient)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(d *DocumentIntelligenceClient) {
		d.httpClient = c
	}
}

// WithPolling sets how often and how many times the operation is polled.
func WithPolling(interval time.Duration, maxPolls int) ClientOption {
	return func(d *DocumentIntelligenceClient) {
		if interval > 0 {
			d.pollInterval = interval
		}
		if maxPolls > 0 {
			d.maxPolls = maxPolls
		}
	}
}

func NewDocumentIntelligenceClient(cfg config.DocumentIntelligenceConfig, opts ...ClientOption) *DocumentIntelligenceClient {
	meter := otel.Meter("azure_document_intelligence")

	analyzeRequestsTotal, _ := meter.Int64Counter(
		"azure_document_intelligence_read_requests_total",
		metric.WithDescription("Total number of text recognition requests"),
		metric.WithUnit("1"),
	)
	analyzeRequestDuration, _ := meter.Float64Histogram(
		"azure_document_intelligence_read_duration_seconds",
		metric.WithDescription("Duration of text recognition requests"),
		metric.WithUnit("s"),
	)
	analyzeRequestErrors, _ := meter.Int64Counter(
		"azure_document_intelligence_read_errors_total",
		metric.WithDescription("Total number of text recognition errors"),
		metric.WithUnit("1"),
	)

	model := cfg.Model
	if model == "" {
		model = "prebuilt-read"
	}

	d := &DocumentIntelligenceClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		model:      model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		pollInterval: defaultPollInterval,
		maxPolls:     defaultMaxPolls,

		analyzeRequestsTotal:   analyzeRequestsTotal,
		analyzeRequestDuration: analyzeRequestDuration,
		analyzeRequestErrors:   analyzeRequestErrors,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RecognizeText returns the plain text found in the image, or "" when the
// model found none.
func (d *DocumentIntelligenceClient) RecognizeText(ctx context.Context, image []byte, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "ocr.RecognizeText")
	defer span.End()

	startTime := time.Now()
	attrs := []attribute.KeyValue{
		attribute.String("model", d.model),
		attribute.String("content_type", contentType),
	}
	d.analyzeRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	text, stage, err := d.recognize(ctx, image, contentType)
	if err != nil {
		span.RecordError(err)
		errorAttrs := append(attrs, attribute.String("error_stage", stage))
		d.analyzeRequestErrors.Add(ctx, 1, metric.WithAttributes(errorAttrs...))
		d.analyzeRequestDuration.Record(ctx, time.Since(startTime).Seconds(), metric.WithAttributes(errorAttrs...))
		return "", err
	}

	d.analyzeRequestDuration.Record(ctx, time.Since(startTime).Seconds(),
		metric.WithAttributes(append(attrs, attribute.String("outcome", "success"))...))
	return text, nil
}

func (d *DocumentIntelligenceClient) recognize(ctx context.Context, image []byte, contentType string) (string, string, error) {
	if len(image) == 0 {
		return "", "start_analysis", backoff.Permanent(fmt.Errorf("empty image"))
	}

	operationLocation, err := d.startAnalysis(ctx, image, contentType)
	if err != nil {
		return "", "start_analysis", fmt.Errorf("failed to start analysis: %w", err)
	}

	result, err := d.pollForResult(ctx, operationLocation)
	if err != nil {
		return "", "poll_results", fmt.Errorf("failed to get analysis results: %w", err)
	}

	if result.AnalyzeResult == nil {
		return "", "", nil
	}
	return strings.TrimSpace(result.AnalyzeResult.Content), "", nil
}

func (d *DocumentIntelligenceClient) startAnalysis(ctx context.Context, image []byte, contentType string) (string, error) {
	url := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=%s",
		d.endpoint, d.model, d.apiVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(image))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Ocp-Apim-Subscription-Key", d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", statusError(resp.StatusCode, bodyBytes)
	}

	operationLocation := resp.Header.Get("Operation-Location")
	if operationLocation == "" {
		return "", fmt.Errorf("operation-location header not found in response")
	}
	return operationLocation, nil
}

func (d *DocumentIntelligenceClient) pollForResult(ctx context.Context, operationLocation string) (*analyzeResponse, error) {
	for attempt := 0; attempt < d.maxPolls; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, operationLocation, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create status request: %w", err)
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", d.apiKey)

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to check status: %w", err)
		}
		bodyBytes, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return nil, statusError(resp.StatusCode, bodyBytes)
		}

		var result analyzeResponse
		if err := json.Unmarshal(bodyBytes, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if result.Error != nil {
			return nil, fmt.Errorf("document intelligence error: %s - %s", result.Error.Code, result.Error.Message)
		}

		switch result.Status {
		case "succeeded":
			return &result, nil
		case "failed":
			return nil, fmt.Errorf("document analysis failed")
		case "running", "notStarted":
		default:
			return nil, fmt.Errorf("unexpected status: %s", result.Status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.pollInterval):
		}
	}

	return nil, fmt.Errorf("polling timeout exceeded")
}

// statusError marks client errors other than throttling as permanent.
func statusError(code int, body []byte) error {
	err := fmt.Errorf("request failed with status %d: %s", code, string(body))
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
		return backoff.Permanent(err)
	}
	return err
}

func (d *DocumentIntelligenceClient) ValidateConfiguration() error {
	if d.endpoint == "" {
		return fmt.Errorf("document intelligence endpoint is required")
	}
	if d.apiKey == "" {
		return fmt.Errorf("document intelligence API key is required")
	}
	if d.apiVersion == "" {
		return fmt.Errorf("document intelligence API version is required")
	}
	return nil
}
