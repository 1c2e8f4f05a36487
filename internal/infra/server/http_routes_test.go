package server_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/config"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/cloud"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/loyalty"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/queue"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/infra/memstore"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/infra/server"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

type processorFunc func(ctx context.Context, item queue.WorkItem) (queue.Outcome, error)

func (f processorFunc) Process(ctx context.Context, item queue.WorkItem) (queue.Outcome, error) {
	return f(ctx, item)
}

// recordingImages remembers every reference it handed out.
type recordingImages struct {
	*cloud.Service
	refs []string
}

func (r *recordingImages) StoreReceiptImage(ctx context.Context, customerRef, source string, image []byte, contentType string) (string, error) {
	ref, err := r.Service.StoreReceiptImage(ctx, customerRef, source, image, contentType)
	if err == nil {
		r.refs = append(r.refs, ref)
	}
	return ref, err
}

type harness struct {
	app    *fiber.App
	store  *memstore.Store
	images *recordingImages
}

func newHarness(t *testing.T, mutate func(*config.Config), p queue.Processor) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.DefaultConfig()
	cfg.RateLimitMax = 1000
	if mutate != nil {
		mutate(&cfg)
	}
	if p == nil {
		p = processorFunc(func(context.Context, queue.WorkItem) (queue.Outcome, error) {
			return queue.OutcomeAccepted, nil
		})
	}

	store := memstore.New()
	images := &recordingImages{Service: cloud.NewServiceWithProvider(cloud.NewMemoryProvider(), logger)}
	app := server.NewApp(&cfg, server.Deps{
		Queue:   queue.NewCoordinator(store, p, logger, queue.Config{}),
		Loyalty: loyalty.NewEngine(store, store, logger),
		Ledger:  ledger.New(store, logger),
		Images:  images,
		Logger:  logger,
	})
	return &harness{app: app, store: store, images: images}
}

func (h *harness) do(t *testing.T, method, path string, body any, header http.Header) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := h.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("failed to decode response of %s %s: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil, nil)
	code, body := h.do(t, http.MethodGet, "/health", nil, nil)
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", code, body)
	}
}

func TestCreateReceiptWithImageRef(t *testing.T) {
	h := newHarness(t, nil, nil)

	code, body := h.do(t, http.MethodPost, "/v1/receipts", map[string]string{
		"customerRef": "+51999888777",
		"imageRef":    "receipts/2024/03/01/a.jpg",
	}, nil)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", code, body)
	}
	if body["status"] != string(queue.StatusPending) {
		t.Fatalf("expected pending status, got %v", body["status"])
	}

	id, _ := body["id"].(string)
	code, item := h.do(t, http.MethodGet, "/v1/work-items/"+id, nil, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	payload, _ := item["payload"].(map[string]any)
	if payload["image_ref"] != "receipts/2024/03/01/a.jpg" || payload["source"] != "http" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestCreateReceiptCarriesLocale(t *testing.T) {
	h := newHarness(t, nil, nil)

	code, body := h.do(t, http.MethodPost, "/v1/receipts", map[string]string{
		"customerRef": "42",
		"imageRef":    "receipts/a.jpg",
		"locale":      "en-US",
	}, nil)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", code, body)
	}

	item, err := h.store.GetWorkItem(context.Background(), body["id"].(string))
	if err != nil {
		t.Fatalf("work item not stored: %v", err)
	}
	if item.Payload.Locale != "en" {
		t.Fatalf("expected en locale, got %q", item.Payload.Locale)
	}
}

func TestCreateReceiptInlineImage(t *testing.T) {
	h := newHarness(t, nil, nil)

	code, body := h.do(t, http.MethodPost, "/v1/receipts", map[string]string{
		"customerRef": "42",
		"image":       base64.StdEncoding.EncodeToString([]byte("\xff\xd8\xff\xe0 fake jpeg")),
		"contentType": "image/jpeg",
	}, nil)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", code, body)
	}

	item, err := h.store.GetWorkItem(context.Background(), body["id"].(string))
	if err != nil {
		t.Fatalf("work item not stored: %v", err)
	}
	if !strings.HasPrefix(item.Payload.ImageRef, "receipts/") || !strings.HasSuffix(item.Payload.ImageRef, ".jpg") {
		t.Fatalf("unexpected image ref %q", item.Payload.ImageRef)
	}
	if item.Payload.ContentType != "image/jpeg" {
		t.Fatalf("content type not carried: %q", item.Payload.ContentType)
	}
}

func TestCreateReceiptValidation(t *testing.T) {
	h := newHarness(t, nil, nil)

	tests := []struct {
		name string
		body map[string]string
	}{
		{"missing customer", map[string]string{"imageRef": "receipts/a.jpg"}},
		{"no image", map[string]string{"customerRef": "42"}},
		{"both images", map[string]string{"customerRef": "42", "imageRef": "receipts/a.jpg", "image": "aGk="}},
		{"bad base64", map[string]string{"customerRef": "42", "image": "%%%"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := h.do(t, http.MethodPost, "/v1/receipts", tt.body, nil)
			if code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d %v", code, body)
			}
			if body["error"] == "" {
				t.Fatalf("expected error message")
			}
		})
	}
}

func TestSweepListAndRequeue(t *testing.T) {
	h := newHarness(t, nil, processorFunc(func(context.Context, queue.WorkItem) (queue.Outcome, error) {
		return "", queue.Permanent(errors.New("image is corrupt"))
	}))

	_, created := h.do(t, http.MethodPost, "/v1/receipts", map[string]string{
		"customerRef": "42",
		"imageRef":    "receipts/a.jpg",
	}, nil)
	id := created["id"].(string)

	code, report := h.do(t, http.MethodPost, "/v1/sweep", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("sweep returned %d", code)
	}
	if report["claimed"] != float64(1) || report["failed"] != float64(1) {
		t.Fatalf("unexpected sweep report %v", report)
	}

	code, list := h.do(t, http.MethodGet, "/v1/work-items?status=failed", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("list returned %d", code)
	}
	items, _ := list["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one failed item, got %v", list)
	}

	code, requeued := h.do(t, http.MethodPost, "/v1/work-items/"+id+"/requeue", nil, nil)
	if code != http.StatusOK || requeued["status"] != string(queue.StatusPending) {
		t.Fatalf("requeue: %d %v", code, requeued)
	}

	if code, _ := h.do(t, http.MethodPost, "/v1/work-items/"+id+"/requeue", nil, nil); code != http.StatusConflict {
		t.Fatalf("requeue of pending item should conflict, got %d", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/v1/work-items/missing/requeue", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if code, _ := h.do(t, http.MethodGet, "/v1/work-items?status=bogus", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", code)
	}
}

func TestWorkItemNotFound(t *testing.T) {
	h := newHarness(t, nil, nil)
	if code, _ := h.do(t, http.MethodGet, "/v1/work-items/nope", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestProgressAndRedeem(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	err := h.store.SaveProgram(ctx, loyalty.Program{
		ID:           "coffee",
		MerchantSlug: "bakery",
		Name:         "Coffee card",
		Type:         loyalty.ProgramVisits,
		Config:       loyalty.ProgramConfig{Target: 2, RewardName: "Free coffee"},
		Status:       loyalty.StatusActive,
	})
	if err != nil {
		t.Fatalf("save program: %v", err)
	}
	_, err = h.store.SaveProgress(ctx, loyalty.Progress{
		CustomerID:   "42",
		MerchantSlug: "bakery",
		ProgramID:    "coffee",
		Type:         loyalty.ProgramVisits,
		CurrentCount: 2,
		Target:       2,
		CanRedeem:    true,
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("save progress: %v", err)
	}

	code, body := h.do(t, http.MethodGet, "/v1/customers/42/merchants/bakery/progress", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("progress returned %d", code)
	}
	if progress, _ := body["progress"].([]any); len(progress) != 1 {
		t.Fatalf("expected one progress entry, got %v", body)
	}

	path := "/v1/customers/42/merchants/bakery/programs/coffee/redeem"
	code, body = h.do(t, http.MethodPost, path, nil, nil)
	if code != http.StatusOK {
		t.Fatalf("redeem returned %d %v", code, body)
	}
	progress, _ := body["progress"].(map[string]any)
	if progress["current_count"] != float64(0) || progress["can_redeem"] != false {
		t.Fatalf("unexpected progress after redeem %v", progress)
	}

	if code, _ := h.do(t, http.MethodPost, path, nil, nil); code != http.StatusConflict {
		t.Fatalf("second redeem should conflict, got %d", code)
	}
	if code, _ := h.do(t, http.MethodPost, "/v1/customers/42/merchants/bakery/programs/nope/redeem", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown program should be 404, got %d", code)
	}
}

func TestSummaryNotFound(t *testing.T) {
	h := newHarness(t, nil, nil)
	if code, _ := h.do(t, http.MethodGet, "/v1/customers/42/merchants/bakery/summary", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestWebhookRequiresJWT(t *testing.T) {
	const secret = "s3cret"
	h := newHarness(t, func(cfg *config.Config) { cfg.WebhookJWTSecret = secret }, nil)
	body := map[string]string{"customerRef": "42", "imageRef": "receipts/a.jpg"}

	if code, _ := h.do(t, http.MethodPost, "/v1/receipts", body, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}

	sign := func(key string, method jwt.SigningMethod) string {
		tok, err := jwt.NewWithClaims(method, jwt.RegisteredClaims{
			Subject:   "whatsapp-gateway",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString([]byte(key))
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}
		return tok
	}

	bad := http.Header{"Authorization": {"Bearer " + sign("other", jwt.SigningMethodHS256)}}
	if code, _ := h.do(t, http.MethodPost, "/v1/receipts", body, bad); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", code)
	}

	wrongAlg := http.Header{"Authorization": {"Bearer " + sign(secret, jwt.SigningMethodHS512)}}
	if code, _ := h.do(t, http.MethodPost, "/v1/receipts", body, wrongAlg); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for HS512 token, got %d", code)
	}

	good := http.Header{"Authorization": {"Bearer " + sign(secret, jwt.SigningMethodHS256)}}
	if code, resp := h.do(t, http.MethodPost, "/v1/receipts", body, good); code != http.StatusAccepted {
		t.Fatalf("expected 202 with valid token, got %d %v", code, resp)
	}

	if code, _ := h.do(t, http.MethodGet, "/health", nil, nil); code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", code)
	}
}

func TestInlineImageRemovedWhenEnqueueFails(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.store.FailOn("CreateWorkItem", errors.New("queue table locked"))

	code, body := h.do(t, http.MethodPost, "/v1/receipts", map[string]string{
		"customerRef": "42",
		"image":       base64.StdEncoding.EncodeToString([]byte("\xff\xd8\xff\xe0 fake jpeg")),
	}, nil)
	if code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d %v", code, body)
	}
	if len(h.images.refs) != 1 {
		t.Fatalf("expected one stored image, got %v", h.images.refs)
	}
	if _, err := h.images.DownloadFile(context.Background(), h.images.refs[0]); err == nil {
		t.Fatalf("expected the orphaned image to be removed")
	}
}
