package telegram_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/PocketPalCo/receipt-loyalty-service/config"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/cloud"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/messages"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/queue"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/telegram"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const token = "123:test"

type sentMessage struct {
	ChatID    string
	Text      string
	ParseMode string
}

// fakeBotAPI serves the handful of Bot API methods the bot calls.
type fakeBotAPI struct {
	mu        sync.Mutex
	sent      []sentMessage
	fileCalls []string
	files     map[string][]byte
}

func (f *fakeBotAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/bot"+token+"/getMe", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Receipts","username":"receipts_bot"}}`)
	})
	mux.HandleFunc("/bot"+token+"/getFile", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		fileID := r.FormValue("file_id")
		f.mu.Lock()
		f.fileCalls = append(f.fileCalls, fileID)
		f.mu.Unlock()
		fmt.Fprintf(w, `{"ok":true,"result":{"file_id":%q,"file_path":"photos/%s.jpg"}}`, fileID, fileID)
	})
	mux.HandleFunc("/file/bot"+token+"/photos/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/file/bot"+token+"/photos/"), ".jpg")
		data, ok := f.files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/bot"+token+"/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.sent = append(f.sent, sentMessage{
			ChatID:    r.FormValue("chat_id"),
			Text:      r.FormValue("text"),
			ParseMode: r.FormValue("parse_mode"),
		})
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
	})
	return mux
}

func (f *fakeBotAPI) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type recordingEnqueuer struct {
	payloads  []queue.Payload
	attempted []queue.Payload
	err       error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, p queue.Payload) (queue.WorkItem, error) {
	e.attempted = append(e.attempted, p)
	if e.err != nil {
		return queue.WorkItem{}, e.err
	}
	e.payloads = append(e.payloads, p)
	return queue.WorkItem{ID: fmt.Sprintf("wi-%d", len(e.payloads)), Payload: p, Status: queue.StatusPending}, nil
}

type harness struct {
	api      *fakeBotAPI
	bot      *telegram.BotService
	images   *cloud.Service
	enqueuer *recordingEnqueuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := &fakeBotAPI{files: map[string][]byte{"large": []byte("big photo"), "small": []byte("thumb")}}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	templates, err := messages.NewTemplateManager()
	if err != nil {
		t.Fatalf("failed to load templates: %v", err)
	}

	images := cloud.NewServiceWithProvider(cloud.NewMemoryProvider(), logger)
	enqueuer := &recordingEnqueuer{}
	bot, err := telegram.NewBotService(token, images, enqueuer, templates, logger, false,
		telegram.WithEndpoints(srv.URL+"/bot%s/%s", srv.URL+"/file/bot%s/%s"),
		telegram.WithBotHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("failed to create bot: %v", err)
	}
	return &harness{api: api, bot: bot, images: images, enqueuer: enqueuer}
}

func TestPhotoIsStoredAndEnqueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bot.HandleMessage(ctx, &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 42},
		From: &tgbotapi.User{FirstName: "Ana", LanguageCode: "es-PE"},
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", Width: 90, Height: 160},
			{FileID: "large", Width: 720, Height: 1280},
		},
	})

	if len(h.api.fileCalls) != 1 || h.api.fileCalls[0] != "large" {
		t.Fatalf("expected the largest photo to be fetched, got %v", h.api.fileCalls)
	}
	if len(h.enqueuer.payloads) != 1 {
		t.Fatalf("expected one enqueued receipt, got %d", len(h.enqueuer.payloads))
	}
	p := h.enqueuer.payloads[0]
	if p.CustomerRef != "42" || p.Source != telegram.SourceTelegram || p.ContentType != "image/jpeg" || p.Locale != "es" {
		t.Fatalf("unexpected payload %+v", p)
	}

	data, err := h.images.DownloadFile(ctx, p.ImageRef)
	if err != nil {
		t.Fatalf("stored image not found: %v", err)
	}
	if string(data) != "big photo" {
		t.Fatalf("unexpected stored content %q", data)
	}

	sent := h.api.messages()
	if len(sent) != 1 || sent[0].ChatID != "42" || !strings.Contains(sent[0].Text, "Recibimos tu comprobante") {
		t.Fatalf("expected received reply, got %+v", sent)
	}
	if sent[0].ParseMode != tgbotapi.ModeHTML {
		t.Fatalf("expected HTML parse mode, got %q", sent[0].ParseMode)
	}
}

func TestImageDocumentIsAccepted(t *testing.T) {
	h := newHarness(t)

	h.bot.HandleMessage(context.Background(), &tgbotapi.Message{
		Chat:     &tgbotapi.Chat{ID: 42},
		Document: &tgbotapi.Document{FileID: "large", MimeType: "image/png"},
	})

	if len(h.enqueuer.payloads) != 1 || h.enqueuer.payloads[0].ContentType != "image/png" {
		t.Fatalf("expected png document to be enqueued, got %+v", h.enqueuer.payloads)
	}
}

func TestTextGetsWelcome(t *testing.T) {
	h := newHarness(t)

	h.bot.HandleMessage(context.Background(), &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 42},
		From: &tgbotapi.User{FirstName: "Ana", LanguageCode: "en"},
		Text: "hello",
	})

	if len(h.enqueuer.payloads) != 0 {
		t.Fatalf("text must not be enqueued")
	}
	sent := h.api.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "Hi Ana") {
		t.Fatalf("expected english welcome, got %+v", sent)
	}
}

func TestEnqueueFailureRepliesWithFailure(t *testing.T) {
	h := newHarness(t)
	h.enqueuer.err = errors.New("queue down")

	h.bot.HandleMessage(context.Background(), &tgbotapi.Message{
		Chat:  &tgbotapi.Chat{ID: 42},
		Photo: []tgbotapi.PhotoSize{{FileID: "large", Width: 720, Height: 1280}},
	})

	sent := h.api.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "Ocurrió un problema") {
		t.Fatalf("expected failure reply, got %+v", sent)
	}

	if len(h.enqueuer.attempted) != 1 {
		t.Fatalf("expected one enqueue attempt, got %d", len(h.enqueuer.attempted))
	}
	if _, err := h.images.DownloadFile(context.Background(), h.enqueuer.attempted[0].ImageRef); err == nil {
		t.Fatalf("expected the stored image to be removed after the enqueue failed")
	}
}

func TestMissingFileRepliesWithFailure(t *testing.T) {
	h := newHarness(t)

	h.bot.HandleMessage(context.Background(), &tgbotapi.Message{
		Chat:  &tgbotapi.Chat{ID: 42},
		Photo: []tgbotapi.PhotoSize{{FileID: "gone", Width: 720, Height: 1280}},
	})

	if len(h.enqueuer.payloads) != 0 {
		t.Fatalf("nothing should be enqueued when the download fails")
	}
	sent := h.api.messages()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "Ocurrió un problema") {
		t.Fatalf("expected failure reply, got %+v", sent)
	}
}

func TestParseChatID(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "42", want: 42},
		{in: " -100123 ", want: -100123},
		{in: "+51999888777", want: 51999888777},
		{in: "ana@example.com", wantErr: true},
		{in: "0", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := telegram.ParseChatID(tt.in)
			if tt.wantErr {
				if !errors.Is(err, telegram.ErrInvalidRecipient) {
					t.Fatalf("expected ErrInvalidRecipient, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %d, %v; want %d", got, err, tt.want)
			}
		})
	}
}

func TestDisabledServiceOnlyLogs(t *testing.T) {
	cfg := config.DefaultConfig()
	svc, err := telegram.NewTelegramService(&cfg, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.IsEnabled() {
		t.Fatalf("service without token must be disabled")
	}
	if err := svc.SendMessage(context.Background(), "not-a-chat", "hola"); err != nil {
		t.Fatalf("disabled service should swallow messages, got %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	svc.Stop()
}
