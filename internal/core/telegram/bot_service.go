package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/cloud"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/language"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/messages"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/queue"
	"github.com/PocketPalCo/receipt-loyalty-service/pkg/telemetry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("telegram-service")

// ImageUploader stores a receipt photo and returns its image reference.
type ImageUploader interface {
	StoreReceiptImage(ctx context.Context, customerRef, source string, image []byte, contentType string) (string, error)
	DeleteFile(ctx context.Context, ref string) error
}

// Enqueuer hands a stored receipt to the delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload queue.Payload) (queue.WorkItem, error)
}

// EnqueueFunc adapts a function to Enqueuer.
type EnqueueFunc func(ctx context.Context, payload queue.Payload) (queue.WorkItem, error)

func (f EnqueueFunc) Enqueue(ctx context.Context, payload queue.Payload) (queue.WorkItem, error) {
	return f(ctx, payload)
}

const SourceTelegram = "telegram"

type BotService struct {
	bot          *tgbotapi.BotAPI
	images       ImageUploader
	queue        Enqueuer
	templates    *messages.TemplateManager
	logger       *slog.Logger
	httpClient   *http.Client
	fileEndpoint string
	stopOnce     sync.Once
}

type botOptions struct {
	apiEndpoint  string
	fileEndpoint string
	httpClient   *http.Client
}

type BotOption func(*botOptions)

// WithEndpoints points the bot at a different Bot API server. Both values are
// format strings taking the token and then the method or file path.
func WithEndpoints(apiEndpoint, fileEndpoint string) BotOption {
	return func(o *botOptions) {
		o.apiEndpoint = apiEndpoint
		o.fileEndpoint = fileEndpoint
	}
}

func WithBotHTTPClient(client *http.Client) BotOption {
	return func(o *botOptions) {
		o.httpClient = client
	}
}

func NewBotService(token string, images ImageUploader, enqueuer Enqueuer, templates *messages.TemplateManager, logger *slog.Logger, debug bool, opts ...BotOption) (*BotService, error) {
	o := botOptions{
		apiEndpoint:  tgbotapi.APIEndpoint,
		fileEndpoint: tgbotapi.FileEndpoint,
		httpClient:   &http.Client{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, o.apiEndpoint, o.httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	bot.Debug = debug

	return &BotService{
		bot:          bot,
		images:       images,
		queue:        enqueuer,
		templates:    templates,
		logger:       logger,
		httpClient:   o.httpClient,
		fileEndpoint: o.fileEndpoint,
	}, nil
}

func (s *BotService) Start(ctx context.Context) error {
	s.logger.Info("Starting Telegram bot", "bot_username", s.bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := s.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Bot context cancelled, stopping")
			s.Stop()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				go s.HandleMessage(ctx, update.Message)
			}
		}
	}
}

// HandleMessage answers one incoming message. Photos and image documents are
// taken in as receipts; anything else gets the welcome text.
func (s *BotService) HandleMessage(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	locale := s.localeFor(message.From)

	s.logger.Info("Received message",
		"component", "telegram_bot",
		"chat_id", chatID,
		"has_photo", len(message.Photo) > 0,
		"has_document", message.Document != nil)

	messageType := "text"
	switch {
	case len(message.Photo) > 0:
		messageType = "photo"
	case message.Document != nil:
		messageType = "document"
	}
	countMessage(ctx, messageType, "received")

	if photo := largestPhoto(message.Photo); photo != nil {
		s.handleReceipt(ctx, chatID, locale, photo.FileID, "image/jpeg")
		return
	}

	if doc := message.Document; doc != nil && isReceiptDocument(doc.MimeType) {
		s.handleReceipt(ctx, chatID, locale, doc.FileID, doc.MimeType)
		return
	}

	name := ""
	if message.From != nil {
		name = message.From.FirstName
	}
	s.reply(chatID, messages.Welcome, locale, messages.WelcomeData{Name: name})
}

func (s *BotService) handleReceipt(ctx context.Context, chatID int64, locale, fileID, contentType string) {
	ctx, span := tracer.Start(ctx, "telegram.HandleReceipt")
	defer span.End()
	span.SetAttributes(attribute.Int64("chat_id", chatID))

	customerRef := strconv.FormatInt(chatID, 10)

	image, err := s.downloadFile(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("failed to download receipt photo", "error", err, "chat_id", chatID)
		countError(ctx, "download")
		s.reply(chatID, messages.Failure, locale, nil)
		return
	}

	ref, err := s.images.StoreReceiptImage(ctx, customerRef, SourceTelegram, image, contentType)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("failed to store receipt photo", "error", err, "chat_id", chatID)
		countError(ctx, "upload")
		s.reply(chatID, messages.Failure, locale, nil)
		return
	}

	item, err := s.queue.Enqueue(ctx, queue.Payload{
		ImageRef:    ref,
		CustomerRef: customerRef,
		ContentType: contentType,
		Source:      SourceTelegram,
		Locale:      locale,
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Error("failed to enqueue receipt", "error", err, "chat_id", chatID, "image_ref", ref)
		countError(ctx, "enqueue")
		if delErr := s.images.DeleteFile(ctx, ref); delErr != nil {
			s.logger.Warn("failed to remove orphaned receipt image", "error", delErr, "image_ref", ref)
		}
		s.reply(chatID, messages.Failure, locale, nil)
		return
	}

	s.logger.Info("Receipt enqueued from telegram",
		"component", "telegram_bot",
		"chat_id", chatID,
		"work_item_id", item.ID,
		"image_ref", ref)
	s.reply(chatID, messages.Received, locale, nil)
}

func (s *BotService) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := s.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if file.FileSize > cloud.MaxImageSize {
		return nil, cloud.ErrFileTooLarge
	}

	fileURL := fmt.Sprintf(s.fileEndpoint, s.bot.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download file: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, cloud.MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > cloud.MaxImageSize {
		return nil, cloud.ErrFileTooLarge
	}
	return data, nil
}

func (s *BotService) reply(chatID int64, template, locale string, data any) {
	body, err := s.templates.Render(template, locale, data)
	if err != nil {
		s.logger.Error("failed to render message", "error", err, "template", template)
		return
	}
	if err := s.sendMessage(chatID, body); err != nil {
		s.logger.Error("Failed to send message", "error", err, "chat_id", chatID)
	}
}

func (s *BotService) sendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := s.bot.Send(msg); err != nil {
		countError(context.Background(), "send")
		return err
	}
	countMessage(context.Background(), "text", "sent")
	return nil
}

func countMessage(ctx context.Context, messageType, direction string) {
	if telemetry.TelegramMessagesTotal != nil {
		telemetry.TelegramMessagesTotal.Add(ctx, 1,
			api.WithAttributes(
				attribute.String("type", messageType),
				attribute.String("direction", direction),
			),
		)
	}
}

func countError(ctx context.Context, stage string) {
	if telemetry.TelegramErrorsTotal != nil {
		telemetry.TelegramErrorsTotal.Add(ctx, 1, api.WithAttributes(attribute.String("stage", stage)))
	}
}

func (s *BotService) localeFor(user *tgbotapi.User) string {
	if user == nil {
		return messages.DefaultLocale
	}
	if lang := language.NormalizeLanguageCode(user.LanguageCode); lang != "" && s.templates.IsLocaleSupported(lang) {
		return lang
	}
	return messages.DefaultLocale
}

func (s *BotService) Stop() {
	s.stopOnce.Do(s.bot.StopReceivingUpdates)
}

// largestPhoto picks the highest resolution size Telegram offers.
func largestPhoto(sizes []tgbotapi.PhotoSize) *tgbotapi.PhotoSize {
	var best *tgbotapi.PhotoSize
	for i := range sizes {
		p := &sizes[i]
		if best == nil || p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return best
}

func isReceiptDocument(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") || mimeType == "application/pdf"
}
