package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/PocketPalCo/receipt-loyalty-service/config"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/messages"
)

var ErrInvalidRecipient = errors.New("recipient is not a telegram chat id")

// TelegramService interface defines the contract for Telegram bot management
type TelegramService interface {
	Start(ctx context.Context) error
	Stop()
	IsEnabled() bool
	SendMessage(ctx context.Context, recipient, body string) error
}

// Service runs the intake bot and delivers customer notifications.
type Service struct {
	botService *BotService
	enabled    bool
	logger     *slog.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewTelegramService creates a new Telegram service instance
func NewTelegramService(cfg *config.Config, images ImageUploader, enqueuer Enqueuer, templates *messages.TemplateManager, logger *slog.Logger, opts ...BotOption) (*Service, error) {
	if cfg.TelegramBotToken == "" {
		logger.Info("Telegram bot disabled - no token provided")
		return &Service{enabled: false, logger: logger}, nil
	}

	botService, err := NewBotService(cfg.TelegramBotToken, images, enqueuer, templates, logger, cfg.TelegramDebug, opts...)
	if err != nil {
		logger.Error("failed to initialize telegram bot", "error", err)
		return nil, err
	}

	logger.Info("Telegram bot initialized",
		"bot_enabled", true,
		"debug_mode", cfg.TelegramDebug,
		"component", "telegram_service")

	return &Service{
		botService: botService,
		enabled:    true,
		logger:     logger,
	}, nil
}

// Start begins the Telegram bot service
func (s *Service) Start(ctx context.Context) error {
	if !s.enabled {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.botService.Start(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Telegram bot error", "error", err)
		}
	}()

	s.logger.Info("Telegram service started",
		"component", "telegram_service",
		"bot_enabled", s.enabled)
	return nil
}

// Stop gracefully shuts down the Telegram service
func (s *Service) Stop() {
	if !s.enabled {
		return
	}

	s.logger.Info("Stopping Telegram service...")

	if s.cancel != nil {
		s.cancel()
	}
	if s.botService != nil {
		s.botService.Stop()
	}

	s.wg.Wait()

	s.logger.Info("Telegram service stopped")
}

// IsEnabled returns whether the Telegram service is enabled
func (s *Service) IsEnabled() bool {
	return s.enabled
}

// SendMessage delivers an HTML message to the chat named by recipient. With
// the bot disabled the message is only logged.
func (s *Service) SendMessage(ctx context.Context, recipient, body string) error {
	_, span := tracer.Start(ctx, "telegram.SendMessage")
	defer span.End()

	if !s.enabled {
		s.logger.Info("notification not delivered, telegram disabled",
			"component", "telegram_service",
			"recipient", recipient)
		return nil
	}

	chatID, err := ParseChatID(recipient)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.botService.sendMessage(chatID, body); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// ParseChatID converts a customer reference into a Telegram chat id.
func ParseChatID(recipient string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}
	return id, nil
}
