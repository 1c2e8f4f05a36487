package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/PocketPalCo/receipt-loyalty-service/config"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/telegram"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("server")

// Sweeper runs the delivery queue in the background.
type Sweeper interface {
	RunForever(ctx context.Context)
}

type Server struct {
	cfg             *config.Config
	app             *fiber.App
	sweeper         Sweeper
	telegramService telegram.TelegramService
	providers       *Providers
	loggerProvider  interface{ Shutdown(context.Context) error }
	closers         []func()
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

type Option func(*Server)

func WithTelegram(svc telegram.TelegramService) Option {
	return func(s *Server) {
		s.telegramService = svc
	}
}

func WithSweeper(sw Sweeper) Option {
	return func(s *Server) {
		s.sweeper = sw
	}
}

func WithProviders(p *Providers) Option {
	return func(s *Server) {
		s.providers = p
	}
}

func WithLoggerProvider(lp interface{ Shutdown(context.Context) error }) Option {
	return func(s *Server) {
		s.loggerProvider = lp
	}
}

// WithCloser registers a release hook run last on shutdown, e.g. closing the
// database pool.
func WithCloser(fn func()) Option {
	return func(s *Server) {
		s.closers = append(s.closers, fn)
	}
}

func New(ctx context.Context, cfg *config.Config, deps Deps, opts ...Option) *Server {
	serverCtx, cancel := context.WithCancel(ctx)

	s := &Server{
		cfg:    cfg,
		app:    NewApp(cfg, deps),
		ctx:    serverCtx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Start() {
	if s.telegramService != nil && s.telegramService.IsEnabled() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.telegramService.Start(s.ctx); err != nil {
				slog.Error("Telegram service error", slog.String("error", err.Error()))
			}
		}()
	}

	if s.sweeper != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sweeper.RunForever(s.ctx)
		}()
	}

	slog.Info("Starting HTTP server", slog.String("address", s.cfg.ServerAddress))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.app.Listen(s.cfg.ServerAddress); err != nil {
			slog.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()
}

func (s *Server) Shutdown() {
	slog.Info("Shutting down server")

	s.cancel()

	if s.telegramService != nil {
		s.telegramService.Stop()
	}

	if err := s.app.Shutdown(); err != nil {
		slog.Error("Error shutting down HTTP server", slog.String("error", err.Error()))
	}

	s.wg.Wait()

	s.providers.Shutdown(context.Background())

	if s.loggerProvider != nil {
		if err := s.loggerProvider.Shutdown(context.Background()); err != nil {
			slog.Error("Error shutting down log provider", slog.String("error", err.Error()))
		}
	}

	for _, closeFn := range s.closers {
		closeFn()
	}

	slog.Info("Server shut down successfully")
}
