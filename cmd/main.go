package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/PocketPalCo/receipt-loyalty-service/config"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/catalog"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/cloud"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/dedup"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/extractor"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/loyalty"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/merchants"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/messages"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ocr"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/pipeline"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/queue"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/telegram"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/infra/memstore"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/infra/postgres"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/infra/redis"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/infra/server"
	"github.com/PocketPalCo/receipt-loyalty-service/pkg/logger"
	"github.com/PocketPalCo/receipt-loyalty-service/pkg/telemetry"
)

// systemStore is the system of record: merchants, purchases, loyalty
// progress and work items.
type systemStore interface {
	merchants.Store
	ledger.Store
	loyalty.Store
	queue.Store
	SaveProgram(ctx context.Context, p loyalty.Program) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	appLogger, loggerProvider, err := logger.NewObservableLogger(&cfg)
	if err != nil {
		appLogger = logger.NewLogger(&cfg)
		appLogger.Warn("OTLP log export unavailable, logging locally", "error", err)
	}
	slog.SetDefault(appLogger)

	providers, err := server.NewProviders(ctx, &cfg)
	if err != nil {
		slog.Error("failed to initialize telemetry providers", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, closeStore, err := openStore(ctx, &cfg, providers, appLogger)
	if err != nil {
		slog.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := seedCatalog(ctx, &cfg, store, appLogger); err != nil {
		slog.Error("failed to seed catalog", slog.String("error", err.Error()))
		os.Exit(1)
	}

	images, err := cloud.NewService(cfg.GetCloudConfig(), appLogger)
	if err != nil {
		slog.Error("failed to initialize cloud storage", slog.String("error", err.Error()))
		os.Exit(1)
	}

	templates, err := messages.NewTemplateManager()
	if err != nil {
		slog.Error("failed to load message templates", slog.String("error", err.Error()))
		os.Exit(1)
	}

	overrides, err := extractor.LoadOverrides(cfg.ExtractorOverridesFile)
	if err != nil {
		slog.Error("failed to load extractor overrides", slog.String("error", err.Error()))
		os.Exit(1)
	}

	resolverOpts := []merchants.ResolverOption{
		merchants.WithScanLimit(cfg.ResolverScanLimit, cfg.ResolverScanPageSize),
	}
	var marker loyalty.Marker
	if rdb, err := redis.Init(ctx, cfg); err != nil {
		appLogger.Warn("redis unavailable, running without merchant cache and loyalty markers", "error", err)
	} else {
		resolverOpts = append(resolverOpts, merchants.WithCache(redis.NewMerchantCache(rdb, cfg.MerchantCacheTTL())))
		marker = redis.NewMarker(rdb, cfg.LoyaltyMarkerTTL())
		defer rdb.Close()
	}
	if mem, ok := store.(*memstore.Store); ok && marker == nil {
		mem.SetMarkerTTL(cfg.LoyaltyMarkerTTL())
		marker = mem
	}

	docCfg := cfg.GetDocumentIntelligenceConfig()
	ocrClient := ocr.NewDocumentIntelligenceClient(docCfg)
	if err := ocrClient.ValidateConfiguration(); err != nil {
		appLogger.Warn("document intelligence is not configured, receipts will fail to process", "error", err)
	}

	receiptLedger := ledger.New(store, appLogger)
	engine := loyalty.NewEngine(store, marker, appLogger)

	// The bot enqueues into the coordinator, which is built after the
	// processor that notifies through the bot.
	var coordinator *queue.Coordinator
	telegramService, err := telegram.NewTelegramService(&cfg, images,
		telegram.EnqueueFunc(func(ctx context.Context, p queue.Payload) (queue.WorkItem, error) {
			return coordinator.Enqueue(ctx, p)
		}),
		templates, appLogger)
	if err != nil {
		slog.Error("failed to initialize telegram service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	processor := pipeline.NewProcessor(pipeline.Deps{
		Images:    images,
		OCR:       ocr.NewRetryingRecognizer(ocrClient, appLogger, docCfg.MaxAttempts, docCfg.RetryDelay),
		Extractor: extractor.New(appLogger, extractor.WithOverrides(overrides)),
		Resolver:  merchants.NewResolver(store, appLogger, resolverOpts...),
		Guard:     dedup.NewGuard(store, appLogger, cfg.DedupWindow()),
		Ledger:    receiptLedger,
		Engine:    engine,
		Notifier:  telegramService,
		Templates: templates,
		Logger:    appLogger,
	})

	qc := cfg.GetQueueConfig()
	coordinator = queue.NewCoordinator(store, processor, appLogger, queue.Config{
		Interval:       qc.SweepInterval,
		BatchSize:      qc.BatchSize,
		ItemTimeout:    qc.ItemTimeout,
		MaxAttempts:    qc.MaxAttempts,
		BackoffInitial: qc.BackoffInitial,
		BackoffMax:     qc.BackoffMax,
		StaleAfter:     qc.StaleProcessing,
	}, queue.WithFailureNotifier(processor), queue.WithDrainer(receiptLedger))

	opts := []server.Option{
		server.WithProviders(providers),
		server.WithTelegram(telegramService),
		server.WithSweeper(coordinator),
		server.WithCloser(closeStore),
	}
	if loggerProvider != nil {
		opts = append(opts, server.WithLoggerProvider(loggerProvider))
	}

	srv := server.New(ctx, &cfg, server.Deps{
		Queue:   coordinator,
		Loyalty: engine,
		Ledger:  receiptLedger,
		Images:  images,
		Logger:  appLogger,
	}, opts...)
	srv.Start()

	<-ctx.Done()
	srv.Shutdown()
}

// openStore returns the configured system of record and its release hook.
func openStore(ctx context.Context, cfg *config.Config, providers *server.Providers, logger *slog.Logger) (systemStore, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		if err := telemetry.InitTelemetry(providers.Metric, nil); err != nil {
			return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		return memstore.New(), func() {}, nil
	case "postgres":
		pool, err := postgres.Init(*cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := telemetry.InitTelemetry(providers.Metric, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		db, err := telemetry.NewInstrumentedPool(providers.Metric, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to create instrumented pool: %w", err)
		}
		if err := postgres.Migrate(ctx, db, logger); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return postgres.NewStore(db), pool.Close, nil
	default:
		return nil, nil, errors.New("unknown store driver " + cfg.StoreDriver)
	}
}

func seedCatalog(ctx context.Context, cfg *config.Config, store systemStore, logger *slog.Logger) error {
	c, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return err
	}
	if len(c.Merchants) == 0 {
		return nil
	}
	return catalog.Apply(ctx, store, c, logger)
}
