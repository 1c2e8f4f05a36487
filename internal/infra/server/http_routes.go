package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/config"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/ledger"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/loyalty"
	"github.com/PocketPalCo/receipt-loyalty-service/internal/core/queue"
	"github.com/PocketPalCo/receipt-loyalty-service/pkg/telemetry"
	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/favicon"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogfiber "github.com/samber/slog-fiber"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
)

var (
	httpRequestsCounter  api.Int64Counter
	httpRequestHistogram api.Float64Histogram
	httpMetricsOnce      sync.Once
)

// WorkQueue is the delivery queue as seen by the HTTP surface.
type WorkQueue interface {
	Enqueue(ctx context.Context, payload queue.Payload) (queue.WorkItem, error)
	Get(ctx context.Context, id string) (queue.WorkItem, error)
	List(ctx context.Context, status queue.Status, limit int) ([]queue.WorkItem, error)
	Requeue(ctx context.Context, id string) (queue.WorkItem, error)
	RunOnce(ctx context.Context) (queue.SweepReport, error)
}

type LoyaltyService interface {
	ProgressFor(ctx context.Context, customerID, merchantSlug string) ([]loyalty.Progress, error)
	Redeem(ctx context.Context, customerID, merchantSlug, programID, rewardID string) (loyalty.Progress, loyalty.Redemption, error)
}

type SummaryReader interface {
	CustomerSummary(ctx context.Context, customerID, merchantSlug string) (ledger.CustomerSummary, error)
}

type ImageUploader interface {
	StoreReceiptImage(ctx context.Context, customerRef, source string, image []byte, contentType string) (string, error)
	DeleteFile(ctx context.Context, ref string) error
}

type Deps struct {
	Queue   WorkQueue
	Loyalty LoyaltyService
	Ledger  SummaryReader
	Images  ImageUploader
	Logger  *slog.Logger
}

// NewApp builds the fiber app with middlewares and routes registered.
func NewApp(cfg *config.Config, deps Deps) *fiber.App {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	fiberCfg := cfg.Fiber()
	fiberCfg.ErrorHandler = errorHandler(deps.Logger)
	app := fiber.New(fiberCfg)

	initGlobalMiddlewares(app, cfg, deps.Logger)
	registerHttpRoutes(app, cfg, deps)
	return app
}

func initGlobalMiddlewares(app *fiber.App, cfg *config.Config, logger *slog.Logger) {
	app.Use(
		compress.New(compress.Config{
			Level: compress.LevelDefault,
		}),

		slogfiber.NewWithFilters(logger, slogfiber.IgnorePath("/health")),

		cors.New(cors.Config{
			AllowOrigins: "*",
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, OPTIONS",
		}),

		favicon.New(),
		limiter.New(limiter.Config{
			Max:               cfg.RateLimitMax,
			Expiration:        time.Duration(cfg.RateLimitWindow) * time.Second,
			LimiterMiddleware: limiter.SlidingWindow{},
		}),
	)

	app.Use(otelfiber.Middleware())
}

func registerHttpRoutes(app *fiber.App, cfg *config.Config, deps Deps) {
	initHTTPMetrics()

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "timestamp": time.Now().Unix()})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	h := &handlers{deps: deps}

	apiRoutes := app.Group("/v1")
	if cfg.WebhookJWTSecret != "" {
		apiRoutes.Use(requireJWT(cfg.WebhookJWTSecret))
	}

	apiRoutes.Post("/receipts", withMetrics(h.createReceipt))

	apiRoutes.Get("/work-items", withMetrics(h.listWorkItems))
	apiRoutes.Get("/work-items/:id", withMetrics(h.getWorkItem))
	apiRoutes.Post("/work-items/:id/requeue", withMetrics(h.requeueWorkItem))
	apiRoutes.Post("/sweep", withMetrics(h.sweep))

	customers := apiRoutes.Group("/customers/:customer/merchants/:slug")
	customers.Get("/progress", withMetrics(h.progress))
	customers.Get("/summary", withMetrics(h.summary))
	customers.Post("/programs/:program/redeem", withMetrics(h.redeem))
}

func initHTTPMetrics() {
	httpMetricsOnce.Do(func() {
		meter := otel.Meter("http")
		httpRequestsCounter, _ = meter.Int64Counter("http_requests_total",
			api.WithDescription("Total number of HTTP requests."))
		httpRequestHistogram, _ = meter.Float64Histogram("http_request_duration_ms",
			api.WithDescription("Duration of HTTP requests in milliseconds."))
	})
}

// requireJWT accepts HS256 bearer tokens signed with secret.
func requireJWT(secret string) fiber.Handler {
	key := []byte(secret)
	return func(c *fiber.Ctx) error {
		raw, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if !ok || raw == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals("caller", claims.Subject)
		return c.Next()
	}
}

func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "internal error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		}

		if code >= fiber.StatusInternalServerError {
			logger.Error("request failed",
				"component", "http_handler",
				"method", c.Method(),
				"path", c.Path(),
				"error", err.Error())
			if telemetry.ApplicationErrorsTotal != nil {
				telemetry.ApplicationErrorsTotal.Add(c.UserContext(), 1,
					api.WithAttributes(
						attribute.String("component", "http"),
						attribute.String("path", c.Route().Path),
					),
				)
			}
		}

		return c.Status(code).JSON(fiber.Map{"error": message})
	}
}

func withMetrics(handler fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := handler(c)

		durationMs := float64(time.Since(start).Milliseconds())
		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}

		attrs := api.WithAttributes(
			attribute.String("method", c.Method()),
			attribute.String("path", c.Route().Path),
			attribute.Int("status_code", status),
		)

		if httpRequestsCounter != nil {
			httpRequestsCounter.Add(c.UserContext(), 1, attrs)
		}

		if httpRequestHistogram != nil {
			httpRequestHistogram.Record(c.UserContext(), durationMs, attrs)
		}

		return err
	}
}
