package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Environment       string `mapstructure:"RLS_ENVIRONMENT"`
	ServerName        string `mapstructure:"RLS_SERVER_NAME"`
	ServerAddress     string `mapstructure:"RLS_SERVER_BIND_ADDR"`
	ServerReadTimeout int16  `mapstructure:"RLS_SERVER_READ_TIMEOUT"`
	LogFormat         string `mapstructure:"RLS_LOG_FORMAT"` // text or json
	LogLevel          string `mapstructure:"RLS_LOG_LEVEL"`  // debug, info, warn, error
	RateLimitMax      int    `mapstructure:"RLS_RATE_LIMIT_MAX"`
	RateLimitWindow   int    `mapstructure:"RLS_RATE_LIMIT_WINDOW"`

	// StoreDriver selects the system of record: postgres or memory
	StoreDriver string `mapstructure:"RLS_STORE_DRIVER"`

	DbHost           string `mapstructure:"RLS_DB_HOST"`
	DbPort           int16  `mapstructure:"RLS_DB_PORT"`
	DbSSLMode        string `mapstructure:"RLS_DB_SSL"`
	DbUser           string `mapstructure:"RLS_DB_USER"`
	DbPassword       string `mapstructure:"RLS_DB_PASSWORD"`
	DbDatabaseName   string `mapstructure:"RLS_DB_DATABASE"`
	DbMaxConnections int    `mapstructure:"RLS_DB_MAX_CONNECTIONS"`

	// Redis
	RedisHost string `mapstructure:"RLS_REDIS_HOST"`
	RedisPort int16  `mapstructure:"RLS_REDIS_PORT"`
	RedisDb   int    `mapstructure:"RLS_REDIS_DB"`
	RedisUser string `mapstructure:"RLS_REDIS_USER"`
	RedisPass string `mapstructure:"RLS_REDIS_PASS"`

	OtlpEndpoint   string `mapstructure:"RLS_OTLP_ENDPOINT"`
	JaegerEndpoint string `mapstructure:"RLS_JAEGER_ENDPOINT"`

	// Telegram Bot Configuration
	TelegramBotToken string `mapstructure:"RLS_TELEGRAM_BOT_TOKEN"`
	TelegramDebug    bool   `mapstructure:"RLS_TELEGRAM_DEBUG"`

	// Inbound webhook
	WebhookJWTSecret string `mapstructure:"RLS_WEBHOOK_JWT_SECRET"`

	// Cloud Storage Configuration
	CloudProvider                string `mapstructure:"RLS_CLOUD_PROVIDER"`
	AzureStorageConnectionString string `mapstructure:"RLS_AZURE_STORAGE_CONNECTION_STRING"`
	AzureStorageAccountName      string `mapstructure:"RLS_AZURE_STORAGE_ACCOUNT_NAME"`
	AzureStorageAccountKey       string `mapstructure:"RLS_AZURE_STORAGE_ACCOUNT_KEY"`
	AzureStorageContainerName    string `mapstructure:"RLS_AZURE_STORAGE_CONTAINER_NAME"`
	AzureStorageBaseURL          string `mapstructure:"RLS_AZURE_STORAGE_BASE_URL"`
	AzureStorageUseHTTPS         bool   `mapstructure:"RLS_AZURE_STORAGE_USE_HTTPS"`

	// Azure Document Intelligence Configuration
	AzureDocumentIntelligenceEndpoint   string `mapstructure:"RLS_AZURE_DOCUMENT_INTELLIGENCE_ENDPOINT"`
	AzureDocumentIntelligenceAPIKey     string `mapstructure:"RLS_AZURE_DOCUMENT_INTELLIGENCE_API_KEY"`
	AzureDocumentIntelligenceAPIVersion string `mapstructure:"RLS_AZURE_DOCUMENT_INTELLIGENCE_API_VERSION"`
	AzureDocumentIntelligenceModel      string `mapstructure:"RLS_AZURE_DOCUMENT_INTELLIGENCE_MODEL"`
	OCRMaxAttempts                      int    `mapstructure:"RLS_OCR_MAX_ATTEMPTS"`
	OCRRetryDelaySeconds                int    `mapstructure:"RLS_OCR_RETRY_DELAY_SECONDS"`

	// Extraction
	ExtractorOverridesFile string `mapstructure:"RLS_EXTRACTOR_OVERRIDES_FILE"`

	// Merchants and loyalty programs seeded at startup
	CatalogFile string `mapstructure:"RLS_CATALOG_FILE"`

	// Delivery queue
	SweepIntervalSeconds       int `mapstructure:"RLS_SWEEP_INTERVAL_SECONDS"`
	SweepBatchSize             int `mapstructure:"RLS_SWEEP_BATCH_SIZE"`
	WorkItemTimeoutSeconds     int `mapstructure:"RLS_WORK_ITEM_TIMEOUT_SECONDS"`
	WorkItemMaxAttempts        int `mapstructure:"RLS_WORK_ITEM_MAX_ATTEMPTS"`
	RetryBackoffInitialSeconds int `mapstructure:"RLS_RETRY_BACKOFF_INITIAL_SECONDS"`
	RetryBackoffMaxSeconds     int `mapstructure:"RLS_RETRY_BACKOFF_MAX_SECONDS"`
	StaleProcessingSeconds     int `mapstructure:"RLS_STALE_PROCESSING_SECONDS"`

	// Dedup / loyalty / merchants
	DedupWindowHours       int `mapstructure:"RLS_DEDUP_WINDOW_HOURS"`
	LoyaltyMarkerTTLHours  int `mapstructure:"RLS_LOYALTY_MARKER_TTL_HOURS"`
	MerchantCacheTTLSecond int `mapstructure:"RLS_MERCHANT_CACHE_TTL_SECONDS"`
	// ResolverScanLimit bounds the merchant scan when the tax index misses.
	ResolverScanLimit    int `mapstructure:"RLS_RESOLVER_SCAN_LIMIT"`
	ResolverScanPageSize int `mapstructure:"RLS_RESOLVER_SCAN_PAGE_SIZE"`
}

// DefaultConfig generates a config with sane defaults.
func DefaultConfig() Config {
	return Config{
		Environment:       "local",
		ServerName:        "receipt-loyalty-service",
		ServerAddress:     "0.0.0.0:3001",
		ServerReadTimeout: 60,
		LogFormat:         "text",
		LogLevel:          "info",
		RateLimitMax:      100,
		RateLimitWindow:   30,

		StoreDriver: "postgres",

		DbHost:           "localhost",
		DbPort:           5432,
		DbSSLMode:        "disable",
		DbUser:           "postgres",
		DbPassword:       "postgres",
		DbDatabaseName:   "receipt-loyalty",
		DbMaxConnections: 50,

		// Redis
		RedisHost: "localhost",
		RedisPort: 6379,
		RedisDb:   0,
		RedisUser: "",
		RedisPass: "",

		OtlpEndpoint:   "localhost:4317",
		JaegerEndpoint: "http://localhost:14268/api/traces",

		TelegramBotToken: "",
		TelegramDebug:    false,

		WebhookJWTSecret: "",

		// Cloud storage defaults
		CloudProvider:                "azure",
		AzureStorageConnectionString: "",
		AzureStorageAccountName:      "",
		AzureStorageAccountKey:       "",
		AzureStorageContainerName:    "receipts",
		AzureStorageBaseURL:          "",
		AzureStorageUseHTTPS:         true,

		// Azure Document Intelligence defaults
		AzureDocumentIntelligenceEndpoint:   "",
		AzureDocumentIntelligenceAPIKey:     "",
		AzureDocumentIntelligenceAPIVersion: "2024-11-30",
		AzureDocumentIntelligenceModel:      "prebuilt-read",
		OCRMaxAttempts:                      3,
		OCRRetryDelaySeconds:                1,

		ExtractorOverridesFile: "",
		CatalogFile:            "",

		SweepIntervalSeconds:       300,
		SweepBatchSize:             5,
		WorkItemTimeoutSeconds:     180,
		WorkItemMaxAttempts:        5,
		RetryBackoffInitialSeconds: 30,
		RetryBackoffMaxSeconds:     1800,
		StaleProcessingSeconds:     900,

		DedupWindowHours:       24,
		LoyaltyMarkerTTLHours:  24 * 30,
		MerchantCacheTTLSecond: 600,
		ResolverScanLimit:      2000,
		ResolverScanPageSize:   200,
	}
}

// LoadConfig will attempt to load a configuration from the default file location and fallback to environment variables.
func LoadConfig() (Config, error) {
	envFile := os.Getenv("RLS_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}

	var cfg Config
	var err error

	if _, err = os.Stat(envFile); errors.Is(err, os.ErrNotExist) {
		cfg, err = ConfigFromEnvironment()
	} else {
		cfg, err = ConfigFromFile(envFile)
	}

	return cfg, err
}

// ConfigFromEnvironment will look for the specified configuration from environment variables.
func ConfigFromEnvironment() (config Config, err error) {
	config = DefaultConfig()
	viper.SetDefault("RLS_ENVIRONMENT", config.Environment)
	viper.SetDefault("RLS_SERVER_NAME", config.ServerName)
	viper.SetDefault("RLS_SERVER_BIND_ADDR", config.ServerAddress)
	viper.SetDefault("RLS_SERVER_READ_TIMEOUT", config.ServerReadTimeout)
	viper.SetDefault("RLS_LOG_LEVEL", config.LogLevel)
	viper.SetDefault("RLS_LOG_FORMAT", config.LogFormat)
	viper.SetDefault("RLS_RATE_LIMIT_MAX", config.RateLimitMax)
	viper.SetDefault("RLS_RATE_LIMIT_WINDOW", config.RateLimitWindow)
	viper.SetDefault("RLS_STORE_DRIVER", config.StoreDriver)
	viper.SetDefault("RLS_DB_HOST", config.DbHost)
	viper.SetDefault("RLS_DB_PORT", config.DbPort)
	viper.SetDefault("RLS_DB_SSL", config.DbSSLMode)
	viper.SetDefault("RLS_DB_USER", config.DbUser)
	viper.SetDefault("RLS_DB_PASSWORD", config.DbPassword)
	viper.SetDefault("RLS_DB_DATABASE", config.DbDatabaseName)
	viper.SetDefault("RLS_DB_MAX_CONNECTIONS", config.DbMaxConnections)
	viper.SetDefault("RLS_OTLP_ENDPOINT", config.OtlpEndpoint)
	viper.SetDefault("RLS_JAEGER_ENDPOINT", config.JaegerEndpoint)
	viper.SetDefault("RLS_REDIS_HOST", config.RedisHost)
	viper.SetDefault("RLS_REDIS_PORT", config.RedisPort)
	viper.SetDefault("RLS_REDIS_USER", config.RedisUser)
	viper.SetDefault("RLS_REDIS_PASS", config.RedisPass)
	viper.SetDefault("RLS_REDIS_DB", config.RedisDb)
	viper.SetDefault("RLS_TELEGRAM_BOT_TOKEN", config.TelegramBotToken)
	viper.SetDefault("RLS_TELEGRAM_DEBUG", config.TelegramDebug)
	viper.SetDefault("RLS_WEBHOOK_JWT_SECRET", config.WebhookJWTSecret)
	viper.SetDefault("RLS_CLOUD_PROVIDER", config.CloudProvider)
	viper.SetDefault("RLS_AZURE_STORAGE_CONNECTION_STRING", config.AzureStorageConnectionString)
	viper.SetDefault("RLS_AZURE_STORAGE_ACCOUNT_NAME", config.AzureStorageAccountName)
	viper.SetDefault("RLS_AZURE_STORAGE_ACCOUNT_KEY", config.AzureStorageAccountKey)
	viper.SetDefault("RLS_AZURE_STORAGE_CONTAINER_NAME", config.AzureStorageContainerName)
	viper.SetDefault("RLS_AZURE_STORAGE_BASE_URL", config.AzureStorageBaseURL)
	viper.SetDefault("RLS_AZURE_STORAGE_USE_HTTPS", config.AzureStorageUseHTTPS)
	viper.SetDefault("RLS_AZURE_DOCUMENT_INTELLIGENCE_ENDPOINT", config.AzureDocumentIntelligenceEndpoint)
	viper.SetDefault("RLS_AZURE_DOCUMENT_INTELLIGENCE_API_KEY", config.AzureDocumentIntelligenceAPIKey)
	viper.SetDefault("RLS_AZURE_DOCUMENT_INTELLIGENCE_API_VERSION", config.AzureDocumentIntelligenceAPIVersion)
	viper.SetDefault("RLS_AZURE_DOCUMENT_INTELLIGENCE_MODEL", config.AzureDocumentIntelligenceModel)
	viper.SetDefault("RLS_OCR_MAX_ATTEMPTS", config.OCRMaxAttempts)
	viper.SetDefault("RLS_OCR_RETRY_DELAY_SECONDS", config.OCRRetryDelaySeconds)
	viper.SetDefault("RLS_EXTRACTOR_OVERRIDES_FILE", config.ExtractorOverridesFile)
	viper.SetDefault("RLS_CATALOG_FILE", config.CatalogFile)
	viper.SetDefault("RLS_SWEEP_INTERVAL_SECONDS", config.SweepIntervalSeconds)
	viper.SetDefault("RLS_SWEEP_BATCH_SIZE", config.SweepBatchSize)
	viper.SetDefault("RLS_WORK_ITEM_TIMEOUT_SECONDS", config.WorkItemTimeoutSeconds)
	viper.SetDefault("RLS_WORK_ITEM_MAX_ATTEMPTS", config.WorkItemMaxAttempts)
	viper.SetDefault("RLS_RETRY_BACKOFF_INITIAL_SECONDS", config.RetryBackoffInitialSeconds)
	viper.SetDefault("RLS_RETRY_BACKOFF_MAX_SECONDS", config.RetryBackoffMaxSeconds)
	viper.SetDefault("RLS_STALE_PROCESSING_SECONDS", config.StaleProcessingSeconds)
	viper.SetDefault("RLS_DEDUP_WINDOW_HOURS", config.DedupWindowHours)
	viper.SetDefault("RLS_LOYALTY_MARKER_TTL_HOURS", config.LoyaltyMarkerTTLHours)
	viper.SetDefault("RLS_MERCHANT_CACHE_TTL_SECONDS", config.MerchantCacheTTLSecond)
	viper.SetDefault("RLS_RESOLVER_SCAN_LIMIT", config.ResolverScanLimit)
	viper.SetDefault("RLS_RESOLVER_SCAN_PAGE_SIZE", config.ResolverScanPageSize)

	// Override config values with environment variables
	viper.AutomaticEnv()
	err = viper.Unmarshal(&config)
	return
}

// ConfigFromFile will look for the specified configuration file in the current directory and initialize
// a Config from it. Values provided by environment variables will override ones found in the file.
func ConfigFromFile(f string) (config Config, err error) {
	if config, err = ConfigFromEnvironment(); err != nil {
		return
	}

	viper.AddConfigPath(".")
	viper.SetConfigFile(f)
	viper.SetConfigType("env")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)

	return
}

// Fiber initializes and returns a Fiber config based on server config values.
func (c Config) Fiber() fiber.Config {
	return fiber.Config{
		AppName:     c.ServerName,
		ReadTimeout: time.Second * time.Duration(c.ServerReadTimeout),
		BodyLimit:   15 * 1024 * 1024, // inline receipt images
	}
}

// DbConnectionString generates a connection string for the database based on config values.
func (c Config) DbConnectionString() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s", c.DbUser, url.QueryEscape(c.DbPassword), c.DbHost, c.DbPort, c.DbDatabaseName, c.DbSSLMode)
}

// RedisAddr returns host:port for the redis client.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// GetSlogLevel converts the string log level to slog.Level.
func (c Config) GetSlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetCloudConfig converts config values to cloud storage configuration struct.
func (c Config) GetCloudConfig() CloudConfig {
	return CloudConfig{
		Provider: c.CloudProvider,
		Azure: AzureCloudConfig{
			StorageAccountName: c.AzureStorageAccountName,
			StorageAccountKey:  c.AzureStorageAccountKey,
			ConnectionString:   c.AzureStorageConnectionString,
			ContainerName:      c.AzureStorageContainerName,
			BaseURL:            c.AzureStorageBaseURL,
			UseHTTPS:           c.AzureStorageUseHTTPS,
		},
	}
}

// CloudConfig holds cloud storage configuration
type CloudConfig struct {
	Provider string
	Azure    AzureCloudConfig
}

// AzureCloudConfig holds Azure Blob Storage specific configuration
type AzureCloudConfig struct {
	StorageAccountName string
	StorageAccountKey  string
	ConnectionString   string
	ContainerName      string
	BaseURL            string
	UseHTTPS           bool
}

// GetDocumentIntelligenceConfig converts config values to Document Intelligence configuration struct.
func (c Config) GetDocumentIntelligenceConfig() DocumentIntelligenceConfig {
	return DocumentIntelligenceConfig{
		Endpoint:    c.AzureDocumentIntelligenceEndpoint,
		APIKey:      c.AzureDocumentIntelligenceAPIKey,
		APIVersion:  c.AzureDocumentIntelligenceAPIVersion,
		Model:       c.AzureDocumentIntelligenceModel,
		MaxAttempts: c.OCRMaxAttempts,
		RetryDelay:  time.Duration(c.OCRRetryDelaySeconds) * time.Second,
	}
}

// DocumentIntelligenceConfig holds Azure Document Intelligence configuration
type DocumentIntelligenceConfig struct {
	Endpoint    string
	APIKey      string
	APIVersion  string
	Model       string
	MaxAttempts int
	RetryDelay  time.Duration
}

// GetQueueConfig converts config values to the delivery queue settings.
func (c Config) GetQueueConfig() QueueConfig {
	return QueueConfig{
		SweepInterval:   time.Duration(c.SweepIntervalSeconds) * time.Second,
		BatchSize:       c.SweepBatchSize,
		ItemTimeout:     time.Duration(c.WorkItemTimeoutSeconds) * time.Second,
		MaxAttempts:     c.WorkItemMaxAttempts,
		BackoffInitial:  time.Duration(c.RetryBackoffInitialSeconds) * time.Second,
		BackoffMax:      time.Duration(c.RetryBackoffMaxSeconds) * time.Second,
		StaleProcessing: time.Duration(c.StaleProcessingSeconds) * time.Second,
	}
}

// QueueConfig holds delivery queue / retry coordinator settings
type QueueConfig struct {
	SweepInterval   time.Duration
	BatchSize       int
	ItemTimeout     time.Duration
	MaxAttempts     int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	StaleProcessing time.Duration
}

func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowHours) * time.Hour
}

func (c Config) LoyaltyMarkerTTL() time.Duration {
	return time.Duration(c.LoyaltyMarkerTTLHours) * time.Hour
}

func (c Config) MerchantCacheTTL() time.Duration {
	return time.Duration(c.MerchantCacheTTLSecond) * time.Second
}
