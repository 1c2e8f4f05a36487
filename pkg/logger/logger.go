package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/PocketPalCo/receipt-loyalty-service/config"
)

// NewLogger builds the local stdout logger from LogFormat and LogLevel.
func NewLogger(cfg *config.Config) *slog.Logger {
	return slog.New(newHandler(os.Stdout, cfg))
}

func newHandler(w io.Writer, cfg *config.Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     cfg.GetSlogLevel(),
		AddSource: cfg.GetSlogLevel() == slog.LevelDebug,
	}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
