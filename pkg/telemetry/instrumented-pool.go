package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InstrumentedPool records query durations and database errors. Begin and
// Close come from the embedded pool.
type InstrumentedPool struct {
	*pgxpool.Pool
	queryDuration api.Float64Histogram
}

func NewInstrumentedPool(provider *metric.MeterProvider, pool *pgxpool.Pool) (*InstrumentedPool, error) {
	meter := provider.Meter("db_queries")

	queryDuration, err := meter.Float64Histogram(
		"db.query_duration",
		api.WithDescription("Duration of database queries in milliseconds."),
	)
	if err != nil {
		slog.Error("Error creating query_duration histogram", slog.String("error", err.Error()))
		return nil, err
	}

	return &InstrumentedPool{
		Pool:          pool,
		queryDuration: queryDuration,
	}, nil
}

func (ip *InstrumentedPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := ip.Pool.Exec(ctx, sql, args...)
	ip.observe(ctx, "exec", sql, start, err)
	return tag, err
}

func (ip *InstrumentedPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := ip.Pool.Query(ctx, sql, args...)
	ip.observe(ctx, "query", sql, start, err)
	return rows, err
}

func (ip *InstrumentedPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := ip.Pool.QueryRow(ctx, sql, args...)
	ip.observe(ctx, "query_row", sql, start, nil)
	return row
}

func (ip *InstrumentedPool) observe(ctx context.Context, operation, sql string, start time.Time, err error) {
	table := statementTarget(sql)
	ip.queryDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		api.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("table", table),
		),
	)

	if err == nil || DatabaseErrorsTotal == nil {
		return
	}
	errType := "unknown"
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		errType = pgErr.Code
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		errType = "timeout"
	}
	DatabaseErrorsTotal.Add(ctx, 1, api.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("table", table),
		attribute.String("type", errType),
	))
}

// statementTarget returns the first table named after FROM, INTO or UPDATE.
func statementTarget(sql string) string {
	fields := strings.Fields(sql)
	for i := 0; i < len(fields)-1; i++ {
		switch strings.ToUpper(fields[i]) {
		case "FROM", "INTO", "UPDATE":
			return strings.Trim(fields[i+1], "(),;")
		}
	}
	return "unknown"
}
