package telemetry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitTelemetry starts runtime instrumentation, registers business metrics
// and, when a pool is given, exports its connection stats.
func InitTelemetry(provider *metric.MeterProvider, pool *pgxpool.Pool) error {
	if err := runtime.Start(runtime.WithMeterProvider(provider)); err != nil {
		return fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	if err := InitBusinessMetrics(provider); err != nil {
		return fmt.Errorf("failed to init business metrics: %w", err)
	}

	if pool == nil {
		return nil
	}
	return registerPoolStats(provider, pool)
}

func registerPoolStats(provider *metric.MeterProvider, pool *pgxpool.Pool) error {
	meter := provider.Meter("db_pool")

	acquired, err := meter.Int64ObservableGauge("db.pool.acquired_conns",
		api.WithDescription("Connections currently checked out of the pool"))
	if err != nil {
		return err
	}
	idle, err := meter.Int64ObservableGauge("db.pool.idle_conns",
		api.WithDescription("Idle connections in the pool"))
	if err != nil {
		return err
	}
	total, err := meter.Int64ObservableGauge("db.pool.total_conns",
		api.WithDescription("Total connections in the pool"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o api.Observer) error {
		stat := pool.Stat()
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		o.ObserveInt64(total, int64(stat.TotalConns()))
		return nil
	}, acquired, idle, total)
	return err
}
