package storage

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsugi/internal/telemetry"
)

// RegisterPoolMetrics exposes pgxpool statistics as observable gauges.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("tsugi/storage")

	_, _ = meter.Int64ObservableGauge("tsugi.db.pool.acquired_conns",
		metric.WithDescription("Connections currently checked out of the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("tsugi.db.pool.idle_conns",
		metric.WithDescription("Idle connections held by the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("tsugi.db.pool.total_conns",
		metric.WithDescription("Total connections held by the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
}
