package securitymetrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/auditcore/internal/platform/telemetry"
)

// Refresher recomputes the snapshot when new facts have arrived and
// publishes it as Prometheus gauges.
type Refresher struct {
	agg      *Aggregator
	metrics  *telemetry.Metrics
	interval time.Duration
	logger   zerolog.Logger
}

func NewRefresher(agg *Aggregator, metrics *telemetry.Metrics, interval time.Duration, logger zerolog.Logger) *Refresher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Refresher{
		agg:      agg,
		metrics:  metrics,
		interval: interval,
		logger:   logger.With().Str("component", "metrics_refresher").Logger(),
	}
}

// Run refreshes once immediately and then on every tick until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	r.Refresh(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh recomputes the snapshot if anything changed since the last run.
// It reports whether gauges were updated.
func (r *Refresher) Refresh(ctx context.Context) bool {
	if !r.agg.dirty.Swap(false) {
		return false
	}
	started := time.Now()
	snap, err := r.agg.Snapshot(ctx, time.Time{})
	r.metrics.ObserveSnapshotDuration(time.Since(started).Seconds())
	if err != nil {
		r.agg.dirty.Store(true)
		r.metrics.SetSnapshotStale(true)
		r.logger.Error().Err(err).Msg("snapshot refresh failed")
		return false
	}
	if snap.Stale {
		r.agg.dirty.Store(true)
	}
	Publish(r.metrics, snap)
	return true
}

// Publish copies snapshot counters into gauges.
func Publish(m *telemetry.Metrics, s *Snapshot) {
	m.SetSnapshot("accesses_today", float64(s.AccessesToday))
	m.SetSnapshot("modifications_today", float64(s.ModificationsToday))
	m.SetSnapshot("prints_today", float64(s.PrintsToday))
	m.SetSnapshot("total_accesses", float64(s.TotalAccesses))
	m.SetSnapshot("total_modifications", float64(s.TotalModifications))
	m.SetSnapshot("total_prints", float64(s.TotalPrints))
	m.SetSnapshot("failed_accesses", float64(s.FailedAccesses))
	m.SetSnapshot("failed_accesses_today", float64(s.FailedAccessesToday))
	m.SetSnapshot("unique_actors", float64(s.UniqueActors))
	m.SetSnapshot("unique_origins", float64(s.UniqueOrigins))
	m.SetSnapshot("total_print_pages", float64(s.TotalPrintPages))
	m.SetSnapshotStale(s.Stale)
}
