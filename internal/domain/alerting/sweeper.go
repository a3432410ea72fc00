package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper periodically re-runs the engine over recent facts so alerts are
// raised even when a bus event was dropped.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewSweeper(engine *Engine, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		logger:   logger.With().Str("component", "alert_sweeper").Logger(),
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and logs the outcome.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	started := time.Now()
	n, err := s.engine.Sweep(ctx, s.now())
	ev := s.logger.Debug()
	if err != nil {
		ev = s.logger.Error().Err(err)
	} else if n > 0 {
		ev = s.logger.Info()
	}
	ev.Int("alerts_raised", n).Dur("duration", time.Since(started)).Msg("alert sweep finished")
	return n
}
