package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// HeartbeatChecker evaluates missed heartbeats of running sessions.
type HeartbeatChecker interface {
	CheckHeartbeats(ctx context.Context) (int, error)
}

// HeartbeatWatchdog periodically asks the proctoring monitor to evaluate
// silent sessions, so a client that stopped sending entirely is still caught.
type HeartbeatWatchdog struct {
	checker  HeartbeatChecker
	interval time.Duration
	log      zerolog.Logger
}

// NewHeartbeatWatchdog creates a new HeartbeatWatchdog.
func NewHeartbeatWatchdog(checker HeartbeatChecker, interval time.Duration, log zerolog.Logger) *HeartbeatWatchdog {
	return &HeartbeatWatchdog{
		checker:  checker,
		interval: interval,
		log:      log.With().Str("component", "heartbeat_watchdog").Logger(),
	}
}

// Start runs until ctx is done. Call in a goroutine.
func (w *HeartbeatWatchdog) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			n, err := w.checker.CheckHeartbeats(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("Heartbeat check failed")
				continue
			}
			if n > 0 {
				w.log.Debug().Int("actions", n).Msg("Heartbeat check issued warnings")
			}
		}
	}
}
