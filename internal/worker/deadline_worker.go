package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const deadlineBatch = 500

// OverdueLister finds running sessions past their deadline.
type OverdueLister interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Expirer times a session out.
type Expirer interface {
	Expire(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error)
}

// DeadlineWorker times out overdue sessions that receive no further traffic,
// so their subscribers still get the final notice. Every entry point also
// checks the deadline itself; this only covers idle sessions.
type DeadlineWorker struct {
	lister   OverdueLister
	expirer  Expirer
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewDeadlineWorker creates a new DeadlineWorker.
func NewDeadlineWorker(lister OverdueLister, expirer Expirer, interval time.Duration, log zerolog.Logger) *DeadlineWorker {
	return &DeadlineWorker{
		lister:   lister,
		expirer:  expirer,
		interval: interval,
		now:      time.Now,
		log:      log.With().Str("component", "deadline_worker").Logger(),
	}
}

// Start sweeps every interval until ctx is done. Call in a goroutine.
func (w *DeadlineWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			if n, err := w.Sweep(ctx); err != nil {
				w.log.Error().Err(err).Msg("Deadline sweep failed")
			} else if n > 0 {
				w.log.Info().Int("expired", n).Msg("Expired overdue sessions")
			}
		}
	}
}

// Sweep expires one batch of overdue sessions and returns how many it expired.
func (w *DeadlineWorker) Sweep(ctx context.Context) (int, error) {
	ids, err := w.lister.ListOverdue(ctx, w.now(), deadlineBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		_, err := w.expirer.Expire(ctx, id)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, service.ErrSessionClosed), errors.Is(err, service.ErrDeadlineNotReached):
			// Another transition won, or the clocks disagree by a hair.
		default:
			w.log.Error().Err(err).Str("session_id", id.String()).Msg("Expire failed")
		}
	}
	return expired, nil
}
