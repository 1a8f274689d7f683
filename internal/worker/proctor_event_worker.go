package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// ProctorEventWorker drains the audit queue into proctoring_events with COPY.
type ProctorEventWorker struct {
	pool     *pgxpool.Pool
	consumer *queueConsumer[model.ProctoringEvent]
	log      zerolog.Logger
}

// NewProctorEventWorker creates a new ProctorEventWorker.
func NewProctorEventWorker(pool *pgxpool.Pool, rdb *redis.Client, mm *metrics.Manager, log zerolog.Logger) *ProctorEventWorker {
	w := &ProctorEventWorker{
		pool: pool,
		log:  log.With().Str("component", "proctor_event_worker").Logger(),
	}
	w.consumer = &queueConsumer[model.ProctoringEvent]{
		rdb:     rdb,
		queue:   config.WorkerKey.PersistEventsQueue,
		log:     w.log,
		metrics: mm,
		decode:  decodeEvent,
		bulk:    w.copyEvents,
		single:  w.insertEvent,
	}
	return w
}

func decodeEvent(raw string) (model.ProctoringEvent, error) {
	var p repository.EventPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return model.ProctoringEvent{}, err
	}
	sessionID, err := uuid.Parse(p.SessionID)
	if err != nil {
		return model.ProctoringEvent{}, err
	}
	return model.ProctoringEvent{
		SessionID: sessionID,
		Kind:      model.EventKind(p.Kind),
		Detail:    p.Detail,
		At:        time.UnixMilli(p.Timestamp),
	}, nil
}

// Start begins the worker loop. Call in a goroutine.
func (w *ProctorEventWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")
	w.consumer.run(ctx)
	w.log.Info().Msg("Worker stopped")
}

func (w *ProctorEventWorker) copyEvents(ctx context.Context, batch []model.ProctoringEvent) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, ev := range batch {
		rows = append(rows, []interface{}{ev.SessionID, string(ev.Kind), ev.Detail, ev.At})
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"proctoring_events"},
		[]string{"session_id", "kind", "detail", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *ProctorEventWorker) insertEvent(ctx context.Context, ev model.ProctoringEvent) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO proctoring_events (session_id, kind, detail, recorded_at)
		 VALUES ($1, $2, $3, $4)`,
		ev.SessionID, string(ev.Kind), ev.Detail, ev.At,
	)
	return err
}
