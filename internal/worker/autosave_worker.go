package worker

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// AnswerWriter persists answers durably.
type AnswerWriter interface {
	UpsertBatch(ctx context.Context, recs []model.AnswerRecord) error
	Upsert(ctx context.Context, rec model.AnswerRecord) (int, error)
}

// AutosaveWorker consumes persist_answers_queue and upserts answers to PostgreSQL.
// Older saves never overwrite newer ones, so requeued items are safe to replay.
type AutosaveWorker struct {
	consumer *queueConsumer[model.AnswerRecord]
	log      zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(answers AnswerWriter, rdb *redis.Client, mm *metrics.Manager, log zerolog.Logger) *AutosaveWorker {
	l := log.With().Str("component", "autosave_worker").Logger()
	return &AutosaveWorker{
		log: l,
		consumer: &queueConsumer[model.AnswerRecord]{
			rdb:     rdb,
			queue:   config.WorkerKey.PersistAnswersQueue,
			log:     l,
			metrics: mm,
			decode: func(raw string) (model.AnswerRecord, error) {
				var p repository.AnswerPayload
				if err := json.Unmarshal([]byte(raw), &p); err != nil {
					return model.AnswerRecord{}, err
				}
				return p.ToRecord()
			},
			bulk: answers.UpsertBatch,
			single: func(ctx context.Context, rec model.AnswerRecord) error {
				_, err := answers.Upsert(ctx, rec)
				return err
			},
		},
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")
	w.consumer.run(ctx)
	w.log.Info().Msg("Worker stopped")
}
