package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerRepository persists answers in PostgreSQL.
// It serves as the ledger itself when LEDGER_DRIVER=postgres and as the
// durable sink of the autosave worker otherwise.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// Upsert saves an answer (last write by saved_at wins) and returns the distinct answer count.
func (r *AnswerRepository) Upsert(ctx context.Context, rec model.AnswerRecord) (int, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_answers (session_id, question_id, answer_text, saved_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, question_id) DO UPDATE
		 SET answer_text = EXCLUDED.answer_text, saved_at = EXCLUDED.saved_at
		 WHERE session_answers.saved_at <= EXCLUDED.saved_at`,
		rec.SessionID, rec.QuestionID, rec.AnswerText, rec.SavedAt,
	)
	if err != nil {
		return 0, err
	}
	return r.Count(ctx, rec.SessionID)
}

// Count returns the number of distinct questions answered in a session.
func (r *AnswerRepository) Count(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM session_answers WHERE session_id = $1`, sessionID,
	).Scan(&n)
	return n, err
}

// List returns the stored answers of a session.
func (r *AnswerRepository) List(ctx context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, question_id, answer_text, saved_at
		 FROM session_answers WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []model.AnswerRecord
	for rows.Next() {
		var rec model.AnswerRecord
		if err := rows.Scan(&rec.SessionID, &rec.QuestionID, &rec.AnswerText, &rec.SavedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpsertBatch writes many answers in one statement using UNNEST.
// Rows older than what is already stored are ignored.
func (r *AnswerRepository) UpsertBatch(ctx context.Context, recs []model.AnswerRecord) error {
	n := len(recs)
	if n == 0 {
		return nil
	}

	sessionIDs := make([]uuid.UUID, 0, n)
	questionIDs := make([]uuid.UUID, 0, n)
	texts := make([]string, 0, n)
	savedAts := make([]time.Time, 0, n)
	for _, rec := range dedupeLatest(recs) {
		sessionIDs = append(sessionIDs, rec.SessionID)
		questionIDs = append(questionIDs, rec.QuestionID)
		texts = append(texts, rec.AnswerText)
		savedAts = append(savedAts, rec.SavedAt)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_answers (session_id, question_id, answer_text, saved_at)
		 SELECT * FROM UNNEST($1::uuid[], $2::uuid[], $3::text[], $4::timestamptz[])
		 ON CONFLICT (session_id, question_id) DO UPDATE
		 SET answer_text = EXCLUDED.answer_text, saved_at = EXCLUDED.saved_at
		 WHERE session_answers.saved_at <= EXCLUDED.saved_at`,
		sessionIDs, questionIDs, texts, savedAts,
	)
	return err
}

// dedupeLatest keeps only the newest record per key; ON CONFLICT cannot touch
// the same row twice within one statement.
func dedupeLatest(recs []model.AnswerRecord) []model.AnswerRecord {
	type key struct{ s, q uuid.UUID }
	latest := make(map[key]int, len(recs))
	out := make([]model.AnswerRecord, 0, len(recs))
	for _, rec := range recs {
		k := key{rec.SessionID, rec.QuestionID}
		if i, ok := latest[k]; ok {
			if !rec.SavedAt.Before(out[i].SavedAt) {
				out[i] = rec
			}
			continue
		}
		latest[k] = len(out)
		out = append(out, rec)
	}
	return out
}
