package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// answersTTL keeps a session's answer hash around well past any exam window.
const answersTTL = 72 * time.Hour

// upsertAnswerScript stores "<saved_at_micros>|<text>" unless the stored value is newer.
// Returns {applied, distinct_count}.
var upsertAnswerScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local sep = string.find(cur, '|', 1, true)
  if sep and tonumber(string.sub(cur, 1, sep - 1)) > tonumber(ARGV[2]) then
    return {0, redis.call('HLEN', KEYS[1])}
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2] .. '|' .. ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return {1, redis.call('HLEN', KEYS[1])}
`)

// AnswerArchive is the durable copy of a session's answers.
type AnswerArchive interface {
	List(ctx context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error)
}

// RedisAnswerLedger keeps live answers in a Redis hash per session and queues
// every accepted write for the autosave worker. When the hash is missing and
// an archive is set, it is rebuilt from the archive before counting.
type RedisAnswerLedger struct {
	rdb     *redis.Client
	archive AnswerArchive
}

// NewRedisAnswerLedger creates a new RedisAnswerLedger. archive may be nil.
func NewRedisAnswerLedger(rdb *redis.Client, archive AnswerArchive) *RedisAnswerLedger {
	return &RedisAnswerLedger{rdb: rdb, archive: archive}
}

// AnswerPayload is the queue representation consumed by the autosave worker.
type AnswerPayload struct {
	SessionID  string `json:"session_id"`
	QuestionID string `json:"q_id"`
	Answer     string `json:"answer"`
	SavedAt    int64  `json:"saved_at"` // unix micros
}

// Upsert saves an answer atomically and returns the distinct answer count.
func (l *RedisAnswerLedger) Upsert(ctx context.Context, rec model.AnswerRecord) (int, error) {
	key := config.CacheKey.SessionAnswersKey(rec.SessionID.String())
	savedAt := rec.SavedAt.UnixMicro()

	res, err := upsertAnswerScript.Run(ctx, l.rdb, []string{key},
		rec.QuestionID.String(), savedAt, rec.AnswerText, int(answersTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("upsert answer: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("upsert answer: unexpected reply %v", res)
	}

	if res[0] == 1 {
		payload, _ := json.Marshal(AnswerPayload{
			SessionID:  rec.SessionID.String(),
			QuestionID: rec.QuestionID.String(),
			Answer:     rec.AnswerText,
			SavedAt:    savedAt,
		})
		if err := l.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload).Err(); err != nil {
			return 0, fmt.Errorf("queue answer: %w", err)
		}
	}

	// A count of one may mean the hash was lost and recreated by this write.
	if res[1] == 1 {
		return l.rehydrate(ctx, rec.SessionID)
	}
	return int(res[1]), nil
}

// Count returns the number of distinct questions answered in a session.
func (l *RedisAnswerLedger) Count(ctx context.Context, sessionID uuid.UUID) (int, error) {
	n, err := l.rdb.HLen(ctx, config.CacheKey.SessionAnswersKey(sessionID.String())).Result()
	if err != nil {
		return 0, fmt.Errorf("count answers: %w", err)
	}
	if n == 0 {
		return l.rehydrate(ctx, sessionID)
	}
	return int(n), nil
}

// rehydrate merges archived answers into the hash through the same
// last-write-wins script and returns the resulting count. Archived rows are
// already durable, so nothing is queued.
func (l *RedisAnswerLedger) rehydrate(ctx context.Context, sessionID uuid.UUID) (int, error) {
	key := config.CacheKey.SessionAnswersKey(sessionID.String())
	if l.archive == nil {
		return l.hlen(ctx, key)
	}

	recs, err := l.archive.List(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("load archived answers: %w", err)
	}
	if len(recs) == 0 {
		return l.hlen(ctx, key)
	}

	pipe := l.rdb.Pipeline()
	for _, rec := range recs {
		upsertAnswerScript.Eval(ctx, pipe, []string{key},
			rec.QuestionID.String(), rec.SavedAt.UnixMicro(), rec.AnswerText, int(answersTTL.Seconds()))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rehydrate answers: %w", err)
	}
	return l.hlen(ctx, key)
}

func (l *RedisAnswerLedger) hlen(ctx context.Context, key string) (int, error) {
	n, err := l.rdb.HLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count answers: %w", err)
	}
	return int(n), nil
}

// ToRecord converts a queued payload back into an AnswerRecord.
func (p AnswerPayload) ToRecord() (model.AnswerRecord, error) {
	sID, err := uuid.Parse(p.SessionID)
	if err != nil {
		return model.AnswerRecord{}, err
	}
	qID, err := uuid.Parse(p.QuestionID)
	if err != nil {
		return model.AnswerRecord{}, err
	}
	return model.AnswerRecord{
		SessionID:  sID,
		QuestionID: qID,
		AnswerText: p.Answer,
		SavedAt:    time.UnixMicro(p.SavedAt),
	}, nil
}
