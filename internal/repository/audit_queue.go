package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// EventPayload is the queue representation consumed by the proctor event worker.
type EventPayload struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// AuditQueue pushes proctoring events onto a Redis list for batched persistence.
type AuditQueue struct {
	rdb *redis.Client
}

// NewAuditQueue creates a new AuditQueue.
func NewAuditQueue(rdb *redis.Client) *AuditQueue {
	return &AuditQueue{rdb: rdb}
}

// Record enqueues one event.
func (q *AuditQueue) Record(ctx context.Context, ev model.ProctoringEvent) error {
	data, err := json.Marshal(EventPayload{
		SessionID: ev.SessionID.String(),
		Kind:      string(ev.Kind),
		Detail:    ev.Detail,
		Timestamp: ev.At.UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := q.rdb.RPush(ctx, config.WorkerKey.PersistEventsQueue, data).Err(); err != nil {
		return fmt.Errorf("queue proctoring event: %w", err)
	}
	return nil
}

// MemoryAuditLog keeps the most recent proctoring events per session in process.
type MemoryAuditLog struct {
	mu       sync.Mutex
	capacity int
	events   map[uuid.UUID][]model.ProctoringEvent
}

// NewMemoryAuditLog creates a MemoryAuditLog retaining up to capacity events per session.
func NewMemoryAuditLog(capacity int) *MemoryAuditLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryAuditLog{
		capacity: capacity,
		events:   make(map[uuid.UUID][]model.ProctoringEvent),
	}
}

// Record appends an event, evicting the oldest once capacity is reached.
func (l *MemoryAuditLog) Record(_ context.Context, ev model.ProctoringEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	evs := append(l.events[ev.SessionID], ev)
	if len(evs) > l.capacity {
		evs = evs[len(evs)-l.capacity:]
	}
	l.events[ev.SessionID] = evs
	return nil
}

// Events returns a copy of the retained events of a session, oldest first.
func (l *MemoryAuditLog) Events(sessionID uuid.UUID) []model.ProctoringEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.ProctoringEvent, len(l.events[sessionID]))
	copy(out, l.events[sessionID])
	return out
}
