package proctor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/policy"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recordingRelay struct {
	mu     sync.Mutex
	events []ws.OutboundEvent
}

func (r *recordingRelay) Publish(_ context.Context, ev ws.OutboundEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type harness struct {
	t0       time.Time
	clock    *testClock
	sessions *repository.MemorySessionStore
	audit    *repository.MemoryAuditLog
	relay    *recordingRelay
	hub      *Hub
	manager  *service.ExamSessionService
	monitor  *Monitor
}

// newHarness wires a hub, session manager and monitor over memory stores.
func newHarness(th policy.Thresholds, hubOpts ...HubOption) *harness {
	t0 := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	h := &harness{
		t0:       t0,
		clock:    &testClock{t: t0},
		sessions: repository.NewMemorySessionStore(),
		audit:    repository.NewMemoryAuditLog(0),
		relay:    &recordingRelay{},
	}

	log := zerolog.Nop()
	opts := append([]HubOption{WithRelay(h.relay), WithHubClock(h.clock.Now)}, hubOpts...)
	h.hub = NewHub(log, opts...)

	schedules := repository.NewMemoryScheduleStore()
	tokens := service.NewTokenService(schedules, "secret", time.Hour, service.WithTokenClock(h.clock.Now))
	ledger := service.NewAnswerLedger(repository.NewMemoryAnswerStore(), h.clock.Now)
	h.manager = service.NewExamSessionService(h.sessions, schedules, tokens, ledger, h.hub, log,
		service.WithSessionClock(h.clock.Now))
	h.hub.SetSessionReader(h.manager)

	h.monitor = NewMonitor(h.hub, h.sessions, h.manager, th, h.audit, log, WithMonitorClock(h.clock.Now))
	return h
}

// running stores an IN_PROGRESS session started at t0 with a one hour deadline.
func (h *harness) running() *model.ExamSession {
	s := &model.ExamSession{
		ID:         uuid.New(),
		ExamID:     uuid.New(),
		PaperID:    uuid.New(),
		SubjectID:  7,
		State:      model.SessionStateInProgress,
		StartedAt:  h.t0,
		DeadlineAt: h.t0.Add(time.Hour),
	}
	if err := h.sessions.Create(context.Background(), s); err != nil {
		panic(err)
	}
	return s
}

func (h *harness) current(id uuid.UUID) *model.ExamSession {
	s, err := h.manager.Current(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return s
}

// drain reads whatever is buffered without blocking and reports whether the
// channel was closed.
func drain(sub *Subscription) ([]ws.OutboundEvent, bool) {
	var out []ws.OutboundEvent
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out, true
			}
			out = append(out, ev)
		default:
			return out, false
		}
	}
}

func eventNames(evs []ws.OutboundEvent) []ws.Event {
	names := make([]ws.Event, len(evs))
	for i, ev := range evs {
		names[i] = ev.Event
	}
	return names
}

var defaultThresholds = policy.Thresholds{
	HeartbeatTimeout:    30 * time.Second,
	MaxMissedHeartbeats: 3,
	SwitchCeiling:       3,
}
