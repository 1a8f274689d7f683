package proctor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/policy"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// watchdogPage is how many silent sessions one store round trip returns.
// A sweep pages until a short page comes back.
const watchdogPage = 500

// signalStripes shards the per-session locks that serialize heartbeat intake
// against the watchdog.
const signalStripes = 64

// SignalStore keeps the durable scalars proctoring signals reduce into.
type SignalStore interface {
	TouchHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error
	IncrementSwitch(ctx context.Context, id uuid.UUID) (int, error)
	IncrementViolations(ctx context.Context, id uuid.UUID) (int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	// ListSilent pages through running sessions whose last signal is at or
	// before cutoff, ordered by (started_at, id) after the cursor.
	ListSilent(ctx context.Context, cutoff time.Time, after model.SessionCursor, limit int) ([]model.ExamSession, error)
}

// Terminator ends a session for a policy violation.
type Terminator interface {
	Terminate(ctx context.Context, sessionID uuid.UUID, reason string) (*model.ExamSession, error)
}

// AuditSink receives the short audit trail of proctoring events.
type AuditSink interface {
	Record(ctx context.Context, ev model.ProctoringEvent) error
}

// Monitor is the inbound side of the hub. It records heartbeats and switches,
// asks the violation policy what they amount to, and acts on the decision.
type Monitor struct {
	hub        *Hub
	store      SignalStore
	terminator Terminator
	thresholds policy.Thresholds
	audit      AuditSink
	metrics    *metrics.Manager
	now        func() time.Time
	log        zerolog.Logger

	stripes [signalStripes]sync.Mutex

	mu     sync.Mutex
	warned map[uuid.UUID]int // last missed-heartbeat count warned about
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorClock overrides time.Now.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// WithMonitorMetrics records warnings on mm.
func WithMonitorMetrics(mm *metrics.Manager) MonitorOption {
	return func(m *Monitor) { m.metrics = mm }
}

// NewMonitor creates a Monitor.
func NewMonitor(hub *Hub, store SignalStore, terminator Terminator, thresholds policy.Thresholds, audit AuditSink, log zerolog.Logger, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		hub:        hub,
		store:      store,
		terminator: terminator,
		thresholds: thresholds,
		audit:      audit,
		now:        time.Now,
		log:        log.With().Str("component", "proctor_monitor").Logger(),
		warned:     make(map[uuid.UUID]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Heartbeat records that the client of an authorized session is alive.
func (m *Monitor) Heartbeat(ctx context.Context, session *model.ExamSession) error {
	if session.State != model.SessionStateInProgress {
		return service.ErrSessionClosed
	}

	lock := m.lockFor(session.ID)
	lock.Lock()
	defer lock.Unlock()

	now := m.now()
	if err := m.store.TouchHeartbeat(ctx, session.ID, now); err != nil {
		if errors.Is(err, repository.ErrNotInProgress) {
			return service.ErrSessionClosed
		}
		return err
	}

	m.mu.Lock()
	delete(m.warned, session.ID)
	m.mu.Unlock()

	m.record(ctx, session.ID, model.EventKindHeartbeat, now, "")
	return nil
}

// Switch records a tab or window switch and applies the policy. payload is
// the client's optional message in any accepted shape.
func (m *Monitor) Switch(ctx context.Context, session *model.ExamSession, payload []byte) (policy.Decision, error) {
	if session.State != model.SessionStateInProgress {
		return policy.Decision{}, service.ErrSessionClosed
	}

	count, err := m.store.IncrementSwitch(ctx, session.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotInProgress) {
			return policy.Decision{}, service.ErrSessionClosed
		}
		return policy.Decision{}, err
	}
	m.record(ctx, session.ID, model.EventKindSwitch, m.now(), ws.NormalizeMessage(payload))

	decision := m.thresholds.EvaluateSwitch(policy.Signals{
		StartedAt:       session.StartedAt,
		LastHeartbeatAt: session.LastHeartbeatAt,
		SwitchCount:     count,
	})
	m.apply(ctx, session, decision, "switch")
	return decision, nil
}

// CheckHeartbeats evaluates missed heartbeats of every silent running session
// and returns how many warnings or terminations it issued. A warning for the
// same number of missed intervals is issued once.
func (m *Monitor) CheckHeartbeats(ctx context.Context) (int, error) {
	now := m.now()
	cutoff := now.Add(-m.thresholds.HeartbeatTimeout)
	silent := make(map[uuid.UUID]struct{})
	acted := 0

	var cursor model.SessionCursor
	for {
		page, err := m.store.ListSilent(ctx, cutoff, cursor, watchdogPage)
		if err != nil {
			return acted, err
		}
		for i := range page {
			silent[page[i].ID] = struct{}{}
			if m.checkOne(ctx, page[i].ID) {
				acted++
			}
		}
		if len(page) < watchdogPage {
			break
		}
		cursor = page[len(page)-1].Cursor()
	}

	m.mu.Lock()
	for id := range m.warned {
		if _, ok := silent[id]; !ok {
			delete(m.warned, id)
		}
	}
	m.mu.Unlock()

	return acted, nil
}

// checkOne re-reads the session under its signal lock, so a heartbeat that
// landed after the listing is seen before anything is decided.
func (m *Monitor) checkOne(ctx context.Context, id uuid.UUID) bool {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.store.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			m.log.Error().Err(err).Str("session_id", id.String()).Msg("Failed to reload session")
		}
		return false
	}

	now := m.now()
	if s.State != model.SessionStateInProgress || s.Overdue(now) {
		return false // closed, or the deadline sweep owns it
	}

	d := m.thresholds.EvaluateHeartbeat(policy.Signals{
		StartedAt:       s.StartedAt,
		LastHeartbeatAt: s.LastHeartbeatAt,
		SwitchCount:     s.SwitchCount,
	}, now)

	switch d.Outcome {
	case policy.OutcomeNone:
		return false
	case policy.OutcomeWarn:
		m.mu.Lock()
		seen := m.warned[s.ID] >= d.Missed
		if !seen {
			m.warned[s.ID] = d.Missed
		}
		m.mu.Unlock()
		if seen {
			return false
		}
	}

	m.apply(ctx, s, d, "heartbeat")
	return true
}

func (m *Monitor) lockFor(id uuid.UUID) *sync.Mutex {
	return &m.stripes[int(id[len(id)-1])%signalStripes]
}

func (m *Monitor) apply(ctx context.Context, session *model.ExamSession, d policy.Decision, kind string) {
	if d.Outcome == policy.OutcomeNone {
		return
	}

	l := logger.ForSession(m.log, session.ID, session.ExamID, session.SubjectID)
	now := m.now()

	if _, err := m.store.IncrementViolations(ctx, session.ID); err != nil && !errors.Is(err, repository.ErrNotInProgress) {
		l.Error().Err(err).Msg("Failed to count violation")
	}

	m.hub.PublishWarning(ctx, session.ID, d.Message)
	m.metrics.Warning(kind)
	m.record(ctx, session.ID, model.EventKindWarning, now, d.Message)
	l.Warn().Str("kind", kind).Str("outcome", d.Outcome.String()).Int("missed", d.Missed).Msg("Proctoring violation")

	if d.Outcome != policy.OutcomeTerminate {
		return
	}

	if _, err := m.terminator.Terminate(ctx, session.ID, d.Reason); err != nil {
		if !errors.Is(err, service.ErrSessionClosed) {
			l.Error().Err(err).Str("reason", d.Reason).Msg("Failed to terminate session")
		}
		return
	}
	m.record(ctx, session.ID, model.EventKindTermination, now, d.Reason)

	m.mu.Lock()
	delete(m.warned, session.ID)
	m.mu.Unlock()
}

func (m *Monitor) record(ctx context.Context, sessionID uuid.UUID, kind model.EventKind, at time.Time, detail string) {
	if m.audit == nil {
		return
	}
	err := m.audit.Record(ctx, model.ProctoringEvent{SessionID: sessionID, Kind: kind, At: at, Detail: detail})
	if err != nil {
		m.log.Error().Err(err).Str("session_id", sessionID.String()).Str("kind", string(kind)).Msg("Failed to record audit event")
	}
}
