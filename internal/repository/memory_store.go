package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type examSubject struct {
	examID    uuid.UUID
	subjectID int
}

// MemorySessionStore is an in-process Session Store. A single mutex guards
// every transition, which gives the same compare-and-set semantics as the
// conditional UPDATE used by ExamSessionRepository.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.ExamSession
	byPair   map[examSubject]uuid.UUID
}

// NewMemorySessionStore creates an empty MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[uuid.UUID]*model.ExamSession),
		byPair:   make(map[examSubject]uuid.UUID),
	}
}

func cloneSession(s *model.ExamSession) *model.ExamSession {
	c := *s
	if s.SubmittedAt != nil {
		t := *s.SubmittedAt
		c.SubmittedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.TerminationReason != nil {
		r := *s.TerminationReason
		c.TerminationReason = &r
	}
	if s.LastHeartbeatAt != nil {
		t := *s.LastHeartbeatAt
		c.LastHeartbeatAt = &t
	}
	return &c
}

func (m *MemorySessionStore) GetByID(_ context.Context, id uuid.UUID) (*model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemorySessionStore) GetByExamAndSubject(_ context.Context, examID uuid.UUID, subjectID int) (*model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byPair[examSubject{examID, subjectID}]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(m.sessions[id]), nil
}

func (m *MemorySessionStore) Create(_ context.Context, s *model.ExamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := examSubject{s.ExamID, s.SubjectID}
	if _, exists := m.byPair[key]; exists {
		return ErrConflict
	}
	m.sessions[s.ID] = cloneSession(s)
	m.byPair[key] = s.ID
	return nil
}

func (m *MemorySessionStore) Transition(_ context.Context, id uuid.UUID, to model.SessionState, at time.Time, reason *string) (*model.ExamSession, error) {
	if !to.IsTerminal() {
		return nil, fmt.Errorf("transition to non-terminal state %s", to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.State != model.SessionStateInProgress {
		return nil, ErrNotInProgress
	}
	if to == model.SessionStateTimedOut && at.Before(s.DeadlineAt) {
		return nil, ErrNotInProgress
	}

	s.State = to
	s.EndedAt = &at
	if to == model.SessionStateSubmitted {
		s.SubmittedAt = &at
	}
	if reason != nil {
		r := *reason
		s.TerminationReason = &r
	}
	return cloneSession(s), nil
}

func (m *MemorySessionStore) TouchHeartbeat(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.State != model.SessionStateInProgress {
		return ErrNotInProgress
	}
	if s.LastHeartbeatAt == nil || at.After(*s.LastHeartbeatAt) {
		s.LastHeartbeatAt = &at
	}
	return nil
}

func (m *MemorySessionStore) IncrementSwitch(_ context.Context, id uuid.UUID) (int, error) {
	return m.increment(id, func(s *model.ExamSession) *int { return &s.SwitchCount })
}

func (m *MemorySessionStore) IncrementViolations(_ context.Context, id uuid.UUID) (int, error) {
	return m.increment(id, func(s *model.ExamSession) *int { return &s.ViolationCount })
}

func (m *MemorySessionStore) increment(id uuid.UUID, field func(*model.ExamSession) *int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.State != model.SessionStateInProgress {
		return 0, ErrNotInProgress
	}
	n := field(s)
	*n++
	return *n, nil
}

func (m *MemorySessionStore) ListSilent(_ context.Context, cutoff time.Time, after model.SessionCursor, limit int) ([]model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.ExamSession
	for _, s := range m.sessions {
		if s.State != model.SessionStateInProgress || s.LastSignalAt().After(cutoff) {
			continue
		}
		if !after.Precedes(s.StartedAt, s.ID) {
			continue
		}
		out = append(out, *cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cursor().Precedes(out[j].StartedAt, out[j].ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemorySessionStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var overdue []*model.ExamSession
	for _, s := range m.sessions {
		if s.Overdue(now) {
			overdue = append(overdue, s)
		}
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].DeadlineAt.Before(overdue[j].DeadlineAt) })
	if limit > 0 && len(overdue) > limit {
		overdue = overdue[:limit]
	}

	ids := make([]uuid.UUID, len(overdue))
	for i, s := range overdue {
		ids[i] = s.ID
	}
	return ids, nil
}

type sessionAnswers struct {
	mu      sync.Mutex
	answers map[uuid.UUID]model.AnswerRecord
}

// MemoryAnswerStore is an in-process Answer Ledger. Each session has its own
// lock so saves on different sessions never contend.
type MemoryAnswerStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*sessionAnswers
}

// NewMemoryAnswerStore creates an empty MemoryAnswerStore.
func NewMemoryAnswerStore() *MemoryAnswerStore {
	return &MemoryAnswerStore{sessions: make(map[uuid.UUID]*sessionAnswers)}
}

func (m *MemoryAnswerStore) forSession(id uuid.UUID) *sessionAnswers {
	m.mu.RLock()
	sa, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return sa
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sa, ok = m.sessions[id]; !ok {
		sa = &sessionAnswers{answers: make(map[uuid.UUID]model.AnswerRecord)}
		m.sessions[id] = sa
	}
	return sa
}

// Upsert saves an answer (last write by SavedAt wins) and returns the distinct answer count.
func (m *MemoryAnswerStore) Upsert(_ context.Context, rec model.AnswerRecord) (int, error) {
	sa := m.forSession(rec.SessionID)
	sa.mu.Lock()
	defer sa.mu.Unlock()

	if cur, ok := sa.answers[rec.QuestionID]; !ok || !rec.SavedAt.Before(cur.SavedAt) {
		sa.answers[rec.QuestionID] = rec
	}
	return len(sa.answers), nil
}

func (m *MemoryAnswerStore) Count(_ context.Context, sessionID uuid.UUID) (int, error) {
	sa := m.forSession(sessionID)
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return len(sa.answers), nil
}

// List returns the saved answers of a session ordered by question id.
func (m *MemoryAnswerStore) List(_ context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error) {
	sa := m.forSession(sessionID)
	sa.mu.Lock()
	defer sa.mu.Unlock()

	out := make([]model.AnswerRecord, 0, len(sa.answers))
	for _, rec := range sa.answers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID.String() < out[j].QuestionID.String() })
	return out, nil
}

// MemoryScheduleStore serves schedules and enrollments from a fixture.
type MemoryScheduleStore struct {
	mu          sync.RWMutex
	schedules   map[uuid.UUID]model.ExamSchedule
	enrollments map[examSubject]struct{}
}

// NewMemoryScheduleStore creates an empty MemoryScheduleStore.
func NewMemoryScheduleStore() *MemoryScheduleStore {
	return &MemoryScheduleStore{
		schedules:   make(map[uuid.UUID]model.ExamSchedule),
		enrollments: make(map[examSubject]struct{}),
	}
}

// PutSchedule adds or replaces a schedule.
func (m *MemoryScheduleStore) PutSchedule(s model.ExamSchedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ExamID] = s
}

// Enroll marks subjectIDs as enrolled in examID.
func (m *MemoryScheduleStore) Enroll(examID uuid.UUID, subjectIDs ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range subjectIDs {
		m.enrollments[examSubject{examID, id}] = struct{}{}
	}
}

func (m *MemoryScheduleStore) GetSchedule(_ context.Context, examID uuid.UUID) (*model.ExamSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[examID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryScheduleStore) IsEnrolled(_ context.Context, examID uuid.UUID, subjectID int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.enrollments[examSubject{examID, subjectID}]
	return ok, nil
}

// LoadSeed fills the store from a schedule fixture.
func (m *MemoryScheduleStore) LoadSeed(seed *config.ScheduleSeed) error {
	for _, s := range seed.Schedules {
		sch, err := s.ToSchedule()
		if err != nil {
			return err
		}
		m.PutSchedule(sch)
	}
	for _, e := range seed.Enrollments {
		examID, err := uuid.Parse(e.ExamID)
		if err != nil {
			return fmt.Errorf("enrollment exam_id %q: %w", e.ExamID, err)
		}
		m.Enroll(examID, e.SubjectIDs...)
	}
	return nil
}
