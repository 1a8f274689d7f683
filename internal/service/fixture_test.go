package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

const testSecret = "test-exam-secret"

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

type recordingPublisher struct {
	mu       sync.Mutex
	progress []int
	closed   []model.SessionState
}

func (p *recordingPublisher) PublishProgress(_ context.Context, _ uuid.UUID, answered int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, answered)
}

func (p *recordingPublisher) PublishClosed(_ context.Context, s *model.ExamSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, s.State)
}

func (p *recordingPublisher) Closed() []model.SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.SessionState(nil), p.closed...)
}

type fixture struct {
	t0        time.Time
	clock     *testClock
	sessions  *repository.MemorySessionStore
	schedules *repository.MemoryScheduleStore
	publisher *recordingPublisher
	tokens    *TokenService
	manager   *ExamSessionService
	examID    uuid.UUID
	paperID   uuid.UUID
}

// newFixture sets up one exam open from t0-1m to t0+2h with a 60 minute
// duration and subjects 7 and 8 enrolled.
func newFixture() *fixture {
	t0 := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	f := &fixture{
		t0:        t0,
		clock:     &testClock{t: t0},
		sessions:  repository.NewMemorySessionStore(),
		schedules: repository.NewMemoryScheduleStore(),
		publisher: &recordingPublisher{},
		examID:    uuid.New(),
		paperID:   uuid.New(),
	}

	f.schedules.PutSchedule(model.ExamSchedule{
		ExamID:          f.examID,
		PaperID:         f.paperID,
		Title:           "Ujian Tengah Semester",
		StartsAt:        t0.Add(-time.Minute),
		EndsAt:          t0.Add(2 * time.Hour),
		DurationMinutes: 60,
		Status:          model.ScheduleStatusScheduled,
	})
	f.schedules.Enroll(f.examID, 7, 8)

	f.tokens = NewTokenService(f.schedules, testSecret, 4*time.Hour, WithTokenClock(f.clock.Now))
	ledger := NewAnswerLedger(repository.NewMemoryAnswerStore(), f.clock.Now)
	f.manager = NewExamSessionService(f.sessions, f.schedules, f.tokens, ledger, f.publisher, zerolog.Nop(),
		WithSessionClock(f.clock.Now))
	return f
}

func (f *fixture) token(subjectID int) string {
	tok, err := f.tokens.Issue(context.Background(), f.examID, model.Principal{SubjectID: subjectID, Role: model.RoleStudent})
	if err != nil {
		panic(err)
	}
	return tok.Token
}

func (f *fixture) subject(subjectID int) model.TokenSubject {
	return model.TokenSubject{ExamID: f.examID, SubjectID: subjectID}
}

func (f *fixture) start(subjectID int) uuid.UUID {
	res, err := f.manager.Start(context.Background(), f.token(subjectID))
	if err != nil {
		panic(err)
	}
	return res.SessionID
}
