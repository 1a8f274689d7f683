package proctor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/policy"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

func TestMonitorSwitch(t *testing.T) {
	Convey("Given a switch ceiling of 2 and a subscribed session", t, func() {
		th := defaultThresholds
		th.SwitchCeiling = 2
		h := newHarness(th)
		ctx := context.Background()
		s := h.running()
		sub, err := h.hub.Subscribe(ctx, s.ID)
		So(err, ShouldBeNil)

		Convey("When the first switch arrives", func() {
			d, err := h.monitor.Switch(ctx, h.current(s.ID), []byte(`{"message":"alt-tab"}`))

			Convey("Then a warning is broadcast and the session keeps running", func() {
				So(err, ShouldBeNil)
				So(d.Outcome, ShouldEqual, policy.OutcomeWarn)

				evs, closed := drain(sub)
				So(closed, ShouldBeFalse)
				So(eventNames(evs), ShouldResemble, []ws.Event{ws.EventWarning})

				cur := h.current(s.ID)
				So(cur.State, ShouldEqual, model.SessionStateInProgress)
				So(cur.SwitchCount, ShouldEqual, 1)
				So(cur.ViolationCount, ShouldEqual, 1)
			})

			Convey("Then the normalized payload lands in the audit trail", func() {
				evs := h.audit.Events(s.ID)
				So(evs[0].Kind, ShouldEqual, model.EventKindSwitch)
				So(evs[0].Detail, ShouldEqual, "alt-tab")
			})
		})

		Convey("When the second switch arrives", func() {
			_, err := h.monitor.Switch(ctx, h.current(s.ID), nil)
			So(err, ShouldBeNil)
			d, err := h.monitor.Switch(ctx, h.current(s.ID), []byte(`"lagi"`))

			Convey("Then a warning and then the termination notice are broadcast", func() {
				So(err, ShouldBeNil)
				So(d.Outcome, ShouldEqual, policy.OutcomeTerminate)

				evs, closed := drain(sub)
				So(closed, ShouldBeTrue)
				So(eventNames(evs), ShouldResemble, []ws.Event{ws.EventWarning, ws.EventWarning, ws.EventTerminated})
				So(evs[2].Reason, ShouldEqual, policy.ReasonExcessiveSwitch)
			})

			Convey("Then a later submit reports the session closed", func() {
				res, err := h.manager.Submit(ctx, s.ID, model.TokenSubject{ExamID: s.ExamID, SubjectID: s.SubjectID})
				So(err, ShouldEqual, service.ErrSessionClosed)
				So(res.State, ShouldEqual, model.SessionStateTerminated)
			})

			Convey("Then the audit trail ends with the termination", func() {
				evs := h.audit.Events(s.ID)
				last := evs[len(evs)-1]
				So(last.Kind, ShouldEqual, model.EventKindTermination)
				So(last.Detail, ShouldEqual, policy.ReasonExcessiveSwitch)
			})

			Convey("Then further switches are rejected", func() {
				_, err := h.monitor.Switch(ctx, h.current(s.ID), nil)
				So(err, ShouldEqual, service.ErrSessionClosed)
			})
		})
	})
}

func TestMonitorHeartbeats(t *testing.T) {
	Convey("Given a subscribed session with a 30s heartbeat timeout and 3 allowed misses", t, func() {
		h := newHarness(defaultThresholds)
		ctx := context.Background()
		s := h.running()
		sub, err := h.hub.Subscribe(ctx, s.ID)
		So(err, ShouldBeNil)

		check := func(at time.Duration) int {
			h.clock.Set(h.t0.Add(at))
			n, err := h.monitor.CheckHeartbeats(ctx)
			So(err, ShouldBeNil)
			return n
		}

		Convey("When the client stays silent", func() {
			So(check(10*time.Second), ShouldEqual, 0)
			So(check(31*time.Second), ShouldEqual, 1)
			So(check(45*time.Second), ShouldEqual, 0)
			So(check(61*time.Second), ShouldEqual, 1)
			So(check(91*time.Second), ShouldEqual, 1)

			Convey("Then it is warned once per missed interval and terminated at the third", func() {
				evs, closed := drain(sub)
				So(closed, ShouldBeTrue)
				So(eventNames(evs), ShouldResemble, []ws.Event{ws.EventWarning, ws.EventWarning, ws.EventWarning, ws.EventTerminated})
				So(evs[3].Reason, ShouldEqual, policy.ReasonHeartbeatTimeout)
				So(h.current(s.ID).State, ShouldEqual, model.SessionStateTerminated)
			})
		})

		Convey("When heartbeats keep arriving", func() {
			for _, at := range []time.Duration{20 * time.Second, 45 * time.Second, 70 * time.Second} {
				h.clock.Set(h.t0.Add(at))
				So(h.monitor.Heartbeat(ctx, h.current(s.ID)), ShouldBeNil)
			}

			Convey("Then nothing is flagged", func() {
				So(check(95*time.Second), ShouldEqual, 0)
				evs, _ := drain(sub)
				So(len(evs), ShouldEqual, 0)
			})
		})

		Convey("When the deadline has passed", func() {
			So(check(2*time.Hour), ShouldEqual, 0)

			Convey("Then the watchdog leaves it to the deadline sweep", func() {
				got, err := h.sessions.GetByID(ctx, s.ID)
				So(err, ShouldBeNil)
				So(got.State, ShouldEqual, model.SessionStateInProgress)
			})
		})

		Convey("When a heartbeat arrives for a closed session", func() {
			_, err := h.manager.Terminate(ctx, s.ID, policy.ReasonExcessiveSwitch)
			So(err, ShouldBeNil)
			So(h.monitor.Heartbeat(ctx, h.current(s.ID)), ShouldEqual, service.ErrSessionClosed)
		})
	})
}

// heartbeatAfterListing delivers a heartbeat for every listed session right
// after the listing returns, before the monitor decides anything.
type heartbeatAfterListing struct {
	*repository.MemorySessionStore
	now func() time.Time
}

func (s *heartbeatAfterListing) ListSilent(ctx context.Context, cutoff time.Time, after model.SessionCursor, limit int) ([]model.ExamSession, error) {
	page, err := s.MemorySessionStore.ListSilent(ctx, cutoff, after, limit)
	for _, sess := range page {
		_ = s.MemorySessionStore.TouchHeartbeat(ctx, sess.ID, s.now())
	}
	return page, err
}

func TestMonitorWatchdogCoverage(t *testing.T) {
	Convey("Given more silent sessions than one listing page", t, func() {
		h := newHarness(defaultThresholds)
		ctx := context.Background()

		n := 2*watchdogPage + 7
		ids := make([]uuid.UUID, n)
		for i := 0; i < n; i++ {
			s := &model.ExamSession{
				ID:         uuid.New(),
				ExamID:     uuid.New(),
				PaperID:    uuid.New(),
				SubjectID:  1000 + i,
				State:      model.SessionStateInProgress,
				StartedAt:  h.t0.Add(time.Duration(i/2) * time.Millisecond), // pairs share a start time
				DeadlineAt: h.t0.Add(time.Hour),
			}
			So(h.sessions.Create(ctx, s), ShouldBeNil)
			ids[i] = s.ID
		}

		live := h.running()
		h.clock.Set(h.t0.Add(20 * time.Second))
		So(h.monitor.Heartbeat(ctx, h.current(live.ID)), ShouldBeNil)

		Convey("When one sweep runs after a missed interval", func() {
			h.clock.Set(h.t0.Add(32 * time.Second))
			acted, err := h.monitor.CheckHeartbeats(ctx)
			So(err, ShouldBeNil)

			Convey("Then every silent session is warned exactly once", func() {
				So(acted, ShouldEqual, n)
				for _, id := range []uuid.UUID{ids[0], ids[watchdogPage], ids[n-1]} {
					So(h.current(id).ViolationCount, ShouldEqual, 1)
				}
				So(h.current(live.ID).ViolationCount, ShouldEqual, 0)
			})

			Convey("And the latest started session is terminated on schedule", func() {
				for _, at := range []time.Duration{62 * time.Second, 92 * time.Second} {
					h.clock.Set(h.t0.Add(at))
					_, err := h.monitor.CheckHeartbeats(ctx)
					So(err, ShouldBeNil)
				}
				last := h.current(ids[n-1])
				So(last.State, ShouldEqual, model.SessionStateTerminated)
				So(*last.TerminationReason, ShouldEqual, policy.ReasonHeartbeatTimeout)
			})
		})
	})
}

func TestMonitorWatchdogRace(t *testing.T) {
	Convey("Given a session silent for three intervals", t, func() {
		h := newHarness(defaultThresholds)
		ctx := context.Background()
		s := h.running()
		sub, err := h.hub.Subscribe(ctx, s.ID)
		So(err, ShouldBeNil)

		store := &heartbeatAfterListing{MemorySessionStore: h.sessions, now: h.clock.Now}
		monitor := NewMonitor(h.hub, store, h.manager, defaultThresholds, h.audit, zerolog.Nop(), WithMonitorClock(h.clock.Now))

		Convey("When a heartbeat lands between the listing and the decision", func() {
			h.clock.Set(h.t0.Add(91 * time.Second))
			acted, err := monitor.CheckHeartbeats(ctx)
			So(err, ShouldBeNil)

			Convey("Then the live client is left alone", func() {
				So(acted, ShouldEqual, 0)
				got := h.current(s.ID)
				So(got.State, ShouldEqual, model.SessionStateInProgress)
				So(got.ViolationCount, ShouldEqual, 0)
				evs, closed := drain(sub)
				So(closed, ShouldBeFalse)
				So(len(evs), ShouldEqual, 0)
			})
		})
	})
}
