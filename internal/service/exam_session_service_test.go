package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func TestStartSession(t *testing.T) {
	Convey("Given an enrolled subject with a valid exam token", t, func() {
		f := newFixture()
		ctx := context.Background()
		token := f.token(7)

		Convey("When starting twice", func() {
			first, err1 := f.manager.Start(ctx, token)
			second, err2 := f.manager.Start(ctx, token)

			Convey("Then both calls return the same running session", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(second.SessionID, ShouldEqual, first.SessionID)
				So(first.State, ShouldEqual, model.SessionStateInProgress)
				So(first.PaperID, ShouldEqual, f.paperID)
				So(first.DeadlineAt, ShouldEqual, f.t0.Add(60*time.Minute))
			})
		})

		Convey("When many starts race", func() {
			var wg sync.WaitGroup
			ids := make([]uuid.UUID, 20)
			errs := make([]error, 20)
			for i := range ids {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := f.manager.Start(ctx, token)
					errs[i] = err
					if err == nil {
						ids[i] = res.SessionID
					}
				}(i)
			}
			wg.Wait()

			Convey("Then exactly one session exists for the pair", func() {
				for i := range ids {
					So(errs[i], ShouldBeNil)
					So(ids[i], ShouldEqual, ids[0])
				}
			})
		})

		Convey("When the session already ended", func() {
			id := f.start(7)
			_, err := f.manager.Submit(ctx, id, f.subject(7))
			So(err, ShouldBeNil)

			_, err = f.manager.Start(ctx, token)

			Convey("Then starting again reports the session closed", func() {
				So(err, ShouldEqual, ErrSessionClosed)
			})
		})

		Convey("When the deadline falls after the exam window ends", func() {
			f.clock.Set(f.t0.Add(90 * time.Minute))
			res, err := f.manager.Start(ctx, f.token(8))

			Convey("Then the deadline is capped at the window end", func() {
				So(err, ShouldBeNil)
				So(res.DeadlineAt, ShouldEqual, f.t0.Add(2*time.Hour))
			})
		})

		Convey("When the token is garbage", func() {
			_, err := f.manager.Start(ctx, "not-a-token")
			So(errors.Is(err, ErrTokenInvalid), ShouldBeTrue)
		})
	})
}

func TestRecordAnswer(t *testing.T) {
	Convey("Given a running session", t, func() {
		f := newFixture()
		ctx := context.Background()
		id := f.start(7)
		q1, q2, q3 := uuid.New(), uuid.New(), uuid.New()

		Convey("When saving q1, q2, q2, q3", func() {
			var last *model.ProgressView
			for _, q := range []uuid.UUID{q1, q2, q2, q3} {
				p, err := f.manager.RecordAnswer(ctx, id, f.subject(7), q, "jawaban")
				So(err, ShouldBeNil)
				last = p
			}

			Convey("Then progress counts three distinct questions", func() {
				So(last.Answered, ShouldEqual, 3)
				So(f.publisher.progress, ShouldResemble, []int{1, 2, 2, 3})

				p, err := f.manager.Progress(ctx, id, f.subject(7))
				So(err, ShouldBeNil)
				So(p.Answered, ShouldEqual, 3)
			})
		})

		Convey("When saving just before the deadline", func() {
			f.clock.Set(f.t0.Add(60*time.Minute - time.Nanosecond))
			_, err := f.manager.RecordAnswer(ctx, id, f.subject(7), q1, "jawaban")
			So(err, ShouldBeNil)
		})

		Convey("When saving exactly at the deadline", func() {
			f.clock.Set(f.t0.Add(60 * time.Minute))
			_, err := f.manager.RecordAnswer(ctx, id, f.subject(7), q1, "jawaban")

			Convey("Then the save is rejected and the session times out", func() {
				So(err, ShouldEqual, ErrSessionClosed)

				s, err := f.sessions.GetByID(ctx, id)
				So(err, ShouldBeNil)
				So(s.State, ShouldEqual, model.SessionStateTimedOut)
				So(f.publisher.Closed(), ShouldResemble, []model.SessionState{model.SessionStateTimedOut})
			})
		})

		Convey("When another subject uses their own token on this session", func() {
			_, err := f.manager.RecordAnswer(ctx, id, f.subject(8), q1, "jawaban")
			So(errors.Is(err, ErrUnauthorized), ShouldBeTrue)
		})

		Convey("When the question id or the answer text is missing", func() {
			_, errNoQuestion := f.manager.RecordAnswer(ctx, id, f.subject(7), uuid.Nil, "jawaban")
			_, errBlank := f.manager.RecordAnswer(ctx, id, f.subject(7), q1, "   ")

			Convey("Then the save is rejected as invalid and nothing is recorded", func() {
				So(errors.Is(errNoQuestion, ErrValidation), ShouldBeTrue)
				So(errors.Is(errBlank, ErrValidation), ShouldBeTrue)
				So(f.publisher.progress, ShouldBeEmpty)

				p, err := f.manager.Progress(ctx, id, f.subject(7))
				So(err, ShouldBeNil)
				So(p.Answered, ShouldEqual, 0)
			})
		})

		Convey("When the session does not exist", func() {
			_, err := f.manager.RecordAnswer(ctx, uuid.New(), f.subject(7), q1, "jawaban")
			So(err, ShouldEqual, ErrSessionNotFound)
		})
	})
}

func TestSubmit(t *testing.T) {
	Convey("Given a running session", t, func() {
		f := newFixture()
		ctx := context.Background()
		id := f.start(7)

		Convey("When submitting twice", func() {
			first, err1 := f.manager.Submit(ctx, id, f.subject(7))
			second, err2 := f.manager.Submit(ctx, id, f.subject(7))

			Convey("Then both succeed and only one final notice is published", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(first.State, ShouldEqual, model.SessionStateSubmitted)
				So(second.State, ShouldEqual, model.SessionStateSubmitted)
				So(second.Closed, ShouldBeFalse)
				So(f.publisher.Closed(), ShouldResemble, []model.SessionState{model.SessionStateSubmitted})
			})

			Convey("Then later answers are rejected", func() {
				_, err := f.manager.RecordAnswer(ctx, id, f.subject(7), uuid.New(), "terlambat")
				So(err, ShouldEqual, ErrSessionClosed)
			})
		})

		Convey("When submitting after termination", func() {
			_, err := f.manager.Terminate(ctx, id, "excessive_switch")
			So(err, ShouldBeNil)

			res, err := f.manager.Submit(ctx, id, f.subject(7))

			Convey("Then the final state is reported as closed", func() {
				So(err, ShouldEqual, ErrSessionClosed)
				So(res.State, ShouldEqual, model.SessionStateTerminated)
				So(res.Closed, ShouldBeTrue)
			})
		})

		Convey("When submit arrives at the deadline", func() {
			f.clock.Set(f.t0.Add(60 * time.Minute))
			res, err := f.manager.Submit(ctx, id, f.subject(7))

			Convey("Then the timeout wins", func() {
				So(err, ShouldEqual, ErrSessionClosed)
				So(res.State, ShouldEqual, model.SessionStateTimedOut)
			})
		})

		Convey("When submit and expire race at the deadline", func() {
			f.clock.Set(f.t0.Add(60 * time.Minute))
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = f.manager.Submit(ctx, id, f.subject(7))
			}()
			go func() {
				defer wg.Done()
				_, _ = f.manager.Expire(ctx, id)
			}()
			wg.Wait()

			Convey("Then exactly one terminal transition is published", func() {
				So(f.publisher.Closed(), ShouldResemble, []model.SessionState{model.SessionStateTimedOut})
			})
		})
	})
}

func TestExpireAndTerminate(t *testing.T) {
	Convey("Given a running session", t, func() {
		f := newFixture()
		ctx := context.Background()
		id := f.start(7)

		Convey("When expiring before the deadline", func() {
			_, err := f.manager.Expire(ctx, id)
			So(err, ShouldEqual, ErrDeadlineNotReached)
		})

		Convey("When expiring after the deadline", func() {
			f.clock.Set(f.t0.Add(61 * time.Minute))
			s, err := f.manager.Expire(ctx, id)

			Convey("Then the session is TIMED_OUT", func() {
				So(err, ShouldBeNil)
				So(s.State, ShouldEqual, model.SessionStateTimedOut)
				So(*s.EndedAt, ShouldEqual, f.t0.Add(61*time.Minute))
			})

			Convey("Then terminating afterwards changes nothing", func() {
				s, err := f.manager.Terminate(ctx, id, "heartbeat_timeout")
				So(err, ShouldEqual, ErrSessionClosed)
				So(s.State, ShouldEqual, model.SessionStateTimedOut)
				So(s.TerminationReason, ShouldBeNil)
			})
		})

		Convey("When terminating", func() {
			s, err := f.manager.Terminate(ctx, id, "heartbeat_timeout")

			Convey("Then the reason is stored", func() {
				So(err, ShouldBeNil)
				So(s.State, ShouldEqual, model.SessionStateTerminated)
				So(*s.TerminationReason, ShouldEqual, "heartbeat_timeout")
			})
		})
	})
}

func TestInfo(t *testing.T) {
	Convey("Given a session 15 minutes in with one answer", t, func() {
		f := newFixture()
		ctx := context.Background()
		id := f.start(7)
		_, err := f.manager.RecordAnswer(ctx, id, f.subject(7), uuid.New(), "jawaban")
		So(err, ShouldBeNil)
		f.clock.Set(f.t0.Add(15 * time.Minute))

		info, err := f.manager.Info(ctx, id, f.subject(7))

		Convey("Then the remaining time and progress are reported", func() {
			So(err, ShouldBeNil)
			So(info.RemainingSeconds, ShouldEqual, (45 * time.Minute).Seconds())
			So(info.Answered, ShouldEqual, 1)
			So(info.State, ShouldEqual, model.SessionStateInProgress)
		})
	})
}
