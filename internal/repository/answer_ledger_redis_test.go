package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type archiveStub struct {
	recs  []model.AnswerRecord
	calls int
}

func (a *archiveStub) List(_ context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error) {
	a.calls++
	var out []model.AnswerRecord
	for _, r := range a.recs {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestRedisAnswerLedger(t *testing.T) {
	Convey("Given a Redis answer ledger backed by an archive", t, func() {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer rdb.Close()

		ctx := context.Background()
		t0 := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
		sessionID := uuid.New()
		q1, q2, q3 := uuid.New(), uuid.New(), uuid.New()
		archive := &archiveStub{}
		ledger := NewRedisAnswerLedger(rdb, archive)
		key := config.CacheKey.SessionAnswersKey(sessionID.String())
		queued := func() int64 {
			n, err := rdb.LLen(ctx, config.WorkerKey.PersistAnswersQueue).Result()
			So(err, ShouldBeNil)
			return n
		}
		save := func(q uuid.UUID, text string, at time.Time) int {
			n, err := ledger.Upsert(ctx, model.AnswerRecord{SessionID: sessionID, QuestionID: q, AnswerText: text, SavedAt: at})
			So(err, ShouldBeNil)
			return n
		}

		Convey("Saves count distinct questions and the newest write wins", func() {
			So(save(q1, "A", t0), ShouldEqual, 1)
			So(save(q2, "B", t0.Add(time.Second)), ShouldEqual, 2)
			So(save(q1, "C", t0.Add(2*time.Second)), ShouldEqual, 2)
			So(save(q1, "stale", t0.Add(time.Second)), ShouldEqual, 2)

			stored, err := rdb.HGet(ctx, key, q1.String()).Result()
			So(err, ShouldBeNil)
			So(stored, ShouldEndWith, "|C")
			So(queued(), ShouldEqual, 3)
		})

		Convey("When the hash is lost after answers were archived", func() {
			archive.recs = []model.AnswerRecord{
				{SessionID: sessionID, QuestionID: q1, AnswerText: "A", SavedAt: t0},
				{SessionID: sessionID, QuestionID: q2, AnswerText: "B", SavedAt: t0.Add(time.Second)},
				{SessionID: uuid.New(), QuestionID: q3, AnswerText: "other", SavedAt: t0},
			}
			mr.Del(key)

			Convey("Then the count is rebuilt from the archive", func() {
				n, err := ledger.Count(ctx, sessionID)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 2)
				So(mr.Exists(key), ShouldBeTrue)
				So(queued(), ShouldEqual, 0)
			})

			Convey("Then the next save counts archived answers too", func() {
				So(save(q3, "D", t0.Add(time.Minute)), ShouldEqual, 3)
			})

			Convey("Then a newer live answer is not overwritten by the archive", func() {
				So(save(q1, "fresh", t0.Add(time.Minute)), ShouldEqual, 2)
				stored, err := rdb.HGet(ctx, key, q1.String()).Result()
				So(err, ShouldBeNil)
				So(stored, ShouldEndWith, "|fresh")
			})
		})

		Convey("An empty session with an empty archive counts zero", func() {
			n, err := ledger.Count(ctx, uuid.New())
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
			So(archive.calls, ShouldEqual, 1)
		})
	})
}
