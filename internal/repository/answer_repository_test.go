package repository

import (
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func TestDedupeLatest(t *testing.T) {
	Convey("Given a batch with repeated saves of one question", t, func() {
		t0 := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
		s, q1, q2 := uuid.New(), uuid.New(), uuid.New()
		batch := []model.AnswerRecord{
			{SessionID: s, QuestionID: q1, AnswerText: "a", SavedAt: t0.Add(2 * time.Second)},
			{SessionID: s, QuestionID: q2, AnswerText: "x", SavedAt: t0},
			{SessionID: s, QuestionID: q1, AnswerText: "b", SavedAt: t0},
			{SessionID: s, QuestionID: q1, AnswerText: "c", SavedAt: t0.Add(3 * time.Second)},
		}

		out := dedupeLatest(batch)

		Convey("Then one row per question remains, holding the newest text", func() {
			So(len(out), ShouldEqual, 2)
			So(out[0].QuestionID, ShouldEqual, q1)
			So(out[0].AnswerText, ShouldEqual, "c")
			So(out[1].AnswerText, ShouldEqual, "x")
		})
	})
}

func TestAnswerPayloadToRecord(t *testing.T) {
	Convey("Given a queued answer payload", t, func() {
		s, q := uuid.New(), uuid.New()
		at := time.Date(2026, 10, 15, 8, 0, 0, 123456000, time.UTC)
		p := AnswerPayload{SessionID: s.String(), QuestionID: q.String(), Answer: "jawaban", SavedAt: at.UnixMicro()}

		Convey("When converted", func() {
			rec, err := p.ToRecord()

			Convey("Then the microsecond timestamp survives", func() {
				So(err, ShouldBeNil)
				So(rec.SessionID, ShouldEqual, s)
				So(rec.QuestionID, ShouldEqual, q)
				So(rec.SavedAt.Equal(at), ShouldBeTrue)
			})
		})

		Convey("When the question id is malformed", func() {
			p.QuestionID = "q-1"
			_, err := p.ToRecord()
			So(err, ShouldNotBeNil)
		})
	})
}
