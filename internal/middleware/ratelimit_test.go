package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/smartystreets/goconvey/convey"
)

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	Convey("Given a limiter of 2 requests per minute keyed by header", t, func() {
		now := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
		rl := NewRateLimiter(2, time.Minute, func(c *gin.Context) string { return c.GetHeader("X-Key") })
		rl.now = func() time.Time { return now }

		r := gin.New()
		r.GET("/", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

		hit := func(key string) int {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-Key", key)
			r.ServeHTTP(w, req)
			return w.Code
		}

		Convey("When a key exceeds its budget", func() {
			So(hit("a"), ShouldEqual, http.StatusNoContent)
			So(hit("a"), ShouldEqual, http.StatusNoContent)
			So(hit("a"), ShouldEqual, http.StatusTooManyRequests)

			Convey("Then other keys are unaffected", func() {
				So(hit("b"), ShouldEqual, http.StatusNoContent)
			})

			Convey("Then the budget refills after the interval", func() {
				now = now.Add(time.Minute)
				So(hit("a"), ShouldEqual, http.StatusNoContent)
			})
		})

		Convey("When a key stays idle for a long time", func() {
			hit("a")
			now = now.Add(5 * time.Minute)
			rl.cleanup()

			So(len(rl.visitors), ShouldEqual, 0)
		})
	})
}
