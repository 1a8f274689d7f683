package middleware

import "github.com/gin-gonic/gin"

// NoStore marks responses as uncacheable. Session state changes on every
// request, so no intermediary may serve a stale copy.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
