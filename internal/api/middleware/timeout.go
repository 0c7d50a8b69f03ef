package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Timeout enforces a hard per-route deadline. The request context is
// cancelled at the deadline and the client receives a 504 even if the
// handler is still stuck in an OS call underneath.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		done := make(chan struct{})
		go func() {
			defer func() {
				// A handler panicking after the deadline has already been
				// answered must not take the process down.
				_ = recover()
				close(done)
			}()
			c.Next()
		}()

		select {
		case <-done:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{
					"error": "request timed out",
				})
				c.Writer.Flush()
			}
			<-done
		}
	}
}
