package middleware

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/types"
	"github.com/gin-gonic/gin"
)

// Timeout bounds the request context. Handlers run on the request goroutine
// and observe the deadline through ctx; if one returns without writing after
// the deadline passed, a 408 envelope is sent. Streaming routes must not use it.
func Timeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if c.Writer.Written() || !stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return
		}
		c.AbortWithStatusJSON(http.StatusRequestTimeout, types.NewErrorResponse(
			http.StatusRequestTimeout,
			c.Request.URL.Path,
			"Request timeout",
			errors.ErrUnavailable,
		))
	}
}
