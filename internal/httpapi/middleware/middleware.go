package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stylecast/stylecast/internal/common"
)

const RequestIDHeader = "X-Request-ID"

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set("request_id", rid)
		c.Header(RequestIDHeader, rid)
		c.Next()
	}
}

func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).
					Msg("handler panic")
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// AdminRequired guards administrative endpoints with a static bearer token.
func AdminRequired(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			common.Fail(c, http.StatusForbidden, 40300, "admin access disabled")
			c.Abort()
			return
		}
		if c.GetHeader("X-Admin-Token") != token {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid admin token")
			c.Abort()
			return
		}
		c.Next()
	}
}
