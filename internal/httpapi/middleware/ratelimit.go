package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stylecast/stylecast/internal/common"
	"github.com/stylecast/stylecast/internal/config"
)

// RateLimit is a fixed-window counter per session, backed by redis. It only
// guards generation submission; read paths are unmetered. Redis being down
// fails open with a logged warning.
func RateLimit(rdb *redis.Client, cfg config.RateLimitConfig, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid, ok := SessionID(c)
		if !ok {
			c.Next()
			return
		}

		window := time.Now().Unix() / int64(cfg.Window/time.Second)
		key := fmt.Sprintf("rl:gen:%s:%d", sid, window)

		n, err := rdb.Incr(c.Request.Context(), key).Result()
		if err != nil {
			log.Warn().Err(err).Msg("rate limiter unavailable")
			c.Next()
			return
		}
		if n == 1 {
			rdb.Expire(c.Request.Context(), key, cfg.Window)
		}
		if n > int64(cfg.Max) {
			common.Fail(c, http.StatusTooManyRequests, 42900, "too many generation requests")
			c.Abort()
			return
		}
		c.Next()
	}
}
