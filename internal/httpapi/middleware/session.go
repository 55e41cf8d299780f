package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/stylecast/stylecast/internal/common"
	"github.com/stylecast/stylecast/internal/config"
	"github.com/stylecast/stylecast/internal/generation"
)

const SessionIDKey = "session_id"

type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Session resolves the pseudonymous session from the signed cookie, minting a
// session row and cookie on first contact. There are no accounts; the session
// id is the sole ownership scope.
func Session(cfg config.SessionConfig, repo *generation.Repo, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sid, err := sessionFromCookie(c, cfg); err == nil {
			if _, err := repo.GetSession(c.Request.Context(), sid); err == nil {
				_ = repo.TouchSession(c.Request.Context(), sid, time.Now())
				c.Set(SessionIDKey, sid)
				c.Next()
				return
			}
		}

		sid, err := generation.NewID()
		if err != nil {
			common.Fail(c, http.StatusInternalServerError, 50001, "session init failed")
			c.Abort()
			return
		}
		now := time.Now()
		sess := &generation.Session{
			ID:           sid,
			UserAgent:    c.Request.UserAgent(),
			ClientIP:     c.ClientIP(),
			CreatedAt:    now,
			LastActiveAt: now,
		}
		if err := repo.CreateSession(c.Request.Context(), sess); err != nil {
			log.Error().Err(err).Msg("create session")
			common.Fail(c, http.StatusInternalServerError, 50001, "session init failed")
			c.Abort()
			return
		}

		token, err := signSession(sid, cfg)
		if err != nil {
			common.Fail(c, http.StatusInternalServerError, 50001, "session init failed")
			c.Abort()
			return
		}
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(cfg.CookieName, token, int(cfg.TTL/time.Second), "/", "", false, true)
		c.Set(SessionIDKey, sid)
		c.Next()
	}
}

func sessionFromCookie(c *gin.Context, cfg config.SessionConfig) (string, error) {
	raw, err := c.Cookie(cfg.CookieName)
	if err != nil {
		return "", err
	}
	var claims sessionClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil || !tok.Valid || claims.SessionID == "" {
		return "", errors.New("invalid session cookie")
	}
	return claims.SessionID, nil
}

func signSession(sid string, cfg config.SessionConfig) (string, error) {
	claims := sessionClaims{
		SessionID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(cfg.TTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

func SessionID(c *gin.Context) (string, bool) {
	v, ok := c.Get(SessionIDKey)
	if !ok {
		return "", false
	}
	sid, ok := v.(string)
	return sid, ok && sid != ""
}
