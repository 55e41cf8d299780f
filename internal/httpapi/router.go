package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stylecast/stylecast/internal/common"
	"github.com/stylecast/stylecast/internal/config"
	"github.com/stylecast/stylecast/internal/generation"
	"github.com/stylecast/stylecast/internal/httpapi/handlers"
	"github.com/stylecast/stylecast/internal/httpapi/middleware"
)

func NewRouter(cfg *config.Config, repo *generation.Repo, svc *generation.Service, store generation.ObjectStore, rec *generation.Reconciler, rdb *redis.Client, log zerolog.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.New(cfg, repo, svc, store, rec, log)

	r.GET("/healthz", func(c *gin.Context) {
		common.OK(c, gin.H{"status": "up"})
	})

	// Provider callback: no session, acked unconditionally.
	r.POST("/webhooks/kie", h.HandleKieWebhook)

	api := r.Group("/api")
	api.Use(middleware.Session(cfg.Session, repo, log))
	{
		api.POST("/assets", h.UploadAsset)
		api.GET("/assets", h.ListAssets)
		api.DELETE("/assets/:id", h.DeleteAsset)

		api.POST("/generations", middleware.RateLimit(rdb, cfg.RateLimit, log), h.CreateGeneration)
		api.GET("/generations", h.ListGenerations)
		api.GET("/generations/:id", h.GetGeneration)
		api.POST("/generations/:id/update", middleware.RateLimit(rdb, cfg.RateLimit, log), h.Regenerate)
		api.DELETE("/generations/:id", h.DeleteGeneration)
	}

	admin := r.Group("/admin")
	admin.Use(middleware.AdminRequired(cfg.AdminToken))
	{
		admin.POST("/generations/:id/retry", h.AdminRetryGeneration)
		admin.DELETE("/generations/:id", h.AdminPurgeGeneration)
		admin.GET("/generations/:id/log", h.AdminGenerationLog)
	}

	return r
}
