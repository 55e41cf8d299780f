package handlers

import (
	"github.com/rs/zerolog"

	"github.com/stylecast/stylecast/internal/config"
	"github.com/stylecast/stylecast/internal/generation"
)

type Handler struct {
	Cfg        *config.Config
	Repo       *generation.Repo
	Svc        *generation.Service
	Store      generation.ObjectStore
	Reconciler *generation.Reconciler
	Log        zerolog.Logger
}

func New(cfg *config.Config, repo *generation.Repo, svc *generation.Service, store generation.ObjectStore, rec *generation.Reconciler, log zerolog.Logger) *Handler {
	return &Handler{
		Cfg:        cfg,
		Repo:       repo,
		Svc:        svc,
		Store:      store,
		Reconciler: rec,
		Log:        log.With().Str("component", "httpapi").Logger(),
	}
}
