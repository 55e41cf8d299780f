package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/stylecast/stylecast/internal/common"
	"github.com/stylecast/stylecast/internal/generation"
	"github.com/stylecast/stylecast/internal/httpapi/middleware"
)

type createGenerationReq struct {
	Prompt   string                      `json:"prompt" binding:"required"`
	AssetIDs []string                    `json:"asset_ids" binding:"required"`
	Params   generation.GenerationParams `json:"params"`
}

func (h *Handler) CreateGeneration(c *gin.Context) {
	sid, ok := middleware.SessionID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "no session")
		return
	}

	var req createGenerationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	g, err := h.Svc.Create(c.Request.Context(), sid, generation.CreateInput{
		Prompt:   req.Prompt,
		AssetIDs: req.AssetIDs,
		Params:   req.Params,
	})
	if err != nil {
		switch {
		case errors.Is(err, generation.ErrEmptyPrompt),
			errors.Is(err, generation.ErrNoAssets),
			errors.Is(err, generation.ErrAssetMissing):
			common.Fail(c, http.StatusBadRequest, 10006, err.Error())
		default:
			h.Log.Error().Err(err).Msg("create generation failed")
			common.Fail(c, http.StatusInternalServerError, 50005, "failed to create generation")
		}
		return
	}

	common.OK(c, g)
}

type regenerateReq struct {
	Prompt string                      `json:"prompt"`
	Params generation.GenerationParams `json:"params"`
}

// Regenerate creates a child generation on the same inputs (the "update"
// lineage flow).
func (h *Handler) Regenerate(c *gin.Context) {
	sid, ok := middleware.SessionID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "no session")
		return
	}

	var req regenerateReq
	_ = c.ShouldBindJSON(&req) // empty body reuses the parent's prompt/params

	g, err := h.Svc.Regenerate(c.Request.Context(), sid, c.Param("id"), req.Prompt, req.Params)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "generation not found")
			return
		}
		h.Log.Error().Err(err).Msg("regenerate failed")
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to create generation")
		return
	}

	common.OK(c, g)
}

type outputView struct {
	generation.GenerationOutput
	URL string `json:"url"`
}

func (h *Handler) outputViews(c *gin.Context, outs []generation.GenerationOutput) []outputView {
	views := make([]outputView, 0, len(outs))
	for _, o := range outs {
		url, err := h.Store.SignedURL(c.Request.Context(), o.StorageKey, h.Cfg.Storage.DownloadTTL)
		if err != nil {
			h.Log.Warn().Err(err).Str("output_id", o.ID).Msg("sign output url failed")
		}
		views = append(views, outputView{GenerationOutput: o, URL: url})
	}
	return views
}

func (h *Handler) GetGeneration(c *gin.Context) {
	sid, ok := middleware.SessionID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "no session")
		return
	}

	g, outs, err := h.Svc.Get(c.Request.Context(), sid, c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "generation not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50006, "failed to load generation")
		return
	}

	common.OK(c, gin.H{
		"generation": g,
		"outputs":    h.outputViews(c, outs),
	})
}

func (h *Handler) ListGenerations(c *gin.Context) {
	sid, ok := middleware.SessionID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "no session")
		return
	}

	gens, err := h.Svc.List(c.Request.Context(), sid, 0)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50006, "failed to list generations")
		return
	}

	type generationView struct {
		generation.Generation
		Outputs []outputView `json:"outputs"`
	}
	views := make([]generationView, 0, len(gens))
	for _, g := range gens {
		outs, err := h.Repo.ListOutputs(c.Request.Context(), g.ID)
		if err != nil {
			common.Fail(c, http.StatusInternalServerError, 50006, "failed to list generations")
			return
		}
		views = append(views, generationView{Generation: g, Outputs: h.outputViews(c, outs)})
	}
	common.OK(c, gin.H{"generations": views})
}

func (h *Handler) DeleteGeneration(c *gin.Context) {
	sid, ok := middleware.SessionID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "no session")
		return
	}

	if err := h.Svc.Delete(c.Request.Context(), sid, c.Param("id")); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "generation not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50007, "failed to delete generation")
		return
	}
	common.OK(c, gin.H{"deleted": c.Param("id"), "deleted_at": time.Now()})
}
