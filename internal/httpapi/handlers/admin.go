package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/stylecast/stylecast/internal/common"
)

// AdminRetryGeneration re-enqueues a failed generation. The dedup row is
// cleared first, so this is the one path that can run a generation twice.
func (h *Handler) AdminRetryGeneration(c *gin.Context) {
	job, err := h.Svc.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "generation not found")
			return
		}
		common.Fail(c, http.StatusConflict, 40901, err.Error())
		return
	}
	common.OK(c, gin.H{"job_id": job.ID})
}

// AdminPurgeGeneration hard-deletes a generation and its storage objects.
func (h *Handler) AdminPurgeGeneration(c *gin.Context) {
	if err := h.Svc.Purge(c.Request.Context(), h.Store, c.Param("id")); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50008, "purge failed")
		return
	}
	common.OK(c, gin.H{"purged": c.Param("id")})
}

// AdminGenerationLog returns the append-only job log for a generation.
func (h *Handler) AdminGenerationLog(c *gin.Context) {
	logs, err := h.Repo.ListLogs(c.Request.Context(), c.Param("id"), 0)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50009, "failed to load log")
		return
	}
	common.OK(c, gin.H{"events": logs})
}
