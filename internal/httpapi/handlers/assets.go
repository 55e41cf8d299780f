package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/stylecast/stylecast/internal/common"
	"github.com/stylecast/stylecast/internal/generation"
	"github.com/stylecast/stylecast/internal/httpapi/middleware"
)

const maxUploadBytes = 16 << 20

var allowedUploadTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// UploadAsset accepts a multipart image upload. The row is created first with
// a placeholder storage key so the id can name the object, then the binary is
// uploaded and the key written back.
func (h *Handler) UploadAsset(c *gin.Context) {
	sid, ok := middleware.SessionID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "no session")
		return
	}

	role := generation.AssetRole(c.PostForm("role"))
	if !generation.ValidAssetRole(role) {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid asset role")
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "file is required")
		return
	}
	if fileHeader.Size > maxUploadBytes {
		common.Fail(c, http.StatusRequestEntityTooLarge, 10004, "file too large")
		return
	}

	contentType := fileHeader.Header.Get("Content-Type")
	ext, allowed := allowedUploadTypes[contentType]
	if !allowed {
		common.Fail(c, http.StatusBadRequest, 10005, "unsupported content type")
		return
	}

	id, err := generation.NewID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to store asset")
		return
	}

	asset := &generation.Asset{
		ID:          id,
		SessionID:   sid,
		Role:        role,
		Filename:    filepath.Base(fileHeader.Filename),
		ContentType: contentType,
		StorageKey:  generation.PendingStorageKey,
	}
	if err := h.Repo.CreateAsset(c.Request.Context(), asset); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to store asset")
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "unreadable upload")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "unreadable upload")
		return
	}

	key := fmt.Sprintf("assets/%s/%s%s", sid, asset.ID, ext)
	if err := h.Store.Upload(c.Request.Context(), key, data, contentType); err != nil {
		h.Log.Error().Err(err).Str("asset_id", asset.ID).Msg("asset upload failed")
		h.discardPendingAsset(c, sid, asset.ID)
		common.Fail(c, http.StatusBadGateway, 50203, "storage upload failed")
		return
	}
	if err := h.Repo.SetAssetStorage(c.Request.Context(), asset.ID, key, int64(len(data)), 0, 0); err != nil {
		h.discardPendingAsset(c, sid, asset.ID)
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to store asset")
		return
	}
	asset.StorageKey = key
	asset.ByteSize = int64(len(data))

	common.OK(c, asset)
}

// discardPendingAsset removes the half-created row after a failed upload so
// it can never be selected as a generation input.
func (h *Handler) discardPendingAsset(c *gin.Context, sessionID, assetID string) {
	if err := h.Repo.SoftDeleteAsset(c.Request.Context(), sessionID, assetID, time.Now()); err != nil {
		h.Log.Warn().Err(err).Str("asset_id", assetID).Msg("discard pending asset failed")
	}
}

func (h *Handler) ListAssets(c *gin.Context) {
	sid, ok := middleware.SessionID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "no session")
		return
	}

	assets, err := h.Repo.ListAssets(c.Request.Context(), sid, 0)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to list assets")
		return
	}

	type assetView struct {
		generation.Asset
		URL string `json:"url"`
	}
	views := make([]assetView, 0, len(assets))
	for _, a := range assets {
		url, err := h.Store.SignedURL(c.Request.Context(), a.StorageKey, h.Cfg.Storage.DownloadTTL)
		if err != nil {
			h.Log.Warn().Err(err).Str("asset_id", a.ID).Msg("sign asset url failed")
		}
		views = append(views, assetView{Asset: a, URL: url})
	}
	common.OK(c, gin.H{"assets": views})
}

func (h *Handler) DeleteAsset(c *gin.Context) {
	sid, ok := middleware.SessionID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "no session")
		return
	}

	id := c.Param("id")
	if _, err := h.Repo.GetAsset(c.Request.Context(), sid, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "asset not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to delete asset")
		return
	}
	if err := h.Repo.SoftDeleteAsset(c.Request.Context(), sid, id, time.Now()); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to delete asset")
		return
	}
	common.OK(c, gin.H{"deleted": id})
}
