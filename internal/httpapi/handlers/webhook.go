package handlers

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stylecast/stylecast/internal/kie"
)

// kieCallback mirrors the provider's webhook body. Terminal task records are
// pushed here in the same shape the polling endpoint returns.
type kieCallback struct {
	Code int `json:"code"`
	Data struct {
		TaskID     string `json:"taskId"`
		State      string `json:"state"`
		ResultJSON string `json:"resultJson"`
		FailMsg    string `json:"failMsg"`
	} `json:"data"`
}

// HandleKieWebhook acknowledges the provider immediately and reconciles in
// the background. The provider is never asked to retry because of internal
// problems: malformed bodies and non-terminal states are acked and dropped.
func (h *Handler) HandleKieWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	ack := gin.H{"status": "ok"}
	if err != nil {
		h.Log.Warn().Err(err).Msg("webhook body read failed")
		c.JSON(200, ack)
		return
	}

	var cb kieCallback
	if err := json.Unmarshal(body, &cb); err != nil || cb.Data.TaskID == "" {
		h.Log.Warn().Err(err).Msg("malformed webhook payload dropped")
		c.JSON(200, ack)
		return
	}
	if !kie.Terminal(cb.Data.State) {
		c.JSON(200, ack)
		return
	}

	c.JSON(200, ack)

	// Fire and forget: the request context dies with the response, so the
	// reconciliation runs on its own deadline.
	data := cb.Data
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := h.Reconciler.Reconcile(ctx, data.TaskID, data.State, data.ResultJSON, data.FailMsg); err != nil {
			h.Log.Error().Err(err).Str("task_id", data.TaskID).
				Msg("webhook reconcile failed")
		}
	}()
}
