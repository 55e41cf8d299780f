package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/stylecast/stylecast/internal/kie"
)

const maxOutputBytes = 32 << 20

// Reconciler converges provider task outcomes into generation state. It is
// invoked from the webhook handler and from the worker's polling loop,
// possibly concurrently and repeatedly for the same task id; the output row's
// unique (generation_id, task_id) index makes every delivery after the first
// a no-op.
type Reconciler struct {
	repo  *Repo
	store ObjectStore
	fetch *http.Client
	log   zerolog.Logger
}

func NewReconciler(repo *Repo, store ObjectStore, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		repo:  repo,
		store: store,
		fetch: &http.Client{Timeout: 60 * time.Second},
		log:   log.With().Str("component", "generation.reconciler").Logger(),
	}
}

// Reconcile handles one terminal task notification.
func (rc *Reconciler) Reconcile(ctx context.Context, taskID, state, resultPayload, failMsg string) error {
	g, err := rc.repo.FindByTaskID(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Stale, foreign or forged callback. Not an error.
			rc.log.Debug().Str("task_id", taskID).Msg("callback for unknown task ignored")
			return nil
		}
		return err
	}
	if g.DeletedAt != nil {
		rc.log.Debug().Str("task_id", taskID).Str("generation_id", g.ID).
			Msg("callback for deleted generation ignored")
		return nil
	}

	exists, err := rc.repo.OutputExists(ctx, g.ID, taskID)
	if err != nil {
		return err
	}
	if exists {
		rc.log.Debug().Str("task_id", taskID).Msg("task already reconciled")
		return nil
	}

	_ = rc.repo.AppendLog(ctx, &g.ID, "kie.callback", map[string]any{
		"task_id": taskID,
		"state":   state,
	})

	if state == kie.StateFail {
		msg := failMsg
		if msg == "" {
			msg = "provider reported task failure"
		}
		// Last failure wins; successes are recorded as outputs either way.
		if err := rc.repo.SetFailureReason(ctx, g.ID, msg); err != nil {
			return err
		}
		return rc.accountVariation(ctx, g)
	}

	rc.storeOutputs(ctx, g, taskID, resultPayload)
	return rc.accountVariation(ctx, g)
}

// storeOutputs fetches the produced image and records the output row. Fetch
// or upload failures are logged and skipped: a missing output costs one
// variation, never the job.
func (rc *Reconciler) storeOutputs(ctx context.Context, g *Generation, taskID, resultPayload string) {
	urls, err := kie.ParseResultURLs(resultPayload)
	if err != nil {
		rc.log.Warn().Err(err).Str("task_id", taskID).Msg("unusable result payload")
		return
	}

	for _, u := range urls {
		data, contentType, err := rc.download(ctx, u)
		if err != nil {
			rc.log.Warn().Err(err).Str("task_id", taskID).Str("url", u).
				Msg("output fetch failed, skipping")
			continue
		}

		key := fmt.Sprintf("outputs/%s/%s-%s%s", g.ID, taskID, uuid.NewString()[:8], extensionFor(contentType))
		if err := rc.store.Upload(ctx, key, data, contentType); err != nil {
			rc.log.Warn().Err(err).Str("task_id", taskID).Str("key", key).
				Msg("output upload failed, skipping")
			continue
		}

		id, err := NewID()
		if err != nil {
			rc.log.Warn().Err(err).Str("task_id", taskID).Msg("output id generation failed")
			continue
		}
		created, err := rc.repo.CreateOutput(ctx, &GenerationOutput{
			ID:           id,
			GenerationID: g.ID,
			TaskID:       taskID,
			StorageKey:   key,
			ContentType:  contentType,
			ByteSize:     int64(len(data)),
		})
		if err != nil {
			rc.log.Warn().Err(err).Str("task_id", taskID).Msg("output row create failed")
			continue
		}
		if !created {
			// A racing delivery recorded the output first; drop our copy.
			_ = rc.store.Delete(ctx, []string{key})
		}
		// One output row per task. Extra URLs in the payload are ignored.
		return
	}
}

// accountVariation bumps the completion counter and finalizes the generation
// once every variation is accounted for. The status-guarded finalize makes
// sure only one of two racing reconcilers writes the terminal state.
func (rc *Reconciler) accountVariation(ctx context.Context, g *Generation) error {
	done, total, err := rc.repo.IncrementDone(ctx, g.ID)
	if err != nil {
		return err
	}
	if total == 0 || done < total {
		return nil
	}

	outputs, err := rc.repo.CountOutputs(ctx, g.ID)
	if err != nil {
		return err
	}
	status := StatusCompleted
	if outputs == 0 {
		status = StatusFailed
	}

	now := time.Now()
	won, err := rc.repo.Finalize(ctx, g.ID, status, now)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	evt := rc.log.Info().
		Str("generation_id", g.ID).
		Str("status", string(status)).
		Int("variations", total).
		Int64("outputs", outputs)
	if g.StartedAt != nil {
		evt = evt.Int64("latency_ms", now.Sub(*g.StartedAt).Milliseconds())
	}
	evt.Msg("generation finished")

	_ = rc.repo.AppendLog(ctx, &g.ID, "generation."+string(status), map[string]any{
		"outputs": outputs,
	})
	return nil
}

func (rc *Reconciler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := rc.fetch.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch output: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes))
	if err != nil {
		return nil, "", err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return data, contentType, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/png":
		return ".png"
	default:
		return ".png"
	}
}
