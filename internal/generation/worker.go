package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/stylecast/stylecast/internal/kie"
)

// WorkerOptions carries the provider and polling knobs for job execution.
type WorkerOptions struct {
	Model        string
	CallbackURL  string
	ProviderTTL  time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Worker executes one queue job: submit the provider tasks for a generation,
// then watch them through the bounded polling fallback. Webhook delivery is
// independent of this loop; both paths converge on the Reconciler.
type Worker struct {
	repo       *Repo
	tasks      TaskClient
	store      ObjectStore
	reconciler *Reconciler
	opts       WorkerOptions
	log        zerolog.Logger
}

func NewWorker(repo *Repo, tasks TaskClient, store ObjectStore, reconciler *Reconciler, opts WorkerOptions, log zerolog.Logger) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 10 * time.Minute
	}
	if opts.ProviderTTL <= 0 {
		opts.ProviderTTL = 2 * time.Hour
	}
	return &Worker{
		repo:       repo,
		tasks:      tasks,
		store:      store,
		reconciler: reconciler,
		opts:       opts,
		log:        log.With().Str("component", "generation.worker").Logger(),
	}
}

// Run executes the job for one generation. Errors during submission are
// returned so the queue's retry policy applies; per-task polling trouble only
// degrades that task.
func (w *Worker) Run(ctx context.Context, jobID, generationID string) error {
	_ = w.repo.MarkJobRunning(ctx, jobID)

	g, err := w.repo.GetGenerationByID(ctx, generationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Deleted or unknown generation: nothing to do, consume the job.
			w.log.Warn().Str("generation_id", generationID).
				Msg("job for missing generation dropped")
			_ = w.repo.MarkJobSucceeded(ctx, jobID)
			return nil
		}
		// Transient failure: keep the delivery for the queue's retry policy.
		return fmt.Errorf("load generation: %w", err)
	}
	if g.Status == StatusCompleted {
		_ = w.repo.MarkJobSucceeded(ctx, jobID)
		return nil
	}

	pending, err := w.submit(ctx, g)
	if err != nil {
		msg := err.Error()
		_ = w.repo.MarkFailed(ctx, g.ID, msg, time.Now())
		_ = w.repo.AppendLog(ctx, &g.ID, "job.failed", map[string]any{"error": msg})
		_ = w.repo.MarkJobFailed(ctx, jobID, msg)
		return err
	}

	w.poll(ctx, g.ID, pending)

	_ = w.repo.MarkJobSucceeded(ctx, jobID)
	return nil
}

// submit runs steps one through four of the job: mark processing, resolve
// provider-fetchable input URLs, persist the variation total, then create one
// provider task per variation. The total and every task id are durably
// written before the task could plausibly complete.
func (w *Worker) submit(ctx context.Context, g *Generation) ([]string, error) {
	now := time.Now()
	if err := w.repo.MarkProcessing(ctx, g.ID, now); err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	g.StartedAt = &now
	_ = w.repo.AppendLog(ctx, &g.ID, "job.started", nil)

	assets, err := w.repo.GetGenerationAssets(ctx, g.ID)
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("generation %s has no input assets", g.ID)
	}

	imageURLs := make([]string, 0, len(assets))
	for _, a := range assets {
		u, err := w.store.SignedURL(ctx, a.StorageKey, w.opts.ProviderTTL)
		if err != nil {
			return nil, fmt.Errorf("sign asset %s: %w", a.ID, err)
		}
		imageURLs = append(imageURLs, u)
	}

	params := g.Params.Data().Normalized()
	total := params.VariationCount

	if err := w.repo.SetVariations(ctx, g.ID, total); err != nil {
		return nil, fmt.Errorf("set variation total: %w", err)
	}

	req := kie.TaskRequest{
		Model:        w.opts.Model,
		Prompt:       g.Prompt,
		ImageURLs:    imageURLs,
		AspectRatio:  MapAspectRatio(params.Framing),
		Resolution:   MapResolution(params.ResolutionTier),
		OutputFormat: params.OutputFormat,
		CallbackURL:  w.opts.CallbackURL,
	}

	taskIDs := make([]string, 0, total)
	for i := 0; i < total; i++ {
		taskID, err := w.tasks.CreateTask(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("submit task %d/%d: %w", i+1, total, err)
		}
		if err := w.repo.AppendTask(ctx, g.ID, taskID); err != nil {
			return nil, fmt.Errorf("record task %s: %w", taskID, err)
		}
		_ = w.repo.AppendLog(ctx, &g.ID, "task.submitted", map[string]any{
			"task_id": taskID,
			"index":   i,
		})
		taskIDs = append(taskIDs, taskID)
	}
	return taskIDs, nil
}

// poll is the bounded fallback loop for deployments where the provider cannot
// reach the webhook. Terminal tasks are handed to the Reconciler; whatever is
// still pending at the wall-clock ceiling is abandoned here and remains
// recoverable via a late webhook or an administrative retry.
func (w *Worker) poll(ctx context.Context, generationID string, taskIDs []string) {
	pending := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		pending[id] = struct{}{}
	}

	deadline := time.Now().Add(w.opts.PollTimeout)
	for len(pending) > 0 {
		for taskID := range pending {
			rec, err := w.tasks.QueryTask(ctx, taskID)
			if err != nil {
				w.log.Warn().Err(err).Str("task_id", taskID).Msg("poll query failed")
				continue
			}
			if !kie.Terminal(rec.State) {
				continue
			}
			if err := w.reconciler.Reconcile(ctx, taskID, rec.State, rec.ResultJSON, rec.FailMsg); err != nil {
				// Keep it pending; the next round or the webhook will retry.
				w.log.Error().Err(err).Str("task_id", taskID).Msg("reconcile from poll failed")
				continue
			}
			delete(pending, taskID)
		}

		if len(pending) == 0 {
			return
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.PollInterval):
		}
	}

	if len(pending) > 0 {
		left := make([]string, 0, len(pending))
		for id := range pending {
			left = append(left, id)
		}
		w.log.Warn().Str("generation_id", generationID).Strs("task_ids", left).
			Msg("polling ceiling reached, abandoning pending tasks")
	}
}
