package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/stylecast/stylecast/internal/kie"
)

// TaskClient is the slice of the provider API the worker and reconciler need.
type TaskClient interface {
	CreateTask(ctx context.Context, req kie.TaskRequest) (string, error)
	QueryTask(ctx context.Context, taskID string) (*kie.TaskRecord, error)
}

// ObjectStore is the binary asset store.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, keys []string) error
}

// JobPublisher pushes job messages onto the work queue.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID, generationID, sessionID string) error
}

var (
	ErrEmptyPrompt  = errors.New("generation: prompt is required")
	ErrNoAssets     = errors.New("generation: at least one input asset is required")
	ErrAssetMissing = errors.New("generation: referenced asset not found")
)

type Service struct {
	repo      *Repo
	publisher JobPublisher
	log       zerolog.Logger
}

func NewService(repo *Repo, publisher JobPublisher, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		log:       log.With().Str("component", "generation.service").Logger(),
	}
}

type CreateInput struct {
	Prompt   string
	AssetIDs []string
	ParentID string
	Params   GenerationParams
}

// Create validates the input assets, creates the generation atomically with
// its asset links, and enqueues the job.
func (s *Service) Create(ctx context.Context, sessionID string, in CreateInput) (*Generation, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if len(in.AssetIDs) == 0 {
		return nil, ErrNoAssets
	}

	assets, err := s.repo.GetAssetsByIDs(ctx, sessionID, in.AssetIDs)
	if err != nil {
		return nil, err
	}
	if len(assets) != len(in.AssetIDs) {
		return nil, ErrAssetMissing
	}

	id, err := NewID()
	if err != nil {
		return nil, err
	}

	g := &Generation{
		ID:        id,
		SessionID: sessionID,
		Prompt:    in.Prompt,
		Status:    StatusQueued,
	}
	if in.ParentID != "" {
		parent := in.ParentID
		g.ParentID = &parent
	}
	g.Params = datatypes.NewJSONType(in.Params.Normalized())

	if err := s.repo.CreateGenerationWithAssets(ctx, g, in.AssetIDs); err != nil {
		return nil, err
	}
	_ = s.repo.AppendLog(ctx, &g.ID, "generation.created", map[string]any{
		"session_id": sessionID,
		"assets":     len(in.AssetIDs),
	})

	if _, _, err := s.Enqueue(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// Regenerate creates a child generation reusing the parent's input assets.
// Empty prompt or zero-valued params fall back to the parent's.
func (s *Service) Regenerate(ctx context.Context, sessionID, parentID, prompt string, params GenerationParams) (*Generation, error) {
	parent, err := s.repo.GetGeneration(ctx, sessionID, parentID)
	if err != nil {
		return nil, err
	}
	assets, err := s.repo.GetGenerationAssets(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	assetIDs := make([]string, 0, len(assets))
	for _, a := range assets {
		if a.DeletedAt == nil {
			assetIDs = append(assetIDs, a.ID)
		}
	}
	if len(assetIDs) == 0 {
		return nil, ErrNoAssets
	}

	if strings.TrimSpace(prompt) == "" {
		prompt = parent.Prompt
	}
	if (params == GenerationParams{}) {
		params = parent.Params.Data()
	}

	return s.Create(ctx, sessionID, CreateInput{
		Prompt:   prompt,
		AssetIDs: assetIDs,
		ParentID: parent.ID,
		Params:   params,
	})
}

// Enqueue creates the dedup job row and publishes the queue message. The
// generation id is the dedup key: when a job row for it already exists the
// existing job is returned and nothing is published.
func (s *Service) Enqueue(ctx context.Context, g *Generation) (*Job, bool, error) {
	jobID, err := NewID()
	if err != nil {
		return nil, false, err
	}
	job := &Job{
		ID:           jobID,
		GenerationID: g.ID,
		SessionID:    g.SessionID,
		Status:       JobQueued,
	}

	job, created, err := s.repo.CreateJobOrGetExisting(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if !created {
		s.log.Debug().Str("generation_id", g.ID).Str("job_id", job.ID).
			Msg("generation already enqueued")
		return job, false, nil
	}

	if err := s.publisher.PublishJob(ctx, job.ID, g.ID, g.SessionID); err != nil {
		// Roll the dedup row back so a later submit attempt can enqueue again.
		_ = s.repo.DeleteJobByGeneration(ctx, g.ID)
		return nil, false, fmt.Errorf("publish job: %w", err)
	}
	return job, true, nil
}

func (s *Service) Get(ctx context.Context, sessionID, id string) (*Generation, []GenerationOutput, error) {
	g, err := s.repo.GetGeneration(ctx, sessionID, id)
	if err != nil {
		return nil, nil, err
	}
	outs, err := s.repo.ListOutputs(ctx, g.ID)
	if err != nil {
		return nil, nil, err
	}
	return g, outs, nil
}

func (s *Service) List(ctx context.Context, sessionID string, limit int) ([]Generation, error) {
	return s.repo.ListGenerations(ctx, sessionID, limit)
}

// Delete soft-deletes the generation and its outputs. There is no cancel
// signal to in-flight provider tasks; late callbacks for a deleted generation
// are dropped by the reconciler.
func (s *Service) Delete(ctx context.Context, sessionID, id string) error {
	return s.repo.SoftDeleteGeneration(ctx, sessionID, id, time.Now())
}

// Retry is the administrative re-run of a failed generation: clear the dedup
// row, reset the row to queued, enqueue again.
func (s *Service) Retry(ctx context.Context, generationID string) (*Job, error) {
	g, err := s.repo.GetGenerationByID(ctx, generationID)
	if err != nil {
		return nil, err
	}
	if g.Status == StatusCompleted {
		return nil, fmt.Errorf("generation %s already completed", generationID)
	}

	if err := s.repo.DeleteJobByGeneration(ctx, g.ID); err != nil {
		return nil, err
	}
	if err := s.repo.ResetForRetry(ctx, g.ID); err != nil {
		return nil, err
	}
	_ = s.repo.AppendLog(ctx, &g.ID, "admin.retry", nil)

	job, _, err := s.Enqueue(ctx, g)
	return job, err
}

// Purge hard-deletes a generation and releases its storage objects. Input
// assets are left alone since they may be shared with other generations.
func (s *Service) Purge(ctx context.Context, store ObjectStore, generationID string) error {
	outs, err := s.repo.OutputsIncludingDeleted(ctx, generationID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	keys := make([]string, 0, len(outs))
	for _, o := range outs {
		keys = append(keys, o.StorageKey)
	}
	if len(keys) > 0 {
		if err := store.Delete(ctx, keys); err != nil {
			s.log.Warn().Err(err).Str("generation_id", generationID).
				Msg("purge: storage delete failed")
		}
	}
	if err := s.repo.PurgeGeneration(ctx, generationID); err != nil {
		return err
	}
	_ = s.repo.AppendLog(ctx, &generationID, "admin.purge", map[string]any{
		"outputs": len(keys),
	})
	return nil
}
