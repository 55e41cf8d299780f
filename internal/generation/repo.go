package generation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Sessions

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) TouchSession(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", id).
		Update("last_active_at", at).Error
}

// Assets

func (r *Repo) CreateAsset(ctx context.Context, a *Asset) error {
	return r.db.WithContext(ctx).Create(a).Error
}

// SetAssetStorage finishes the two-phase asset create once the binary upload
// succeeded.
func (r *Repo) SetAssetStorage(ctx context.Context, id, storageKey string, byteSize int64, width, height int) error {
	return r.db.WithContext(ctx).Model(&Asset{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"storage_key": storageKey,
			"byte_size":   byteSize,
			"width":       width,
			"height":      height,
		}).Error
}

func (r *Repo) GetAsset(ctx context.Context, sessionID, id string) (*Asset, error) {
	var a Asset
	if err := r.db.WithContext(ctx).
		Where("id = ? AND session_id = ? AND deleted_at IS NULL", id, sessionID).
		First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAssetsByIDs resolves generation inputs. Rows still carrying the pending
// placeholder key have no stored binary yet and are excluded.
func (r *Repo) GetAssetsByIDs(ctx context.Context, sessionID string, ids []string) ([]Asset, error) {
	var assets []Asset
	if err := r.db.WithContext(ctx).
		Where("id IN ? AND session_id = ? AND deleted_at IS NULL AND storage_key <> ?", ids, sessionID, PendingStorageKey).
		Find(&assets).Error; err != nil {
		return nil, err
	}
	return assets, nil
}

func (r *Repo) ListAssets(ctx context.Context, sessionID string, limit int) ([]Asset, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var assets []Asset
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND deleted_at IS NULL", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&assets).Error; err != nil {
		return nil, err
	}
	return assets, nil
}

func (r *Repo) SoftDeleteAsset(ctx context.Context, sessionID, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Asset{}).
		Where("id = ? AND session_id = ? AND deleted_at IS NULL", id, sessionID).
		Update("deleted_at", at).Error
}

// Generations

// CreateGenerationWithAssets creates the generation row and its asset links
// in one transaction so a half-linked generation can never be observed.
func (r *Repo) CreateGenerationWithAssets(ctx context.Context, g *Generation, assetIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(g).Error; err != nil {
			return err
		}
		for _, assetID := range assetIDs {
			link := GenerationAsset{GenerationID: g.ID, AssetID: assetID}
			if err := tx.Create(&link).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) GetGeneration(ctx context.Context, sessionID, id string) (*Generation, error) {
	var g Generation
	if err := r.db.WithContext(ctx).
		Where("id = ? AND session_id = ? AND deleted_at IS NULL", id, sessionID).
		First(&g).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGenerationByID loads a generation regardless of owner. Soft-deleted rows
// are still excluded; only the admin purge path bypasses that.
func (r *Repo) GetGenerationByID(ctx context.Context, id string) (*Generation, error) {
	var g Generation
	if err := r.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&g).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *Repo) ListGenerations(ctx context.Context, sessionID string, limit int) ([]Generation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var gens []Generation
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND deleted_at IS NULL", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&gens).Error; err != nil {
		return nil, err
	}
	return gens, nil
}

func (r *Repo) GetGenerationAssets(ctx context.Context, generationID string) ([]Asset, error) {
	var assets []Asset
	if err := r.db.WithContext(ctx).
		Joins("JOIN generation_assets ON generation_assets.asset_id = assets.id").
		Where("generation_assets.generation_id = ?", generationID).
		Find(&assets).Error; err != nil {
		return nil, err
	}
	return assets, nil
}

// MarkProcessing flips the generation into processing and stamps the start
// time. Completed generations are never reopened, even by a late queue retry.
func (r *Repo) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Generation{}).
		Where("id = ? AND status <> ? AND deleted_at IS NULL", id, StatusCompleted).
		Updates(map[string]any{
			"status":     StatusProcessing,
			"started_at": at,
		}).Error
}

// SetVariations durably writes the variation total and resets the counter.
// The worker calls this before submitting any provider task so a fast
// callback can never observe an unknown total.
func (r *Repo) SetVariations(ctx context.Context, id string, total int) error {
	return r.db.WithContext(ctx).Model(&Generation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"variations_total": total,
			"variations_done":  0,
		}).Error
}

// AppendTask records a submitted provider task: appended to the ordered
// task-id list on the row and mirrored into generation_tasks, which serves as
// the contains-query index for the reconciler.
func (r *Repo) AppendTask(ctx context.Context, generationID, taskID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Task ids for one generation are only ever appended by the single
		// worker running its job, so read-modify-write is safe here.
		var g Generation
		if err := tx.First(&g, "id = ?", generationID).Error; err != nil {
			return err
		}
		g.TaskIDs = append(g.TaskIDs, taskID)
		if err := tx.Model(&Generation{}).
			Where("id = ?", generationID).
			Update("task_ids", g.TaskIDs).Error; err != nil {
			return err
		}
		return tx.Create(&GenerationTask{GenerationID: generationID, TaskID: taskID}).Error
	})
}

// FindByTaskID resolves the generation owning a provider task id.
func (r *Repo) FindByTaskID(ctx context.Context, taskID string) (*Generation, error) {
	var link GenerationTask
	if err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		First(&link).Error; err != nil {
		return nil, err
	}
	var g Generation
	if err := r.db.WithContext(ctx).
		First(&g, "id = ?", link.GenerationID).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *Repo) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Generation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         StatusFailed,
			"failure_reason": reason,
			"completed_at":   at,
		}).Error
}

// ResetForRetry re-arms a non-completed generation for another run.
func (r *Repo) ResetForRetry(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Generation{}).
		Where("id = ? AND status <> ?", id, StatusCompleted).
		Updates(map[string]any{
			"status":         StatusQueued,
			"failure_reason": nil,
			"completed_at":   nil,
		}).Error
}

func (r *Repo) SetFailureReason(ctx context.Context, id, reason string) error {
	return r.db.WithContext(ctx).Model(&Generation{}).
		Where("id = ?", id).
		Update("failure_reason", reason).Error
}

// IncrementDone bumps variations_done atomically at the storage layer and
// returns the fresh counters. The guard keeps the counter from overshooting
// the total under duplicate deliveries that slip past the output check.
func (r *Repo) IncrementDone(ctx context.Context, id string) (done int, total int, err error) {
	if err := r.db.WithContext(ctx).Model(&Generation{}).
		Where("id = ? AND variations_done < variations_total", id).
		UpdateColumn("variations_done", gorm.Expr("variations_done + ?", 1)).Error; err != nil {
		return 0, 0, err
	}
	var g Generation
	if err := r.db.WithContext(ctx).First(&g, "id = ?", id).Error; err != nil {
		return 0, 0, err
	}
	return g.VariationsDone, g.VariationsTotal, nil
}

// Finalize moves a processing generation to its terminal status. The status
// guard makes it first-caller-wins: concurrent reconcilers both seeing the
// counter reach the total will finalize exactly once.
func (r *Repo) Finalize(ctx context.Context, id string, status Status, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Generation{}).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Updates(map[string]any{
			"status":       status,
			"completed_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) SoftDeleteGeneration(ctx context.Context, sessionID, id string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Generation{}).
			Where("id = ? AND session_id = ? AND deleted_at IS NULL", id, sessionID).
			Update("deleted_at", at)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&GenerationOutput{}).
			Where("generation_id = ? AND deleted_at IS NULL", id).
			Update("deleted_at", at).Error
	})
}

// Outputs

func (r *Repo) OutputExists(ctx context.Context, generationID, taskID string) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&GenerationOutput{}).
		Where("generation_id = ? AND task_id = ?", generationID, taskID).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateOutput inserts the output row, ignoring the write when another
// delivery already recorded one for the same (generation, task) pair.
// Returns whether this call created the row.
func (r *Repo) CreateOutput(ctx context.Context, o *GenerationOutput) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "generation_id"}, {Name: "task_id"}},
			DoNothing: true,
		}).
		Create(o)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) CountOutputs(ctx context.Context, generationID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&GenerationOutput{}).
		Where("generation_id = ? AND deleted_at IS NULL", generationID).
		Count(&n).Error
	return n, err
}

func (r *Repo) ListOutputs(ctx context.Context, generationID string) ([]GenerationOutput, error) {
	var outs []GenerationOutput
	if err := r.db.WithContext(ctx).
		Where("generation_id = ? AND deleted_at IS NULL", generationID).
		Order("created_at ASC").
		Find(&outs).Error; err != nil {
		return nil, err
	}
	return outs, nil
}

// Jobs

// CreateJobOrGetExisting tries to create the queue dedup row; when a job for
// the same generation already exists it returns that one instead, so a
// re-enqueue never spawns a second concurrent execution.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	var existing Job
	getErr := r.db.WithContext(ctx).
		Where("generation_id = ?", job.GenerationID).
		First(&existing).Error
	if getErr == nil {
		return &existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *Repo) MarkJobRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":   JobRunning,
			"attempts": gorm.Expr("attempts + ?", 1),
		}).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": JobSucceeded, "error": nil}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": JobFailed, "error": errMsg}).Error
}

func (r *Repo) GetJobByGeneration(ctx context.Context, generationID string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).
		Where("generation_id = ?", generationID).
		First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// DeleteJobByGeneration clears the dedup row so an administrative retry can
// enqueue the generation again.
func (r *Repo) DeleteJobByGeneration(ctx context.Context, generationID string) error {
	return r.db.WithContext(ctx).
		Where("generation_id = ?", generationID).
		Delete(&Job{}).Error
}

// Job log

func (r *Repo) AppendLog(ctx context.Context, generationID *string, event string, detail map[string]any) error {
	entry := JobLog{GenerationID: generationID, Event: event}
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return err
		}
		entry.Detail = b
	}
	return r.db.WithContext(ctx).Create(&entry).Error
}

func (r *Repo) ListLogs(ctx context.Context, generationID string, limit int) ([]JobLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var logs []JobLog
	if err := r.db.WithContext(ctx).
		Where("generation_id = ?", generationID).
		Order("id ASC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// Retention / purge

func (r *Repo) ListExpiredGenerations(ctx context.Context, before time.Time, limit int) ([]Generation, error) {
	var gens []Generation
	if err := r.db.WithContext(ctx).
		Where("created_at < ? AND deleted_at IS NULL", before).
		Limit(limit).
		Find(&gens).Error; err != nil {
		return nil, err
	}
	return gens, nil
}

func (r *Repo) ListExpiredAssets(ctx context.Context, before time.Time, limit int) ([]Asset, error) {
	var assets []Asset
	if err := r.db.WithContext(ctx).
		Where("created_at < ? AND deleted_at IS NULL", before).
		Limit(limit).
		Find(&assets).Error; err != nil {
		return nil, err
	}
	return assets, nil
}

func (r *Repo) SoftDeleteAssetByID(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Asset{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", at).Error
}

// OutputsIncludingDeleted is the purge path's view: it must see soft-deleted
// rows to release their storage objects.
func (r *Repo) OutputsIncludingDeleted(ctx context.Context, generationID string) ([]GenerationOutput, error) {
	var outs []GenerationOutput
	if err := r.db.WithContext(ctx).
		Where("generation_id = ?", generationID).
		Find(&outs).Error; err != nil {
		return nil, err
	}
	return outs, nil
}

// PurgeGeneration hard-deletes a generation and its dependents. Job log rows
// are kept for audit.
func (r *Repo) PurgeGeneration(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("generation_id = ?", id).Delete(&GenerationOutput{}).Error; err != nil {
			return err
		}
		if err := tx.Where("generation_id = ?", id).Delete(&GenerationTask{}).Error; err != nil {
			return err
		}
		if err := tx.Where("generation_id = ?", id).Delete(&GenerationAsset{}).Error; err != nil {
			return err
		}
		if err := tx.Where("generation_id = ?", id).Delete(&Job{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Generation{}).Error
	})
}
