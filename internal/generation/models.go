package generation

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type AssetRole string

const (
	RoleModelPhoto AssetRole = "model_photo"
	RoleGarment    AssetRole = "garment"
	RoleFabric     AssetRole = "fabric"
	RoleStyleRef   AssetRole = "style_ref"
)

func ValidAssetRole(r AssetRole) bool {
	switch r {
	case RoleModelPhoto, RoleGarment, RoleFabric, RoleStyleRef:
		return true
	}
	return false
}

// Session is a pseudonymous client identity. There is no account system;
// ownership of assets and generations hangs off the session cookie.
type Session struct {
	ID           string    `gorm:"primaryKey;size:26" json:"id"`
	UserAgent    string    `gorm:"size:255" json:"-"`
	ClientIP     string    `gorm:"size:45" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func (Session) TableName() string { return "sessions" }

// PendingStorageKey marks an asset row whose binary upload has not completed.
// Rows carrying it are invisible to generation input selection.
const PendingStorageKey = "pending"

// Asset is an uploaded input image. StorageKey starts as PendingStorageKey and
// is filled in after the binary upload succeeds (the row id is needed to
// compute the storage path).
type Asset struct {
	ID          string     `gorm:"primaryKey;size:26" json:"id"`
	SessionID   string     `gorm:"size:26;index;not null" json:"-"`
	Role        AssetRole  `gorm:"size:16;not null" json:"role"`
	Filename    string     `gorm:"size:255;not null" json:"filename"`
	ContentType string     `gorm:"size:64;not null" json:"content_type"`
	ByteSize    int64      `gorm:"not null" json:"byte_size"`
	Width       int        `json:"width,omitempty"`
	Height      int        `json:"height,omitempty"`
	StorageKey  string     `gorm:"size:512;not null" json:"-"`
	DeletedAt   *time.Time `gorm:"index" json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (Asset) TableName() string { return "assets" }

// Generation is one user request to produce images. TaskIDs preserves the
// provider task submission order; the GenerationTask rows mirror it as a
// secondary index for the reconciler's task -> generation lookup.
type Generation struct {
	ID              string                                `gorm:"primaryKey;size:26" json:"id"`
	SessionID       string                                `gorm:"size:26;index;not null" json:"-"`
	ParentID        *string                               `gorm:"size:26;index" json:"parent_id,omitempty"`
	Prompt          string                                `gorm:"type:text;not null" json:"prompt"`
	Params          datatypes.JSONType[GenerationParams]  `json:"params"`
	Status          Status                                `gorm:"size:16;index;not null" json:"status"`
	TaskIDs         datatypes.JSONSlice[string]           `json:"task_ids"`
	VariationsTotal int                                   `gorm:"not null;default:0" json:"variations_total"`
	VariationsDone  int                                   `gorm:"not null;default:0" json:"variations_done"`
	FailureReason   *string                               `gorm:"type:text" json:"failure_reason,omitempty"`
	DeletedAt       *time.Time                            `gorm:"index" json:"-"`
	CreatedAt       time.Time                             `json:"created_at"`
	StartedAt       *time.Time                            `json:"started_at,omitempty"`
	CompletedAt     *time.Time                            `json:"completed_at,omitempty"`
}

func (Generation) TableName() string { return "generations" }

type GenerationAsset struct {
	GenerationID string `gorm:"primaryKey;size:26"`
	AssetID      string `gorm:"primaryKey;size:26;index"`
}

func (GenerationAsset) TableName() string { return "generation_assets" }

type GenerationTask struct {
	GenerationID string `gorm:"size:26;index;not null"`
	TaskID       string `gorm:"size:64;uniqueIndex;not null"`
}

func (GenerationTask) TableName() string { return "generation_tasks" }

// GenerationOutput is one produced image. The unique (generation_id, task_id)
// index doubles as the dedup ledger for repeated or racing task callbacks.
type GenerationOutput struct {
	ID           string     `gorm:"primaryKey;size:26" json:"id"`
	GenerationID string     `gorm:"size:26;index:idx_output_gen_task,unique,priority:1;not null" json:"-"`
	TaskID       string     `gorm:"size:64;index:idx_output_gen_task,unique,priority:2;not null" json:"task_id"`
	StorageKey   string     `gorm:"size:512;not null" json:"-"`
	ContentType  string     `gorm:"size:64;not null" json:"content_type"`
	ByteSize     int64      `gorm:"not null" json:"byte_size"`
	Width        int        `json:"width,omitempty"`
	Height       int        `json:"height,omitempty"`
	DeletedAt    *time.Time `gorm:"index" json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (GenerationOutput) TableName() string { return "generation_outputs" }

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is the queue dedup row: one enqueue per generation, enforced by the
// unique generation_id index rather than any broker-side locking.
type Job struct {
	ID           string    `gorm:"primaryKey;size:26"`
	GenerationID string    `gorm:"size:26;uniqueIndex;not null"`
	SessionID    string    `gorm:"size:26;index;not null"`
	Status       JobStatus `gorm:"size:16;index;not null"`
	Attempts     int       `gorm:"not null;default:0"`
	Error        *string   `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Job) TableName() string { return "jobs" }

// JobLog is an append-only audit trail. It is diagnostic only and is never
// consulted for control decisions.
type JobLog struct {
	ID           uint64         `gorm:"primaryKey;autoIncrement"`
	GenerationID *string        `gorm:"size:26;index"`
	Event        string         `gorm:"size:64;index;not null"`
	Detail       datatypes.JSON `gorm:"type:json"`
	CreatedAt    time.Time
}

func (JobLog) TableName() string { return "job_logs" }
