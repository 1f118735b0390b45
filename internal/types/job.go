package types

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition encodes the lifecycle graph
// pending -> in_progress -> {completed, failed, cancelled}. Terminal
// statuses are immutable; cancellation may strike while still pending.
func (s JobStatus) CanTransition(to JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case JobPending:
		return to == JobInProgress || to == JobCancelled || to == JobFailed
	case JobInProgress:
		return to.Terminal()
	}
	return false
}

// Job is the in-memory view of an asynchronous unit of work.
type Job struct {
	JobID     string         `json:"job_id"`
	JobType   string         `json:"job_type"`
	SessionID string         `json:"session_id,omitempty"`
	TargetUID string         `json:"target_uid,omitempty"`
	Status    JobStatus      `json:"status"`
	Phase     string         `json:"phase,omitempty"`
	Progress  int            `json:"progress"`
	Params    map[string]any `json:"params,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// JobRun is the durable tier of a Job, mirrored into the record store on
// every status change so listings survive restarts.
type JobRun struct {
	ID        string         `gorm:"primaryKey;column:id" json:"id"`
	JobType   string         `gorm:"column:job_type;not null;index" json:"job_type"`
	SessionID string         `gorm:"column:session_id;index" json:"session_id,omitempty"`
	TargetUID string         `gorm:"column:target_uid;index" json:"target_uid,omitempty"`
	Status    string         `gorm:"column:status;not null;index" json:"status"`
	Phase     string         `gorm:"column:phase" json:"phase,omitempty"`
	Progress  int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Params    datatypes.JSON `gorm:"column:params" json:"params,omitempty"`
	Result    datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	Error     string         `gorm:"column:error" json:"error,omitempty"`
	ErrorCode string         `gorm:"column:error_code" json:"error_code,omitempty"`
	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (JobRun) TableName() string { return "job_run" }

// AssetPipelineJob phases, in order. Each phase boundary is a cancellation
// checkpoint and a rollback point for allocated UIDs.
const (
	PhaseResolvingUser       = "resolving_user"
	PhaseFetchingMetadata    = "fetching_metadata"
	PhaseDownloadingModel    = "downloading_model"
	PhaseDownloadingTextures = "downloading_textures"
	PhaseProcessingFiles     = "processing_files"
	PhaseConverting          = "converting"
	PhaseImporting           = "importing"
	PhaseCompleted           = "completed"
)
