package core

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TaskStatus is the lifecycle state of a Task row.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "QUEUED"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is the finest unit of work the orchestrator observes. taskId is
// deterministic: hash(jobId, stage, semanticIndex), so redelivered
// createTasks output never produces duplicate rows.
type Task struct {
	TaskID        string         `gorm:"column:task_id;primaryKey" json:"task_id"`
	JobID         string         `gorm:"column:job_id;not null;index:idx_task_job_stage_status" json:"job_id"`
	Stage         int            `gorm:"column:stage;not null;index:idx_task_job_stage_status" json:"stage"`
	SemanticIndex string         `gorm:"column:semantic_index;not null" json:"semantic_index"`
	TaskType      string         `gorm:"column:task_type;not null;index" json:"task_type"`
	Parameters    datatypes.JSON `gorm:"column:parameters;type:jsonb;not null" json:"parameters"`
	Status        TaskStatus     `gorm:"column:status;not null;index:idx_task_job_stage_status;index:idx_task_status_heartbeat" json:"status"`
	Result        datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	ErrorContext  datatypes.JSON `gorm:"column:error_context;type:jsonb" json:"error_context,omitempty"`
	AttemptCount  int            `gorm:"column:attempt_count;not null;default:0" json:"attempt_count"`
	MaxRetries    int            `gorm:"column:max_retries;not null" json:"max_retries"`
	Heartbeat     *time.Time     `gorm:"column:heartbeat;index:idx_task_status_heartbeat" json:"heartbeat,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Task) TableName() string { return "task" }

// StageOutcome is the authoritative classification returned by
// completeTaskAndCheckStage, computed under the job row lock.
type StageOutcome string

const (
	StageContinues       StageOutcome = "STAGE_CONTINUES"
	StageCompleteSuccess StageOutcome = "STAGE_COMPLETE_SUCCESS"
	StageCompletePartial StageOutcome = "STAGE_COMPLETE_PARTIAL"
	StageFailedOutcome   StageOutcome = "STAGE_FAILED"
)

// StageCompletionResult carries the outcome plus the aggregated per-task
// results the caller needs, so it never has to re-read the transaction's
// work.
type StageCompletionResult struct {
	Outcome          StageOutcome
	Stage            int
	AggregatedResult datatypes.JSON
	IsFinalStage     bool
}
