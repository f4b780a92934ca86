package core

import (
	"encoding/json"
	"strconv"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobStatus is the lifecycle state of a Job row. Terminal statuses admit no
// further mutation except janitor audit fields.
type JobStatus string

const (
	JobQueued                JobStatus = "QUEUED"
	JobProcessing             JobStatus = "PROCESSING"
	JobCompleted              JobStatus = "COMPLETED"
	JobFailed                 JobStatus = "FAILED"
	JobCompletedWithErrors    JobStatus = "COMPLETED_WITH_ERRORS"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCompletedWithErrors:
		return true
	default:
		return false
	}
}

// Job is the aggregate root of the orchestration. jobId is a deterministic
// hash of (jobType, canonicalizedParameters), not a surrogate key, so
// re-submission of identical parameters is a plain lookup-or-insert.
type Job struct {
	JobID        string         `gorm:"column:job_id;primaryKey" json:"job_id"`
	JobType      string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Status       JobStatus      `gorm:"column:status;not null;index" json:"status"`
	Parameters   datatypes.JSON `gorm:"column:parameters;type:jsonb;not null" json:"parameters"`
	TotalStages  int            `gorm:"column:total_stages;not null" json:"total_stages"`
	CurrentStage int            `gorm:"column:current_stage;not null;default:1" json:"current_stage"`
	// StageResults is keyed by stage number (as a string, since JSON object
	// keys are strings); a stage's entry is written exactly once.
	StageResults datatypes.JSON `gorm:"column:stage_results;type:jsonb" json:"stage_results"`
	Result       datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	ErrorDetails string         `gorm:"column:error_details" json:"error_details,omitempty"`
	CorrelationID string        `gorm:"column:correlation_id;index" json:"correlation_id"`
	CreatedAt    time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Job) TableName() string { return "job" }

// StageResultsMap decodes StageResults into a stage-number-keyed map. Absent
// or malformed JSON decodes to an empty map; callers treat a missing key as
// "stage not yet finished."
func (j *Job) StageResultsMap() map[int]json.RawMessage {
	out := map[int]json.RawMessage{}
	if j == nil || len(j.StageResults) == 0 {
		return out
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(j.StageResults, &raw); err != nil {
		return out
	}
	for k, v := range raw {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[n] = v
	}
	return out
}

// SetStageResult writes stageResults[stage] exactly once; it is a no-op if
// the stage entry already exists, matching the "written at most once"
// invariant at the Go-struct level (the authoritative enforcement still
// happens inside the completeTaskAndCheckStage transaction).
func (j *Job) SetStageResult(stage int, result any) error {
	m := j.StageResultsMap()
	if _, exists := m[stage]; exists {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	m[stage] = raw
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[strconv.Itoa(k)] = v
	}
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	j.StageResults = datatypes.JSON(b)
	return nil
}
