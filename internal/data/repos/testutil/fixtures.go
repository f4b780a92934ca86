package testutil

import (
	"context"
	"testing"
	"time"

	core "github.com/rob634/rmhgeoapi/internal/domain/core"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SeedJob inserts a minimal Job row in QUEUED status with totalStages stages
// and no stage results yet.
func SeedJob(tb testing.TB, ctx context.Context, tx *gorm.DB, jobID, jobType string, totalStages int) *core.Job {
	tb.Helper()
	j := &core.Job{
		JobID:        jobID,
		JobType:      jobType,
		Status:       core.JobQueued,
		Parameters:   datatypes.JSON([]byte("{}")),
		TotalStages:  totalStages,
		CurrentStage: 1,
	}
	if err := tx.WithContext(ctx).Create(j).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return j
}

// SeedTask inserts a single QUEUED task belonging to jobID at the given
// stage, with semanticIndex as its fan-out identity.
func SeedTask(tb testing.TB, ctx context.Context, tx *gorm.DB, taskID, jobID string, stage int, semanticIndex, taskType string) *core.Task {
	tb.Helper()
	t := &core.Task{
		TaskID:        taskID,
		JobID:         jobID,
		Stage:         stage,
		SemanticIndex: semanticIndex,
		TaskType:      taskType,
		Parameters:    datatypes.JSON([]byte("{}")),
		Status:        core.TaskQueued,
		MaxRetries:    3,
	}
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		tb.Fatalf("seed task: %v", err)
	}
	return t
}

func PtrTime(v time.Time) *time.Time { return &v }
