package core

import (
	"context"
	"testing"
	"time"

	"github.com/rob634/rmhgeoapi/internal/data/repos/testutil"
	domain "github.com/rob634/rmhgeoapi/internal/domain/core"
	"github.com/rob634/rmhgeoapi/internal/platform/dbctx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func TestJobRepoCreateJobIsIdempotent(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	job := &domain.Job{
		JobID:       "job-1",
		JobType:     "echo",
		Status:      domain.JobQueued,
		Parameters:  datatypes.JSON([]byte(`{"n":1}`)),
		TotalStages: 1,
	}

	first, err := repo.CreateJob(dbc, job)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if first.JobID != "job-1" {
		t.Fatalf("unexpected job id: %s", first.JobID)
	}

	dup := &domain.Job{
		JobID:       "job-1",
		JobType:     "echo",
		Status:      domain.JobProcessing,
		Parameters:  datatypes.JSON([]byte(`{"n":999}`)),
		TotalStages: 5,
	}
	second, err := repo.CreateJob(dbc, dup)
	if err != nil {
		t.Fatalf("CreateJob (dup): %v", err)
	}
	if second.Status != domain.JobQueued || second.TotalStages != 1 {
		t.Fatalf("expected original row unchanged, got status=%s totalStages=%d", second.Status, second.TotalStages)
	}
}

func TestJobRepoGetJobNotFound(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	if _, err := repo.GetJob(dbc, "nonexistent"); err != domain.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobRepoWithJobLockSerializesAdvance(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	testutil.SeedJob(t, context.Background(), tx, "job-lock", "echo", 2)

	var seenStage int
	err := repo.WithJobLock(dbc, "job-lock", func(locked *gorm.DB, job *domain.Job) error {
		seenStage = job.CurrentStage
		return locked.Model(&domain.Job{}).
			Where("job_id = ?", job.JobID).
			Update("current_stage", 2).Error
	})
	if err != nil {
		t.Fatalf("WithJobLock: %v", err)
	}
	if seenStage != 1 {
		t.Fatalf("expected currentStage=1 going in, got %d", seenStage)
	}

	after, err := repo.GetJob(dbc, "job-lock")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if after.CurrentStage != 2 {
		t.Fatalf("expected currentStage=2 after lock fn, got %d", after.CurrentStage)
	}
}

func TestJobRepoFindStalledJobsOnlyPastTimeout(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	testutil.SeedJob(t, context.Background(), tx, "job-fresh", "echo", 1)
	testutil.SeedJob(t, context.Background(), tx, "job-stale", "echo", 1)
	if err := tx.Model(&domain.Job{}).Where("job_id IN ?", []string{"job-fresh", "job-stale"}).
		Update("status", domain.JobProcessing).Error; err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := tx.Model(&domain.Job{}).Where("job_id = ?", "job-stale").Update("updated_at", old).Error; err != nil {
		t.Fatalf("backdate updated_at: %v", err)
	}

	stalled, err := repo.FindStalledJobs(dbc, 5*time.Minute, time.Now())
	if err != nil {
		t.Fatalf("FindStalledJobs: %v", err)
	}
	if len(stalled) != 1 || stalled[0].JobID != "job-stale" {
		t.Fatalf("expected only job-stale, got %+v", stalled)
	}
}
