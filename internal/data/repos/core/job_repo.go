package core

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/rob634/rmhgeoapi/internal/domain/core"
	"github.com/rob634/rmhgeoapi/internal/platform/dbctx"
	"github.com/rob634/rmhgeoapi/internal/platform/logger"
)

// JobRepo is the State Store's Job-facing surface. Every mutation beyond a
// plain field update flows through a transaction so Job and its sibling
// Tasks never observe a torn write.
type JobRepo interface {
	CreateJob(dbc dbctx.Context, job *domain.Job) (*domain.Job, error)
	GetJob(dbc dbctx.Context, jobID string) (*domain.Job, error)
	WithJobLock(dbc dbctx.Context, jobID string, fn func(tx *gorm.DB, job *domain.Job) error) error
	MarkJobFailed(dbc dbctx.Context, jobID string, errorDetails string) error
	MarkJobCompleted(dbc dbctx.Context, jobID string, finalResult []byte) error
	MarkJobPartial(dbc dbctx.Context, jobID string, finalResult []byte) error
	FindStalledJobs(dbc dbctx.Context, stallTimeout time.Duration, now time.Time) ([]*domain.Job, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{db: db, log: baseLog.With("repo", "JobRepo")}
}

// CreateJob inserts job; if a row with the same jobId already exists it
// returns the existing row untouched, matching idempotent re-submission of
// identical (jobType, parameters).
func (r *jobRepo) CreateJob(dbc dbctx.Context, job *domain.Job) (*domain.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(job).Error
	if err != nil {
		return nil, err
	}
	var existing domain.Job
	if err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", job.JobID).
		First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

func (r *jobRepo) GetJob(dbc dbctx.Context, jobID string) (*domain.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var job domain.Job
	err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// WithJobLock acquires a row-level lock on the job for the duration of fn,
// the serialization point for stage advancement (§4.3.1 step 3). fn
// receives the locked row and the transaction it was read under; any write
// fn wants to make must go through that same tx.
func (r *jobRepo) WithJobLock(dbc dbctx.Context, jobID string, fn func(tx *gorm.DB, job *domain.Job) error) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var job domain.Job
		err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ?", jobID).
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		return fn(txx, &job)
	})
}

func (r *jobRepo) MarkJobFailed(dbc dbctx.Context, jobID string, errorDetails string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("job_id = ? AND status NOT IN ?", jobID, terminalJobStatuses()).
		Updates(map[string]interface{}{
			"status":        domain.JobFailed,
			"error_details": errorDetails,
			"updated_at":    time.Now(),
		}).Error
}

func (r *jobRepo) MarkJobCompleted(dbc dbctx.Context, jobID string, finalResult []byte) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("job_id = ? AND status NOT IN ?", jobID, terminalJobStatuses()).
		Updates(map[string]interface{}{
			"status":     domain.JobCompleted,
			"result":     finalResult,
			"updated_at": time.Now(),
		}).Error
}

func (r *jobRepo) MarkJobPartial(dbc dbctx.Context, jobID string, finalResult []byte) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("job_id = ? AND status NOT IN ?", jobID, terminalJobStatuses()).
		Updates(map[string]interface{}{
			"status":     domain.JobCompletedWithErrors,
			"result":     finalResult,
			"updated_at": time.Now(),
		}).Error
}

// FindStalledJobs returns PROCESSING jobs that haven't been touched in
// stallTimeout, candidates for the janitor's job-progress sweep (§4.4). The
// janitor still has to verify no tasks remain non-terminal in the current
// stage before acting; this query only narrows by time.
func (r *jobRepo) FindStalledJobs(dbc dbctx.Context, stallTimeout time.Duration, now time.Time) ([]*domain.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	cutoff := now.Add(-stallTimeout)
	var jobs []*domain.Job
	err := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND updated_at < ?", domain.JobProcessing, cutoff).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func terminalJobStatuses() []domain.JobStatus {
	return []domain.JobStatus{domain.JobCompleted, domain.JobFailed, domain.JobCompletedWithErrors}
}
