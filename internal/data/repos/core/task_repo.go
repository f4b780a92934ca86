package core

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/rob634/rmhgeoapi/internal/domain/core"
	"github.com/rob634/rmhgeoapi/internal/platform/dbctx"
	"github.com/rob634/rmhgeoapi/internal/platform/logger"
)

// TaskRepo is the State Store's Task-facing surface. CompleteTaskAndCheckStage
// is the pivotal operation: every invariant about stage completion is
// enforced there, under a single transaction, and nowhere else.
type TaskRepo interface {
	BulkCreateTasks(dbc dbctx.Context, tasks []*domain.Task) (created []*domain.Task, err error)
	ClaimTaskForProcessing(dbc dbctx.Context, taskID string) (*domain.Task, error)
	Heartbeat(dbc dbctx.Context, taskID string, now time.Time) error
	CompleteTaskAndCheckStage(dbc dbctx.Context, taskID string, outcome TaskOutcome, stopOnAnyFail bool) (*domain.StageCompletionResult, error)
	CascadeFailSiblings(dbc dbctx.Context, jobID string, stage int) error
	ResetToQueued(dbc dbctx.Context, taskID string) error
	FindStalledTasks(dbc dbctx.Context, heartbeatTimeout time.Duration, now time.Time) ([]*domain.Task, error)
	CountNonTerminalInStage(dbc dbctx.Context, jobID string, stage int) (int64, error)
	CheckStageCompletion(dbc dbctx.Context, jobID string, stage int, stopOnAnyFail bool) (*domain.StageCompletionResult, error)
	FindOrphanStageCandidates(dbc dbctx.Context) ([]StageKey, error)
}

// StageKey identifies one (job, stage) pair, used by the janitor's
// orphan-task sweep to find stages whose tasks finished without the job ever
// receiving the advance signal.
type StageKey struct {
	JobID string
	Stage int
}

// TaskOutcome is what a task-message handler hands the repo once a handler
// has run: either a success result or a classified error, never both.
type TaskOutcome struct {
	Succeeded bool
	Result    []byte
	Err       *domain.TaskError
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{db: db, log: baseLog.With("repo", "TaskRepo")}
}

// BulkCreateTasks is idempotent by taskId: rows that already exist are left
// untouched and excluded from the returned "created" slice, so a caller
// publishing one TaskMessage per newly-materialized task never double-sends
// on redelivery.
func (r *taskRepo) BulkCreateTasks(dbc dbctx.Context, tasks []*domain.Task) ([]*domain.Task, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.TaskID)
	}
	var existing []domain.Task
	if err := transaction.WithContext(dbc.Ctx).
		Where("task_id IN ?", ids).
		Find(&existing).Error; err != nil {
		return nil, err
	}
	already := make(map[string]bool, len(existing))
	for _, t := range existing {
		already[t.TaskID] = true
	}
	toInsert := make([]*domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if !already[t.TaskID] {
			toInsert = append(toInsert, t)
		}
	}
	if len(toInsert) == 0 {
		return nil, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&toInsert).Error; err != nil {
		return nil, err
	}
	return toInsert, nil
}

// ClaimTaskForProcessing atomically transitions QUEUED -> PROCESSING,
// stamping heartbeat and incrementing attemptCount. Returns ErrStaleMessage
// if the task is not currently QUEUED (already claimed, already terminal, or
// nonexistent), which callers treat as "ACK and do nothing."
func (r *taskRepo) ClaimTaskForProcessing(dbc dbctx.Context, taskID string) (*domain.Task, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	var claimed *domain.Task
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var task domain.Task
		err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("task_id = ? AND status = ?", taskID, domain.TaskQueued).
			First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrStaleMessage
		}
		if err != nil {
			return err
		}
		uErr := txx.Model(&domain.Task{}).
			Where("task_id = ?", taskID).
			Updates(map[string]interface{}{
				"status":        domain.TaskProcessing,
				"attempt_count": gorm.Expr("attempt_count + 1"),
				"heartbeat":     now,
				"updated_at":    now,
			}).Error
		if uErr != nil {
			return uErr
		}
		task.Status = domain.TaskProcessing
		task.AttemptCount++
		task.Heartbeat = &now
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat renews the lease only while the task is still PROCESSING; a task
// that has since gone terminal (cascade-failed, claimed and finished by a
// duplicate delivery) ignores a late heartbeat rather than resurrecting it.
func (r *taskRepo) Heartbeat(dbc dbctx.Context, taskID string, now time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("task_id = ? AND status = ?", taskID, domain.TaskProcessing).
		Updates(map[string]interface{}{
			"heartbeat":  now,
			"updated_at": now,
		}).Error
}

// ResetToQueued moves a task back to QUEUED after a transient-error retry
// decision, leaving attemptCount untouched (it was already incremented on
// claim). Used by the retry path in task-message handling and by the
// janitor's stall sweep.
func (r *taskRepo) ResetToQueued(dbc dbctx.Context, taskID string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("task_id = ? AND status = ?", taskID, domain.TaskProcessing).
		Updates(map[string]interface{}{
			"status":     domain.TaskQueued,
			"heartbeat":  nil,
			"updated_at": time.Now(),
		}).Error
}

// CompleteTaskAndCheckStage is the pivotal atomic operation. It selects the
// task FOR UPDATE, writes its terminal status, counts siblings by status for
// the same (jobId, stage), classifies the stage outcome, and — if the stage
// is complete — aggregates per-task results into Job.stageResults under the
// job row lock. A task already terminal short-circuits as STAGE_CONTINUES
// with no aggregation, so a redelivered completion is a no-op.
func (r *taskRepo) CompleteTaskAndCheckStage(dbc dbctx.Context, taskID string, outcome TaskOutcome, stopOnAnyFail bool) (*domain.StageCompletionResult, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var result *domain.StageCompletionResult
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var task domain.Task
		err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("task_id = ?", taskID).
			First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			result = &domain.StageCompletionResult{Outcome: domain.StageContinues, Stage: task.Stage}
			return nil
		}

		now := time.Now()
		updates := map[string]interface{}{"updated_at": now}
		if outcome.Succeeded {
			updates["status"] = domain.TaskCompleted
			updates["result"] = outcome.Result
		} else {
			updates["status"] = domain.TaskFailed
			errCtx, mErr := marshalTaskError(outcome.Err)
			if mErr != nil {
				return mErr
			}
			updates["error_context"] = errCtx
		}
		if err := txx.Model(&domain.Task{}).Where("task_id = ?", taskID).Updates(updates).Error; err != nil {
			return err
		}

		var siblings []domain.Task
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ? AND stage = ?", task.JobID, task.Stage).
			Order("task_id ASC").
			Find(&siblings).Error; err != nil {
			return err
		}

		var total, completed, failed int
		for _, s := range siblings {
			total++
			switch s.TaskID {
			case taskID:
				if outcome.Succeeded {
					completed++
				} else {
					failed++
				}
			default:
				switch s.Status {
				case domain.TaskCompleted:
					completed++
				case domain.TaskFailed:
					failed++
				}
			}
		}

		stageOutcome := classifyStage(total, completed, failed, stopOnAnyFail)
		res := &domain.StageCompletionResult{Outcome: stageOutcome, Stage: task.Stage}

		if stageOutcome == domain.StageContinues {
			result = res
			return nil
		}

		aggregated, err := aggregateStageResults(siblings, taskID, outcome)
		if err != nil {
			return err
		}
		res.AggregatedResult = aggregated

		var job domain.Job
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ?", task.JobID).First(&job).Error; err != nil {
			return err
		}
		res.IsFinalStage = task.Stage >= job.TotalStages

		if stageOutcome != domain.StageFailedOutcome {
			if err := job.SetStageResult(task.Stage, aggregated); err != nil {
				return err
			}
			if err := txx.Model(&domain.Job{}).Where("job_id = ?", task.JobID).
				Updates(map[string]interface{}{
					"stage_results": job.StageResults,
					"updated_at":    now,
				}).Error; err != nil {
				return err
			}
		}

		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CascadeFailSiblings marks every still-QUEUED or still-PROCESSING task in
// the failed stage as FAILED with error kind CANCELED, so an in-flight claim
// attempt for one of them fails and ACKs without running.
func (r *taskRepo) CascadeFailSiblings(dbc dbctx.Context, jobID string, stage int) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	errCtx, err := marshalTaskError(domain.NewTaskError(domain.KindCanceled, "cascade failure: sibling task in stage failed", 0))
	if err != nil {
		return err
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("job_id = ? AND stage = ? AND status IN ?", jobID, stage, []domain.TaskStatus{domain.TaskQueued, domain.TaskProcessing}).
		Updates(map[string]interface{}{
			"status":        domain.TaskFailed,
			"error_context": errCtx,
			"updated_at":    time.Now(),
		}).Error
}

// FindStalledTasks returns PROCESSING tasks whose heartbeat is older than
// heartbeatTimeout, candidates for the janitor's task-stall sweep (§4.4).
func (r *taskRepo) FindStalledTasks(dbc dbctx.Context, heartbeatTimeout time.Duration, now time.Time) ([]*domain.Task, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	cutoff := now.Add(-heartbeatTimeout)
	var tasks []*domain.Task
	err := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND heartbeat < ?", domain.TaskProcessing, cutoff).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// CountNonTerminalInStage reports how many QUEUED/PROCESSING tasks remain in
// (jobID, stage). The janitor's job-progress sweep only acts once this is
// zero — otherwise the stage is still genuinely in flight, not stalled.
func (r *taskRepo) CountNonTerminalInStage(dbc dbctx.Context, jobID string, stage int) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("job_id = ? AND stage = ? AND status IN ?", jobID, stage, []domain.TaskStatus{domain.TaskQueued, domain.TaskProcessing}).
		Count(&count).Error
	return count, err
}

// CheckStageCompletion re-derives the same classification
// CompleteTaskAndCheckStage computes, but from already-stored task status
// rather than an in-flight outcome. It is the janitor's recovery-path
// equivalent: used by the job-progress sweep (stage believed stalled but
// every task is actually terminal) and the orphan-task sweep (a stage whose
// tasks finished without the job ever being advanced). Aggregation and the
// job-side write are idempotent via Job.SetStageResult, so re-running this
// against an already-advanced stage is a safe no-op.
func (r *taskRepo) CheckStageCompletion(dbc dbctx.Context, jobID string, stage int, stopOnAnyFail bool) (*domain.StageCompletionResult, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var result *domain.StageCompletionResult
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var siblings []domain.Task
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ? AND stage = ?", jobID, stage).
			Order("task_id ASC").
			Find(&siblings).Error; err != nil {
			return err
		}
		if len(siblings) == 0 {
			result = &domain.StageCompletionResult{Outcome: domain.StageContinues, Stage: stage}
			return nil
		}

		var total, completed, failed int
		for _, s := range siblings {
			total++
			switch s.Status {
			case domain.TaskCompleted:
				completed++
			case domain.TaskFailed:
				failed++
			}
		}

		stageOutcome := classifyStage(total, completed, failed, stopOnAnyFail)
		res := &domain.StageCompletionResult{Outcome: stageOutcome, Stage: stage}
		if stageOutcome == domain.StageContinues {
			result = res
			return nil
		}

		aggregated, err := aggregateStoredStageResults(siblings)
		if err != nil {
			return err
		}
		res.AggregatedResult = aggregated

		var job domain.Job
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ?", jobID).First(&job).Error; err != nil {
			return err
		}
		res.IsFinalStage = stage >= job.TotalStages

		if stageOutcome != domain.StageFailedOutcome {
			if err := job.SetStageResult(stage, aggregated); err != nil {
				return err
			}
			if err := txx.Model(&domain.Job{}).Where("job_id = ?", jobID).
				Updates(map[string]interface{}{
					"stage_results": job.StageResults,
					"updated_at":    time.Now(),
				}).Error; err != nil {
				return err
			}
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FindOrphanStageCandidates finds (job, stage) pairs where the job is still
// PROCESSING, sitting at a stage that already has terminal tasks recorded —
// a sign the advance signal for that stage was lost (the JobsMessage for the
// next stage was never published, or never arrived).
func (r *taskRepo) FindOrphanStageCandidates(dbc dbctx.Context) ([]StageKey, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	type row struct {
		JobID string
		Stage int
	}
	var rows []row
	err := transaction.WithContext(dbc.Ctx).
		Table("task").
		Select("task.job_id AS job_id, task.stage AS stage").
		Joins("JOIN job ON job.job_id = task.job_id").
		Where("task.status IN ? AND job.status = ? AND job.current_stage = task.stage",
			[]domain.TaskStatus{domain.TaskCompleted, domain.TaskFailed}, domain.JobProcessing).
		Group("task.job_id, task.stage").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	keys := make([]StageKey, 0, len(rows))
	for _, rw := range rows {
		keys = append(keys, StageKey{JobID: rw.JobID, Stage: rw.Stage})
	}
	return keys, nil
}

// aggregateStoredStageResults is aggregateStageResults without a completing
// task's in-flight outcome to splice in — every sibling's status and result
// are already what's stored, as is true whenever the janitor (rather than a
// live task completion) drives the aggregation.
func aggregateStoredStageResults(siblings []domain.Task) ([]byte, error) {
	type entry struct {
		TaskID string            `json:"task_id"`
		Status domain.TaskStatus `json:"status"`
		Result json.RawMessage   `json:"result,omitempty"`
	}
	entries := make([]entry, 0, len(siblings))
	for _, s := range siblings {
		entries = append(entries, entry{TaskID: s.TaskID, Status: s.Status, Result: json.RawMessage(s.Result)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TaskID < entries[j].TaskID })
	return json.Marshal(entries)
}

func classifyStage(total, completed, failed int, stopOnAnyFail bool) domain.StageOutcome {
	if failed > 0 && stopOnAnyFail {
		return domain.StageFailedOutcome
	}
	if completed+failed < total {
		return domain.StageContinues
	}
	if failed == 0 {
		return domain.StageCompleteSuccess
	}
	if failed < total {
		return domain.StageCompletePartial
	}
	return domain.StageFailedOutcome
}

// aggregateStageResults orders per-task results by taskId, matching the
// deterministic ordering §4.3.3 requires for the per-stage aggregate.
func aggregateStageResults(siblings []domain.Task, completingTaskID string, outcome TaskOutcome) ([]byte, error) {
	type entry struct {
		TaskID string          `json:"task_id"`
		Status domain.TaskStatus `json:"status"`
		Result json.RawMessage `json:"result,omitempty"`
	}
	entries := make([]entry, 0, len(siblings))
	for _, s := range siblings {
		e := entry{TaskID: s.TaskID, Status: s.Status, Result: json.RawMessage(s.Result)}
		if s.TaskID == completingTaskID {
			if outcome.Succeeded {
				e.Status = domain.TaskCompleted
				e.Result = json.RawMessage(outcome.Result)
			} else {
				e.Status = domain.TaskFailed
			}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TaskID < entries[j].TaskID })
	return json.Marshal(entries)
}

func marshalTaskError(te *domain.TaskError) ([]byte, error) {
	if te == nil {
		return nil, nil
	}
	return json.Marshal(te)
}
