// Package coremachine implements the orchestration algorithms: job-message
// handling (stage activation), task-message handling (claim, dispatch,
// completion), and the retry/backoff decision tree between them. Every
// mutation it makes goes through internal/data/repos/core, which owns the
// transactions; this package only decides what to call and when.
package coremachine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/rob634/rmhgeoapi/internal/bus"
	reposcore "github.com/rob634/rmhgeoapi/internal/data/repos/core"
	"github.com/rob634/rmhgeoapi/internal/core/idhash"
	"github.com/rob634/rmhgeoapi/internal/core/registry"
	core "github.com/rob634/rmhgeoapi/internal/domain/core"
	"github.com/rob634/rmhgeoapi/internal/platform/dbctx"
	"github.com/rob634/rmhgeoapi/internal/platform/logger"
)

var errStaleStage = errors.New("coremachine: stale stage transition")

// Machine wires the repos, bus, and registries the algorithms in this
// package dispatch through.
type Machine struct {
	Jobs     reposcore.JobRepo
	Tasks    reposcore.TaskRepo
	Bus      bus.Bus
	Handlers *registry.HandlerRegistry
	JobSpecs *registry.JobRegistry
	Log      *logger.Logger
	Retry    RetryPolicy

	// LeaseRenewalInterval is how often a long-running handler invocation
	// should heartbeat; it's a fraction of the broker visibility timeout.
	LeaseRenewalInterval time.Duration
}

func New(jobs reposcore.JobRepo, tasks reposcore.TaskRepo, b bus.Bus, handlers *registry.HandlerRegistry, specs *registry.JobRegistry, log *logger.Logger) *Machine {
	return &Machine{
		Jobs:                 jobs,
		Tasks:                tasks,
		Bus:                  b,
		Handlers:             handlers,
		JobSpecs:             specs,
		Log:                  log.With("component", "CoreMachine"),
		Retry:                RetryPolicy{MaxAttempts: 3, MinBackoff: time.Second, MaxBackoff: 30 * time.Second, JitterFrac: 0.2},
		LeaseRenewalInterval: 10 * time.Second,
	}
}

// HandleJobsMessage implements stage activation (§4.3.1): validate, load,
// lock, fan out this stage's tasks, and publish one TaskMessage per task
// newly materialized by this invocation.
func (m *Machine) HandleJobsMessage(ctx context.Context, msg core.JobsMessage) error {
	if msg.JobID == "" || msg.JobType == "" || msg.Stage < 1 {
		return fmt.Errorf("coremachine: malformed JobsMessage: %+v", msg)
	}

	dbc := dbctx.Context{Ctx: ctx}
	job, err := m.Jobs.GetJob(dbc, msg.JobID)
	if errors.Is(err, core.ErrNotFound) {
		m.Log.Warn("jobs message for unknown job, dropping", "job_id", msg.JobID)
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	spec, ok := m.JobSpecs.Get(msg.JobType)
	if !ok {
		return fmt.Errorf("coremachine: no JobSpec registered for jobType=%s", msg.JobType)
	}

	var created []*core.Task
	var emptyStageAdvance bool
	err = m.Jobs.WithJobLock(dbc, msg.JobID, func(tx *gorm.DB, lockedJob *core.Job) error {
		if lockedJob.CurrentStage != msg.Stage && lockedJob.CurrentStage+1 != msg.Stage {
			return errStaleStage
		}

		var params map[string]any
		if err := json.Unmarshal(lockedJob.Parameters, &params); err != nil {
			return fmt.Errorf("coremachine: unmarshal job parameters: %w", err)
		}

		priorResults := make([][]byte, 0, msg.Stage-1)
		stageMap := lockedJob.StageResultsMap()
		for s := 1; s < msg.Stage; s++ {
			priorResults = append(priorResults, stageMap[s])
		}

		taskSpecs, err := spec.CreateTasks(msg.Stage, msg.JobID, params, priorResults)
		if err != nil {
			return fmt.Errorf("coremachine: CreateTasks: %w", err)
		}

		if len(taskSpecs) == 0 {
			// §4.3.1 step 5: zero tasks for this stage advances immediately
			// with an empty aggregate, under the same job lock.
			if err := lockedJob.SetStageResult(msg.Stage, []any{}); err != nil {
				return err
			}
			updates := map[string]interface{}{"stage_results": lockedJob.StageResults, "current_stage": msg.Stage, "updated_at": time.Now()}
			if lockedJob.Status == core.JobQueued {
				updates["status"] = core.JobProcessing
			}
			if err := tx.Model(&core.Job{}).Where("job_id = ?", msg.JobID).Updates(updates).Error; err != nil {
				return err
			}
			emptyStageAdvance = true
			return nil
		}

		tasks := make([]*core.Task, 0, len(taskSpecs))
		for _, ts := range taskSpecs {
			taskID := idhash.TaskID(msg.JobID, msg.Stage, ts.SemanticIndex)
			paramsJSON, err := json.Marshal(ts.Parameters)
			if err != nil {
				return fmt.Errorf("coremachine: marshal task parameters: %w", err)
			}
			tasks = append(tasks, &core.Task{
				TaskID:        taskID,
				JobID:         msg.JobID,
				Stage:         msg.Stage,
				SemanticIndex: ts.SemanticIndex,
				TaskType:      ts.TaskType,
				Parameters:    paramsJSON,
				Status:        core.TaskQueued,
				MaxRetries:    m.Retry.normalize().MaxAttempts,
			})
		}

		txDbc := dbctx.Context{Ctx: ctx, Tx: tx}
		createdTasks, err := m.Tasks.BulkCreateTasks(txDbc, tasks)
		if err != nil {
			return err
		}
		created = createdTasks

		updates := map[string]interface{}{"current_stage": msg.Stage, "updated_at": time.Now()}
		if lockedJob.Status == core.JobQueued {
			updates["status"] = core.JobProcessing
		}
		return tx.Model(&core.Job{}).Where("job_id = ?", msg.JobID).Updates(updates).Error
	})
	if errors.Is(err, errStaleStage) {
		m.Log.Info("stale jobs message, ACK without action", "job_id", msg.JobID, "stage", msg.Stage, "current_stage", job.CurrentStage)
		return nil
	}
	if err != nil {
		return err
	}

	if emptyStageAdvance {
		var jobParams map[string]any
		if err := json.Unmarshal(job.Parameters, &jobParams); err != nil {
			return fmt.Errorf("coremachine: unmarshal job parameters: %w", err)
		}
		totalStages, err := spec.TotalStages(jobParams)
		if err != nil {
			return err
		}
		return m.advanceStage(ctx, msg.JobID, msg.JobType, msg.Stage, totalStages, msg.CorrelationID, core.StageCompleteSuccess, spec)
	}

	if len(created) == 0 {
		// Every task already existed: a redelivered JobsMessage after the
		// fan-out already landed. Nothing new to publish (§4.3.1 idempotency
		// note).
		return nil
	}

	taskMsgs := make([]core.TaskMessage, 0, len(created))
	for _, t := range created {
		taskMsgs = append(taskMsgs, core.TaskMessage{
			JobID:         t.JobID,
			TaskID:        t.TaskID,
			Stage:         t.Stage,
			TaskType:      t.TaskType,
			CorrelationID: msg.CorrelationID,
		})
	}
	return m.Bus.PublishTaskMessages(ctx, taskMsgs)
}
