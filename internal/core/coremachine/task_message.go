package coremachine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	reposcore "github.com/rob634/rmhgeoapi/internal/data/repos/core"
	core "github.com/rob634/rmhgeoapi/internal/domain/core"
	"github.com/rob634/rmhgeoapi/internal/platform/dbctx"
)

// HandleTaskMessage implements §4.3.2: claim, dispatch to the registered
// handler (heartbeating while it runs), classify the result, complete the
// task under the stage barrier, and branch on the authoritative outcome.
func (m *Machine) HandleTaskMessage(ctx context.Context, msg core.TaskMessage) error {
	if msg.JobID == "" || msg.TaskID == "" || msg.TaskType == "" {
		return fmt.Errorf("coremachine: malformed TaskMessage: %+v", msg)
	}

	dbc := dbctx.Context{Ctx: ctx}
	task, err := m.Tasks.ClaimTaskForProcessing(dbc, msg.TaskID)
	if errors.Is(err, core.ErrStaleMessage) {
		return nil
	}
	if err != nil {
		return err
	}

	outcome := m.runHandler(ctx, task)

	if !outcome.Succeeded && outcome.Err.Retryable && shouldRetry(m.Retry, task.AttemptCount) {
		if err := m.Tasks.ResetToQueued(dbc, msg.TaskID); err != nil {
			return err
		}
		delay := computeBackoff(m.Retry, task.AttemptCount)
		go m.republishAfterDelay(msg, delay)
		return nil
	}

	job, err := m.Jobs.GetJob(dbc, msg.JobID)
	if err != nil {
		return err
	}
	spec, ok := m.JobSpecs.Get(job.JobType)
	if !ok {
		return fmt.Errorf("coremachine: no JobSpec registered for jobType=%s", job.JobType)
	}

	result, err := m.Tasks.CompleteTaskAndCheckStage(dbc, msg.TaskID, outcome, spec.StopOnAnyFail())
	if err != nil {
		return err
	}
	return m.ResolveStageOutcome(ctx, msg.JobID, msg.Stage, msg.CorrelationID, result)
}

// ResolveStageOutcome branches on a StageCompletionResult already computed
// by CompleteTaskAndCheckStage (or, for the janitor's recovery sweeps, by
// CheckStageCompletion re-deriving the same classification from stored
// status alone): leave the job alone, advance or finalize it, or cascade-fail
// the stage. It is exported so the janitor can drive the same state machine
// after a recovery action without duplicating the branch.
func (m *Machine) ResolveStageOutcome(ctx context.Context, jobID string, stage int, correlationID string, result *core.StageCompletionResult) error {
	dbc := dbctx.Context{Ctx: ctx}
	switch result.Outcome {
	case core.StageContinues:
		return nil
	case core.StageCompleteSuccess, core.StageCompletePartial:
		job, err := m.Jobs.GetJob(dbc, jobID)
		if err != nil {
			return err
		}
		spec, ok := m.JobSpecs.Get(job.JobType)
		if !ok {
			return fmt.Errorf("coremachine: no JobSpec registered for jobType=%s", job.JobType)
		}
		var jobParams map[string]any
		if err := json.Unmarshal(job.Parameters, &jobParams); err != nil {
			return fmt.Errorf("coremachine: unmarshal job parameters: %w", err)
		}
		totalStages, err := spec.TotalStages(jobParams)
		if err != nil {
			return err
		}
		return m.advanceStage(ctx, jobID, job.JobType, stage, totalStages, correlationID, result.Outcome, spec)
	case core.StageFailedOutcome:
		if err := m.Tasks.CascadeFailSiblings(dbc, jobID, stage); err != nil {
			return err
		}
		return m.Jobs.MarkJobFailed(dbc, jobID, fmt.Sprintf("stage %d failed", stage))
	default:
		return fmt.Errorf("coremachine: unknown stage outcome %q", result.Outcome)
	}
}

// runHandler dispatches to the registered handler, heartbeating for the
// duration of the call, and classifies whatever it returns (including a
// recovered panic) into a reposcore.TaskOutcome. A missing handler is
// synthesized as a non-retryable HANDLER_NOT_FOUND failure per §4.3.2 step 4.
func (m *Machine) runHandler(ctx context.Context, task *core.Task) reposcore.TaskOutcome {
	handler, ok := m.Handlers.Get(task.TaskType)
	if !ok {
		te := core.NewTaskError(core.KindHandlerNotFound, fmt.Sprintf("no handler registered for taskType=%s", task.TaskType), task.AttemptCount)
		te.Retryable = false
		return reposcore.TaskOutcome{Succeeded: false, Err: te}
	}

	var params map[string]any
	if err := json.Unmarshal(task.Parameters, &params); err != nil {
		te := core.NewTaskError(core.KindInvalidInput, fmt.Sprintf("unmarshal task parameters: %v", err), task.AttemptCount)
		te.Retryable = false
		return reposcore.TaskOutcome{Succeeded: false, Err: te}
	}

	stopHB := m.startHeartbeat(ctx, task.TaskID)
	defer stopHB()

	result, err := m.invokeSafely(ctx, handler, params)
	if err != nil {
		return reposcore.TaskOutcome{Succeeded: false, Err: core.Classify(err, task.AttemptCount)}
	}
	resultJSON, mErr := json.Marshal(result)
	if mErr != nil {
		te := core.NewTaskError(core.KindPermanent, fmt.Sprintf("marshal handler result: %v", mErr), task.AttemptCount)
		te.Retryable = false
		return reposcore.TaskOutcome{Succeeded: false, Err: te}
	}
	return reposcore.TaskOutcome{Succeeded: true, Result: resultJSON}
}

// invokeSafely runs the handler and converts a panic into a classified
// PERMANENT error, so a handler's language-level panic never crosses into
// orchestrator state as anything else.
func (m *Machine) invokeSafely(ctx context.Context, handler interface {
	Run(ctx context.Context, params map[string]any) (any, error)
}, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			te := core.ClassifyPanic(r, 0)
			err = te
		}
	}()
	return handler.Run(ctx, params)
}

func (m *Machine) startHeartbeat(ctx context.Context, taskID string) func() {
	interval := m.LeaseRenewalInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				_ = m.Tasks.Heartbeat(dbctx.Context{Ctx: ctx}, taskID, time.Now())
			}
		}
	}()
	return func() { close(done) }
}

// republishAfterDelay re-enqueues a TaskMessage after a backoff, implementing
// the "NACK-with-delay" retry leg of §4.3.2 step 6 on top of a bus with no
// native delayed-delivery primitive. It runs detached from the original
// message's handling goroutine, which has already ACKed.
func (m *Machine) republishAfterDelay(msg core.TaskMessage, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	<-timer.C
	if err := m.Bus.PublishTaskMessages(context.Background(), []core.TaskMessage{msg}); err != nil {
		m.Log.Warn("coremachine: failed to republish retried task", "task_id", msg.TaskID, "error", err)
	}
}

