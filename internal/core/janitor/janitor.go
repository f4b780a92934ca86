// Package janitor runs the periodic recovery sweeps: a task-stall sweep
// (heartbeat timeout), a job-progress sweep (zombie jobs whose advance
// signal was lost), an orphan-task sweep (terminal tasks whose job was
// never told), and a bus-reclaim sweep (stale entries left in the message
// bus's pending-entries list by a crashed consumer). The first three reuse
// the same repo/transaction primitives normal processing uses, so all four
// are safe to run concurrently with it — there is no separate "recovery
// mode" lock.
package janitor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rob634/rmhgeoapi/internal/bus"
	"github.com/rob634/rmhgeoapi/internal/core/coremachine"
	reposcore "github.com/rob634/rmhgeoapi/internal/data/repos/core"
	core "github.com/rob634/rmhgeoapi/internal/domain/core"
	"github.com/rob634/rmhgeoapi/internal/platform/dbctx"
	"github.com/rob634/rmhgeoapi/internal/platform/logger"
)

// Config governs all four sweeps' intervals and thresholds. The handler's
// heartbeat interval must stay well under the broker's visibility timeout;
// TaskHeartbeatTimeout here should be several multiples of the handler's
// heartbeat interval, not the broker timeout itself, and doubles as the
// bus-reclaim sweep's minimum idle time since both are measuring the same
// kind of staleness.
type Config struct {
	SweepInterval        time.Duration
	TaskHeartbeatTimeout time.Duration
	JobStallTimeout      time.Duration
}

func (c Config) normalize() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.TaskHeartbeatTimeout <= 0 {
		c.TaskHeartbeatTimeout = 2 * time.Minute
	}
	if c.JobStallTimeout <= 0 {
		c.JobStallTimeout = 10 * time.Minute
	}
	return c
}

// Janitor wires the repos, bus, and JobSpec registry its sweeps need. It
// drives stage transitions through the same coremachine.Machine normal
// message handling uses, via Machine.ResolveStageOutcome, so a recovery
// action and a live completion can never disagree about what a given
// StageCompletionResult means.
type Janitor struct {
	Jobs    reposcore.JobRepo
	Tasks   reposcore.TaskRepo
	Bus     bus.Bus
	Machine *coremachine.Machine
	Log     *logger.Logger
	Cfg     Config

	// reclaimConsumer is the identity the bus-reclaim sweep claims stale
	// pending-entries under, distinct from any live worker's consumer name
	// so a claimed-but-dead-lettered entry is never confused with one a
	// worker is still actively holding.
	reclaimConsumer string
}

func New(jobs reposcore.JobRepo, tasks reposcore.TaskRepo, b bus.Bus, machine *coremachine.Machine, log *logger.Logger, cfg Config) *Janitor {
	return &Janitor{
		Jobs:            jobs,
		Tasks:           tasks,
		Bus:             b,
		Machine:         machine,
		Log:             log.With("component", "Janitor"),
		Cfg:             cfg.normalize(),
		reclaimConsumer: reclaimConsumerName(),
	}
}

func reclaimConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "janitor"
	}
	return fmt.Sprintf("%s-reclaim-%s", host, uuid.NewString()[:8])
}

// Run starts all four sweeps on independent tickers and blocks until ctx is
// canceled. Each sweep's own errors are logged and swallowed at the sweep
// level — a failing sweep must not stop its siblings from ticking — so the
// errgroup only ever returns non-nil when ctx itself is done.
func (j *Janitor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return j.loop(gctx, "task-stall", j.sweepStalledTasks) })
	g.Go(func() error { return j.loop(gctx, "job-progress", j.sweepStalledJobs) })
	g.Go(func() error { return j.loop(gctx, "orphan-task", j.sweepOrphanTasks) })
	g.Go(func() error { return j.loop(gctx, "bus-reclaim", j.sweepStaleBusEntries) })
	return g.Wait()
}

func (j *Janitor) loop(ctx context.Context, name string, sweep func(ctx context.Context)) error {
	ticker := time.NewTicker(j.Cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// sweepStalledTasks implements the task-stall sweep: a PROCESSING task whose
// heartbeat is older than TaskHeartbeatTimeout either still has retry budget
// (reset to QUEUED, republish) or is permanently failed with
// HEARTBEAT_TIMEOUT, in which case the stage barrier is rechecked exactly as
// a live task completion would.
func (j *Janitor) sweepStalledTasks(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	tasks, err := j.Tasks.FindStalledTasks(dbc, j.Cfg.TaskHeartbeatTimeout, time.Now())
	if err != nil {
		j.Log.Warn("task-stall sweep: query failed", "error", err)
		return
	}
	for _, t := range tasks {
		if t.AttemptCount < t.MaxRetries {
			if err := j.Tasks.ResetToQueued(dbc, t.TaskID); err != nil {
				j.Log.Warn("task-stall sweep: reset failed", "task_id", t.TaskID, "error", err)
				continue
			}
			msg := core.TaskMessage{JobID: t.JobID, TaskID: t.TaskID, Stage: t.Stage, TaskType: t.TaskType}
			if err := j.Bus.PublishTaskMessages(ctx, []core.TaskMessage{msg}); err != nil {
				j.Log.Warn("task-stall sweep: republish failed", "task_id", t.TaskID, "error", err)
			}
			continue
		}

		job, err := j.Jobs.GetJob(dbc, t.JobID)
		if err != nil {
			j.Log.Warn("task-stall sweep: job lookup failed", "job_id", t.JobID, "error", err)
			continue
		}
		outcome := reposcore.TaskOutcome{
			Succeeded: false,
			Err:       core.NewTaskError(core.KindHeartbeatTimeout, "task heartbeat exceeded timeout", t.AttemptCount),
		}
		result, err := j.Tasks.CompleteTaskAndCheckStage(dbc, t.TaskID, outcome, j.stopOnAnyFail(job))
		if err != nil {
			j.Log.Warn("task-stall sweep: completion failed", "task_id", t.TaskID, "error", err)
			continue
		}
		if err := j.Machine.ResolveStageOutcome(ctx, t.JobID, t.Stage, job.CorrelationID, result); err != nil {
			j.Log.Warn("task-stall sweep: stage resolution failed", "job_id", t.JobID, "error", err)
		}
	}
}

// sweepStalledJobs implements the job-progress sweep: a PROCESSING job whose
// updatedAt is stale, with nothing left in flight for its current stage, had
// its advance signal lost somewhere — most likely a dropped JobsMessage.
// Rechecking the stage's stored task statuses repairs it.
func (j *Janitor) sweepStalledJobs(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	jobs, err := j.Jobs.FindStalledJobs(dbc, j.Cfg.JobStallTimeout, time.Now())
	if err != nil {
		j.Log.Warn("job-progress sweep: query failed", "error", err)
		return
	}
	for _, job := range jobs {
		pending, err := j.Tasks.CountNonTerminalInStage(dbc, job.JobID, job.CurrentStage)
		if err != nil {
			j.Log.Warn("job-progress sweep: count failed", "job_id", job.JobID, "error", err)
			continue
		}
		if pending > 0 {
			continue
		}
		result, err := j.Tasks.CheckStageCompletion(dbc, job.JobID, job.CurrentStage, j.stopOnAnyFail(job))
		if err != nil {
			j.Log.Warn("job-progress sweep: recheck failed", "job_id", job.JobID, "error", err)
			continue
		}
		if err := j.Machine.ResolveStageOutcome(ctx, job.JobID, job.CurrentStage, job.CorrelationID, result); err != nil {
			j.Log.Warn("job-progress sweep: stage resolution failed", "job_id", job.JobID, "error", err)
		}
	}
}

// sweepOrphanTasks implements the orphan-task sweep: tasks already terminal
// in a stage the job is still sitting at, a narrower and faster-firing
// variant of the job-progress sweep that doesn't wait for JobStallTimeout.
func (j *Janitor) sweepOrphanTasks(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	keys, err := j.Tasks.FindOrphanStageCandidates(dbc)
	if err != nil {
		j.Log.Warn("orphan-task sweep: query failed", "error", err)
		return
	}
	for _, k := range keys {
		job, err := j.Jobs.GetJob(dbc, k.JobID)
		if err != nil {
			j.Log.Warn("orphan-task sweep: job lookup failed", "job_id", k.JobID, "error", err)
			continue
		}
		result, err := j.Tasks.CheckStageCompletion(dbc, k.JobID, k.Stage, j.stopOnAnyFail(job))
		if err != nil {
			j.Log.Warn("orphan-task sweep: recheck failed", "job_id", k.JobID, "stage", k.Stage, "error", err)
			continue
		}
		if err := j.Machine.ResolveStageOutcome(ctx, k.JobID, k.Stage, job.CorrelationID, result); err != nil {
			j.Log.Warn("orphan-task sweep: stage resolution failed", "job_id", k.JobID, "error", err)
		}
	}
}

// sweepStaleBusEntries implements the bus-level leg of pending-entries
// recovery: a task message a consumer read but never acked
// (most often because the process holding it crashed mid-handler) has
// already been delivered once, and since maxDeliveryCount is 1 for task
// streams it is dead-lettered rather than redelivered — task-level retry is the
// CoreMachine's job, not the broker's. This sweep only frees up the pending
// entries list; it never touches Job/Task rows, so it's safe to run
// alongside the other three.
func (j *Janitor) sweepStaleBusEntries(ctx context.Context) {
	reclaimed, deadLettered, err := j.Bus.ReclaimStaleTaskMessages(ctx, j.reclaimConsumer, j.Cfg.TaskHeartbeatTimeout)
	if err != nil {
		j.Log.Warn("bus-reclaim sweep: failed", "error", err)
		return
	}
	if reclaimed > 0 || deadLettered > 0 {
		j.Log.Info("bus-reclaim sweep: processed stale pending entries", "reclaimed", reclaimed, "dead_lettered", deadLettered)
	}
}

func (j *Janitor) stopOnAnyFail(job *core.Job) bool {
	spec, ok := j.Machine.JobSpecs.Get(job.JobType)
	if !ok {
		return true
	}
	return spec.StopOnAnyFail()
}
