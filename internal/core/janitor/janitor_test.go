// These tests run the janitor's sweeps against testutil.DB (set
// TEST_POSTGRES_DSN to enable them), for the same reason coremachine's tests
// do: the stage barrier they exercise locks rows with FOR UPDATE, which only
// a real Postgres connection honors.
package janitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rob634/rmhgeoapi/internal/core/coremachine"
	"github.com/rob634/rmhgeoapi/internal/core/jobspec"
	"github.com/rob634/rmhgeoapi/internal/core/registry"
	reposcore "github.com/rob634/rmhgeoapi/internal/data/repos/core"
	"github.com/rob634/rmhgeoapi/internal/data/repos/testutil"
	core "github.com/rob634/rmhgeoapi/internal/domain/core"
	"github.com/rob634/rmhgeoapi/internal/platform/dbctx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fakeBus struct {
	mu       sync.Mutex
	taskMsgs []core.TaskMessage

	reclaimCalls    int
	reclaimConsumer string
	reclaimMinIdle  time.Duration
	reclaimResult   int
	reclaimDead     int
	reclaimErr      error
}

func (f *fakeBus) PublishJobsMessage(ctx context.Context, msg core.JobsMessage) error { return nil }

func (f *fakeBus) PublishTaskMessages(ctx context.Context, msgs []core.TaskMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskMsgs = append(f.taskMsgs, msgs...)
	return nil
}

func (f *fakeBus) ConsumeJobsMessages(ctx context.Context, consumerName string, handler func(context.Context, core.JobsMessage) error) error {
	return nil
}

func (f *fakeBus) ConsumeTaskMessages(ctx context.Context, consumerName string, handler func(context.Context, core.TaskMessage) error) error {
	return nil
}

func (f *fakeBus) ReclaimStaleTaskMessages(ctx context.Context, consumerName string, minIdle time.Duration) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaimCalls++
	f.reclaimConsumer = consumerName
	f.reclaimMinIdle = minIdle
	return f.reclaimResult, f.reclaimDead, f.reclaimErr
}

func (f *fakeBus) Close() error { return nil }

func (f *fakeBus) taskMessages() []core.TaskMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.TaskMessage, len(f.taskMsgs))
	copy(out, f.taskMsgs)
	return out
}

type echoHandler struct{}

func (echoHandler) Type() string { return "echo" }
func (echoHandler) Run(ctx context.Context, params map[string]any) (any, error) {
	return map[string]any{"echoed": params["index"]}, nil
}

func newJanitor(t *testing.T) (*Janitor, reposcore.JobRepo, reposcore.TaskRepo, *fakeBus, *gorm.DB) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	jobRepo := reposcore.NewJobRepo(db, log)
	taskRepo := reposcore.NewTaskRepo(db, log)

	hr := registry.NewHandlerRegistry()
	if err := hr.Register(echoHandler{}); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	jr := registry.NewJobRegistry()
	if err := jr.Register(jobspec.NewEcho()); err != nil {
		t.Fatalf("register echo spec: %v", err)
	}

	fb := &fakeBus{}
	machine := coremachine.New(jobRepo, taskRepo, fb, hr, jr, log)
	j := New(jobRepo, taskRepo, fb, machine, log, Config{
		SweepInterval:        time.Hour,
		TaskHeartbeatTimeout: time.Minute,
		JobStallTimeout:      time.Minute,
	})
	return j, jobRepo, taskRepo, fb, db
}

// cleanupJob removes a single job and its tasks at test end, scoped by
// jobId so concurrently-run packages sharing the same test database never
// step on each other's rows.
func cleanupJob(t *testing.T, db *gorm.DB, jobID string) {
	t.Helper()
	t.Cleanup(func() {
		db.Exec("DELETE FROM task WHERE job_id = ?", jobID)
		db.Exec("DELETE FROM job WHERE job_id = ?", jobID)
	})
}

func seedEchoJob(t *testing.T, jobRepo reposcore.JobRepo, db *gorm.DB, jobID string) {
	t.Helper()
	paramsJSON, _ := json.Marshal(map[string]any{"count": 1})
	dbc := dbctx.Context{Ctx: context.Background()}
	_, err := jobRepo.CreateJob(dbc, &core.Job{
		JobID: jobID, JobType: "echo", Status: core.JobProcessing,
		Parameters: datatypes.JSON(paramsJSON), TotalStages: 1, CurrentStage: 1,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	cleanupJob(t, db, jobID)
}

// TestSweepStalledTasksRepublishesWithinRetryBudget verifies the task-stall
// sweep resets a stale PROCESSING task to QUEUED and republishes it, rather
// than failing it outright, while AttemptCount is still under MaxRetries.
func TestSweepStalledTasksRepublishesWithinRetryBudget(t *testing.T) {
	j, jobRepo, taskRepo, fb, db := newJanitor(t)
	seedEchoJob(t, jobRepo, db, "job-stall")
	dbc := dbctx.Context{Ctx: context.Background()}
	if _, err := taskRepo.BulkCreateTasks(dbc, []*core.Task{{
		TaskID: "task-stall", JobID: "job-stall", Stage: 1, SemanticIndex: "0",
		TaskType: "echo", Parameters: datatypes.JSON([]byte("{}")),
		Status: core.TaskQueued, MaxRetries: 3,
	}}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if _, err := taskRepo.ClaimTaskForProcessing(dbc, "task-stall"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Backdate the heartbeat past TaskHeartbeatTimeout.
	old := time.Now().Add(-time.Hour)
	if err := db.Model(&core.Task{}).Where("task_id = ?", "task-stall").Update("heartbeat", old).Error; err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	j.sweepStalledTasks(context.Background())

	task, err := taskRepo.ClaimTaskForProcessing(dbc, "task-stall")
	if err != nil {
		t.Fatalf("expected task-stall reset to QUEUED and reclaimable: %v", err)
	}
	if task.AttemptCount != 2 {
		t.Fatalf("expected attemptCount=2 after stall-reset and reclaim, got %d", task.AttemptCount)
	}
	if len(fb.taskMessages()) != 1 {
		t.Fatalf("expected the stall sweep to republish exactly one task message")
	}
}

// TestSweepStalledJobsRecoversLostAdvanceSignal seeds a job whose single
// task already completed but whose JobsMessage advance was dropped, and
// checks the job-progress sweep notices and finalizes it.
func TestSweepStalledJobsRecoversLostAdvanceSignal(t *testing.T) {
	j, jobRepo, taskRepo, _, db := newJanitor(t)
	seedEchoJob(t, jobRepo, db, "job-lost-advance")
	dbc := dbctx.Context{Ctx: context.Background()}
	if _, err := taskRepo.BulkCreateTasks(dbc, []*core.Task{{
		TaskID: "task-lost", JobID: "job-lost-advance", Stage: 1, SemanticIndex: "0",
		TaskType: "echo", Parameters: datatypes.JSON([]byte("{}")),
		Status: core.TaskQueued, MaxRetries: 3,
	}}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if _, err := taskRepo.ClaimTaskForProcessing(dbc, "task-lost"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := taskRepo.CompleteTaskAndCheckStage(dbc, "task-lost", reposcore.TaskOutcome{Succeeded: true, Result: []byte(`{}`)}, true); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Job row is still PROCESSING at currentStage=1 because only the task
	// barrier advanced, not the job — simulating a dropped JobsMessage.
	old := time.Now().Add(-time.Hour)
	if err := db.Model(&core.Job{}).Where("job_id = ?", "job-lost-advance").Update("updated_at", old).Error; err != nil {
		t.Fatalf("backdate job updated_at: %v", err)
	}

	j.sweepStalledJobs(context.Background())

	job, err := jobRepo.GetJob(dbc, "job-lost-advance")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != core.JobCompleted {
		t.Fatalf("expected job-progress sweep to finalize the job, got status=%s", job.Status)
	}
}

// TestSweepOrphanTasksFinalizesTerminalStageJobNeverHeard seeds a task
// marked terminal outside the normal completion path and checks the
// orphan-task sweep notices the job is still sitting at that stage and
// finalizes it.
func TestSweepOrphanTasksFinalizesTerminalStageJobNeverHeard(t *testing.T) {
	j, jobRepo, taskRepo, _, db := newJanitor(t)
	seedEchoJob(t, jobRepo, db, "job-orphan")
	dbc := dbctx.Context{Ctx: context.Background()}
	if _, err := taskRepo.BulkCreateTasks(dbc, []*core.Task{{
		TaskID: "task-orphan", JobID: "job-orphan", Stage: 1, SemanticIndex: "0",
		TaskType: "echo", Parameters: datatypes.JSON([]byte("{}")),
		Status: core.TaskQueued, MaxRetries: 3,
	}}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if err := db.Model(&core.Task{}).Where("task_id = ?", "task-orphan").
		Updates(map[string]any{"status": core.TaskCompleted, "result": datatypes.JSON([]byte(`{}`))}).Error; err != nil {
		t.Fatalf("force-complete task: %v", err)
	}

	j.sweepOrphanTasks(context.Background())

	job, err := jobRepo.GetJob(dbc, "job-orphan")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != core.JobCompleted {
		t.Fatalf("expected orphan sweep to finalize the job, got status=%s", job.Status)
	}
}

// TestSweepStaleBusEntriesUsesItsOwnConsumerIdentityAndHeartbeatTimeout
// checks the bus-reclaim sweep calls through to the bus with a consumer name
// distinct from any live worker's and the configured TaskHeartbeatTimeout as
// the staleness threshold.
func TestSweepStaleBusEntriesUsesItsOwnConsumerIdentityAndHeartbeatTimeout(t *testing.T) {
	j, _, _, fb, _ := newJanitor(t)
	fb.reclaimResult = 2
	fb.reclaimDead = 1

	j.sweepStaleBusEntries(context.Background())

	if fb.reclaimCalls != 1 {
		t.Fatalf("expected exactly one ReclaimStaleTaskMessages call, got %d", fb.reclaimCalls)
	}
	if fb.reclaimConsumer == "" {
		t.Fatal("expected a non-empty reclaim consumer identity")
	}
	if fb.reclaimMinIdle != j.Cfg.TaskHeartbeatTimeout {
		t.Fatalf("expected minIdle=%s, got %s", j.Cfg.TaskHeartbeatTimeout, fb.reclaimMinIdle)
	}
}

// TestSweepStaleBusEntriesSwallowsBusErrors checks a failing reclaim call
// doesn't panic or propagate, matching the other three sweeps' log-and-
// continue behavior so one bad tick never stops the loop.
func TestSweepStaleBusEntriesSwallowsBusErrors(t *testing.T) {
	j, _, _, fb, _ := newJanitor(t)
	fb.reclaimErr = fmt.Errorf("redis: connection refused")

	j.sweepStaleBusEntries(context.Background())

	if fb.reclaimCalls != 1 {
		t.Fatalf("expected the sweep to still call through once despite the eventual error, got %d", fb.reclaimCalls)
	}
}
