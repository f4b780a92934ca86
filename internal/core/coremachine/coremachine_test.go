// These tests run the real JobRepo/TaskRepo against testutil.DB (set
// TEST_POSTGRES_DSN to enable them): WithJobLock and ClaimTaskForProcessing
// issue a genuine FOR UPDATE, which only a real Postgres connection
// understands, so a fake or sqlite-backed repo can't stand in here.
package coremachine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rob634/rmhgeoapi/internal/core/jobspec"
	"github.com/rob634/rmhgeoapi/internal/core/registry"
	reposcore "github.com/rob634/rmhgeoapi/internal/data/repos/core"
	"github.com/rob634/rmhgeoapi/internal/data/repos/testutil"
	core "github.com/rob634/rmhgeoapi/internal/domain/core"
	"github.com/rob634/rmhgeoapi/internal/platform/dbctx"
	"gorm.io/datatypes"
)

// fakeBus records every publish instead of talking to Redis, so these tests
// exercise the CoreMachine's decisions without a broker.
type fakeBus struct {
	mu       sync.Mutex
	jobsMsgs []core.JobsMessage
	taskMsgs []core.TaskMessage
}

func (f *fakeBus) PublishJobsMessage(ctx context.Context, msg core.JobsMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobsMsgs = append(f.jobsMsgs, msg)
	return nil
}

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
	return 0, 0, nil
}

func (f *fakeBus) Close() error { return nil }

func (f *fakeBus) taskMessages() []core.TaskMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.TaskMessage, len(f.taskMsgs))
	copy(out, f.taskMsgs)
	return out
}

func (f *fakeBus) jobsMessages() []core.JobsMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.JobsMessage, len(f.jobsMsgs))
	copy(out, f.jobsMsgs)
	return out
}

// failOnce is a taskType whose handler fails TRANSIENT exactly once, then
// succeeds, for exercising the retry leg of HandleTaskMessage.
type failOnceHandler struct{ calls *int }

func (failOnceHandler) Type() string { return "fail_once" }

func (h failOnceHandler) Run(ctx context.Context, params map[string]any) (any, error) {
	*h.calls++
	if *h.calls == 1 {
		return nil, transientErr{}
	}
	return map[string]any{"ok": true}, nil
}

type transientErr struct{}

func (transientErr) Error() string          { return "transient failure" }
func (transientErr) ErrorKind() core.ErrorKind { return core.KindTransient }

// alwaysFailHandler always returns a permanent error, for the cascade-fail path.
type alwaysFailHandler struct{}

func (alwaysFailHandler) Type() string { return "always_fail" }

func (alwaysFailHandler) Run(ctx context.Context, params map[string]any) (any, error) {
	return nil, errPermanent
}

var errPermanent = &permErr{}

type permErr struct{}

func (*permErr) Error() string { return "permanent failure" }

func newMachine(t *testing.T, handlers []registry.Handler) (*Machine, reposcore.JobRepo, reposcore.TaskRepo, *fakeBus) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	jobRepo := reposcore.NewJobRepo(db, log)
	taskRepo := reposcore.NewTaskRepo(db, log)

	hr := registry.NewHandlerRegistry()
	for _, h := range handlers {
		if err := hr.Register(h); err != nil {
			t.Fatalf("register handler: %v", err)
		}
	}
	jr := registry.NewJobRegistry()
	if err := jr.Register(jobspec.NewEcho()); err != nil {
		t.Fatalf("register echo spec: %v", err)
	}

	fb := &fakeBus{}
	m := New(jobRepo, taskRepo, fb, hr, jr, log)
	return m, jobRepo, taskRepo, fb
}

// cleanupJob removes a single job and its tasks at test end, scoped by
// jobId so concurrently-run packages sharing the same test database never
// step on each other's rows.
func cleanupJob(t *testing.T, jobRepo reposcore.JobRepo, jobID string) {
	t.Helper()
	t.Cleanup(func() {
		db := testutil.DB(t)
		db.Exec("DELETE FROM task WHERE job_id = ?", jobID)
		db.Exec("DELETE FROM job WHERE job_id = ?", jobID)
	})
}

func seedEchoJob(t *testing.T, jobRepo reposcore.JobRepo, jobID string, count int) {
	t.Helper()
	paramsJSON, _ := json.Marshal(map[string]any{"count": count})
	dbc := dbctx.Context{Ctx: context.Background()}
	_, err := jobRepo.CreateJob(dbc, &core.Job{
		JobID:        jobID,
		JobType:      "echo",
		Status:       core.JobQueued,
		Parameters:   datatypes.JSON(paramsJSON),
		TotalStages:  1,
		CurrentStage: 1,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	cleanupJob(t, jobRepo, jobID)
}

func TestHandleJobsMessageFansOutOneTaskMessagePerTask(t *testing.T) {
	m, jobRepo, _, fb := newMachine(t, []registry.Handler{echoHandler{}})
	seedEchoJob(t, jobRepo, "job-fanout", 3)

	err := m.HandleJobsMessage(context.Background(), core.JobsMessage{JobID: "job-fanout", JobType: "echo", Stage: 1})
	if err != nil {
		t.Fatalf("HandleJobsMessage: %v", err)
	}

	if got := fb.taskMessages(); len(got) != 3 {
		t.Fatalf("expected 3 task messages, got %d: %+v", len(got), got)
	}
}

func TestHandleJobsMessageIsIdempotentOnRedelivery(t *testing.T) {
	m, jobRepo, _, fb := newMachine(t, []registry.Handler{echoHandler{}})
	seedEchoJob(t, jobRepo, "job-redeliver", 2)

	msg := core.JobsMessage{JobID: "job-redeliver", JobType: "echo", Stage: 1}
	if err := m.HandleJobsMessage(context.Background(), msg); err != nil {
		t.Fatalf("first HandleJobsMessage: %v", err)
	}
	if err := m.HandleJobsMessage(context.Background(), msg); err != nil {
		t.Fatalf("second HandleJobsMessage: %v", err)
	}

	if got := fb.taskMessages(); len(got) != 2 {
		t.Fatalf("expected exactly 2 task messages across both deliveries, got %d", len(got))
	}
}

func TestHandleJobsMessageZeroTaskStageAdvancesImmediately(t *testing.T) {
	m, jobRepo, _, fb := newMachine(t, []registry.Handler{echoHandler{}})
	seedEchoJob(t, jobRepo, "job-zero", 0)

	if err := m.HandleJobsMessage(context.Background(), core.JobsMessage{JobID: "job-zero", JobType: "echo", Stage: 1}); err != nil {
		t.Fatalf("HandleJobsMessage: %v", err)
	}

	job, err := jobRepo.GetJob(dbctx.Context{Ctx: context.Background()}, "job-zero")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != core.JobCompleted {
		t.Fatalf("expected job completed after zero-task stage, got %s", job.Status)
	}
	if len(fb.taskMessages()) != 0 {
		t.Fatalf("expected no task messages for a zero-task stage")
	}
}

// echoHandler mirrors handlers.Echo without importing internal/core/handlers,
// keeping this test package's dependency surface to coremachine+jobspec+registry.
type echoHandler struct{}

func (echoHandler) Type() string { return "echo" }

func (echoHandler) Run(ctx context.Context, params map[string]any) (any, error) {
	return map[string]any{"echoed": params["index"]}, nil
}

func TestHandleTaskMessageCompletesStageAndAdvancesJob(t *testing.T) {
	m, jobRepo, taskRepo, fb := newMachine(t, []registry.Handler{echoHandler{}})
	seedEchoJob(t, jobRepo, "job-complete", 1)

	if err := m.HandleJobsMessage(context.Background(), core.JobsMessage{JobID: "job-complete", JobType: "echo", Stage: 1}); err != nil {
		t.Fatalf("HandleJobsMessage: %v", err)
	}
	taskMsgs := fb.taskMessages()
	if len(taskMsgs) != 1 {
		t.Fatalf("expected 1 task message, got %d", len(taskMsgs))
	}

	if err := m.HandleTaskMessage(context.Background(), taskMsgs[0]); err != nil {
		t.Fatalf("HandleTaskMessage: %v", err)
	}

	job, err := jobRepo.GetJob(dbctx.Context{Ctx: context.Background()}, "job-complete")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != core.JobCompleted {
		t.Fatalf("expected job completed, got %s", job.Status)
	}
	if got := fb.jobsMessages(); len(got) != 0 {
		t.Fatalf("expected no further JobsMessage after the only stage completes, got %+v", got)
	}
	task, err := taskRepo.ClaimTaskForProcessing(dbctx.Context{Ctx: context.Background()}, taskMsgs[0].TaskID)
	if err == nil {
		t.Fatalf("expected completed task %s to no longer be claimable, got %+v", taskMsgs[0].TaskID, task)
	}
}

func TestHandleTaskMessageCascadeFailsOnPermanentError(t *testing.T) {
	m, jobRepo, taskRepo, _ := newMachine(t, []registry.Handler{alwaysFailHandler{}})

	paramsJSON, _ := json.Marshal(map[string]any{})
	dbc := dbctx.Context{Ctx: context.Background()}
	_, err := jobRepo.CreateJob(dbc, &core.Job{
		JobID: "job-fail", JobType: "echo", Status: core.JobQueued,
		Parameters: datatypes.JSON(paramsJSON), TotalStages: 1, CurrentStage: 1,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	cleanupJob(t, jobRepo, "job-fail")
	_, err = taskRepo.BulkCreateTasks(dbc, []*core.Task{{
		TaskID: "task-fail", JobID: "job-fail", Stage: 1, SemanticIndex: "0",
		TaskType: "always_fail", Parameters: datatypes.JSON([]byte("{}")),
		Status: core.TaskQueued, MaxRetries: 3,
	}})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}

	err = m.HandleTaskMessage(context.Background(), core.TaskMessage{JobID: "job-fail", TaskID: "task-fail", Stage: 1, TaskType: "always_fail"})
	if err != nil {
		t.Fatalf("HandleTaskMessage: %v", err)
	}

	job, err := jobRepo.GetJob(dbc, "job-fail")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != core.JobFailed {
		t.Fatalf("expected job failed after permanent task error, got %s", job.Status)
	}
}

func TestHandleTaskMessageRetriesTransientFailure(t *testing.T) {
	calls := 0
	m, jobRepo, taskRepo, fb := newMachine(t, []registry.Handler{failOnceHandler{calls: &calls}})
	m.LeaseRenewalInterval = time.Hour // no heartbeat ticks during the test

	paramsJSON, _ := json.Marshal(map[string]any{})
	dbc := dbctx.Context{Ctx: context.Background()}
	_, err := jobRepo.CreateJob(dbc, &core.Job{
		JobID: "job-retry", JobType: "echo", Status: core.JobQueued,
		Parameters: datatypes.JSON(paramsJSON), TotalStages: 1, CurrentStage: 1,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	cleanupJob(t, jobRepo, "job-retry")
	_, err = taskRepo.BulkCreateTasks(dbc, []*core.Task{{
		TaskID: "task-retry", JobID: "job-retry", Stage: 1, SemanticIndex: "0",
		TaskType: "fail_once", Parameters: datatypes.JSON([]byte("{}")),
		Status: core.TaskQueued, MaxRetries: 3,
	}})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}

	msg := core.TaskMessage{JobID: "job-retry", TaskID: "task-retry", Stage: 1, TaskType: "fail_once"}
	if err := m.HandleTaskMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleTaskMessage (first attempt): %v", err)
	}

	task, err := taskRepo.ClaimTaskForProcessing(dbc, "task-retry")
	if err != nil {
		t.Fatalf("expected task reset to QUEUED and claimable again: %v", err)
	}
	if task.AttemptCount != 2 {
		t.Fatalf("expected attemptCount=2 on second claim, got %d", task.AttemptCount)
	}
	_ = fb
}
