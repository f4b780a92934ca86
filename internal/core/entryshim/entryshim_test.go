package entryshim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rob634/rmhgeoapi/internal/core/jobspec"
	"github.com/rob634/rmhgeoapi/internal/core/registry"
	reposcore "github.com/rob634/rmhgeoapi/internal/data/repos/core"
	"github.com/rob634/rmhgeoapi/internal/data/repos/testutil"
	core "github.com/rob634/rmhgeoapi/internal/domain/core"
	"github.com/rob634/rmhgeoapi/internal/platform/dbctx"
	"gorm.io/gorm"
)

// fakeJobRepo is a pure in-memory JobRepo: the submission path never needs
// WithJobLock's transactional semantics, so a map keyed by jobId is enough.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*core.Job
}

func newFakeJobRepo() *fakeJobRepo { return &fakeJobRepo{jobs: make(map[string]*core.Job)} }

func (f *fakeJobRepo) CreateJob(dbc dbctx.Context, job *core.Job) (*core.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.jobs[job.JobID]; ok {
		return existing, nil
	}
	cp := *job
	f.jobs[job.JobID] = &cp
	return &cp, nil
}

func (f *fakeJobRepo) GetJob(dbc dbctx.Context, jobID string) (*core.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobRepo) WithJobLock(dbc dbctx.Context, jobID string, fn func(tx *gorm.DB, job *core.Job) error) error {
	panic("not exercised by the submission path")
}

func (f *fakeJobRepo) MarkJobFailed(dbc dbctx.Context, jobID string, errorDetails string) error {
	return nil
}

func (f *fakeJobRepo) MarkJobCompleted(dbc dbctx.Context, jobID string, finalResult []byte) error {
	return nil
}

func (f *fakeJobRepo) MarkJobPartial(dbc dbctx.Context, jobID string, finalResult []byte) error {
	return nil
}

func (f *fakeJobRepo) FindStalledJobs(dbc dbctx.Context, stallTimeout time.Duration, now time.Time) ([]*core.Job, error) {
	return nil, nil
}

var _ reposcore.JobRepo = (*fakeJobRepo)(nil)

type fakeBus struct {
	mu       sync.Mutex
	jobsMsgs []core.JobsMessage
	err      error
}

func (f *fakeBus) PublishJobsMessage(ctx context.Context, msg core.JobsMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobsMsgs = append(f.jobsMsgs, msg)
	return nil
}

func (f *fakeBus) PublishTaskMessages(ctx context.Context, msgs []core.TaskMessage) error { return nil }

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

func newShim(t *testing.T) (*Shim, *fakeJobRepo, *fakeBus) {
	t.Helper()
	jr := registry.NewJobRegistry()
	if err := jr.Register(jobspec.NewEcho()); err != nil {
		t.Fatalf("register echo spec: %v", err)
	}
	jobRepo := newFakeJobRepo()
	bus := &fakeBus{}
	return New(jobRepo, bus, jr, testutil.Logger(t)), jobRepo, bus
}

func TestSubmitJobPersistsAndPublishesStageOne(t *testing.T) {
	shim, jobRepo, bus := newShim(t)

	result, err := shim.SubmitJob(context.Background(), "echo", map[string]any{"count": 2})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if result.Status != core.JobQueued {
		t.Fatalf("expected QUEUED, got %s", result.Status)
	}

	job, err := jobRepo.GetJob(dbctx.Context{Ctx: context.Background()}, result.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.TotalStages != 1 {
		t.Fatalf("expected totalStages=1, got %d", job.TotalStages)
	}

	bus.mu.Lock()
	msgs := bus.jobsMsgs
	bus.mu.Unlock()
	if len(msgs) != 1 || msgs[0].Stage != 1 || msgs[0].JobID != result.JobID {
		t.Fatalf("expected one stage-1 JobsMessage for %s, got %+v", result.JobID, msgs)
	}
}

func TestSubmitJobIsIdempotentByContentHash(t *testing.T) {
	shim, _, bus := newShim(t)

	first, err := shim.SubmitJob(context.Background(), "echo", map[string]any{"count": 5})
	if err != nil {
		t.Fatalf("first SubmitJob: %v", err)
	}
	second, err := shim.SubmitJob(context.Background(), "echo", map[string]any{"count": 5})
	if err != nil {
		t.Fatalf("second SubmitJob: %v", err)
	}
	if first.JobID != second.JobID {
		t.Fatalf("expected identical jobId for identical (jobType, parameters), got %s vs %s", first.JobID, second.JobID)
	}

	bus.mu.Lock()
	n := len(bus.jobsMsgs)
	bus.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected two stage-1 publishes (one per submission, even though the row is shared), got %d", n)
	}
}

func TestSubmitJobRejectsUnknownJobType(t *testing.T) {
	shim, _, _ := newShim(t)
	if _, err := shim.SubmitJob(context.Background(), "does_not_exist", nil); err == nil {
		t.Fatal("expected an error for an unregistered jobType")
	}
}

func TestSubmitJobRejectsEmptyJobType(t *testing.T) {
	shim, _, _ := newShim(t)
	if _, err := shim.SubmitJob(context.Background(), "", nil); err == nil {
		t.Fatal("expected an error for an empty jobType")
	}
}
