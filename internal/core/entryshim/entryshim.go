// Package entryshim is the sole external-facing path onto the orchestrator
// (§4.5 and §9's "two-path entry" note): a submission becomes a durable Job
// row and a stage-1 JobsMessage, and nothing else. Anything that wants to
// run work goes through SubmitJob — there is no separate inline-execution
// path that bypasses the State Store and the Message Bus.
package entryshim

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/rob634/rmhgeoapi/internal/bus"
	"github.com/rob634/rmhgeoapi/internal/core/idhash"
	"github.com/rob634/rmhgeoapi/internal/core/registry"
	reposcore "github.com/rob634/rmhgeoapi/internal/data/repos/core"
	core "github.com/rob634/rmhgeoapi/internal/domain/core"
	"github.com/rob634/rmhgeoapi/internal/platform/dbctx"
	"github.com/rob634/rmhgeoapi/internal/platform/logger"
)

// SubmitResult is returned to the caller once a job has a durable row and
// its first stage has been published.
type SubmitResult struct {
	JobID  string        `json:"jobId"`
	Status core.JobStatus `json:"status"`
}

// Shim wires the registry, State Store, and Message Bus the submission path
// needs. It never touches Task rows or the CoreMachine directly.
type Shim struct {
	Jobs     reposcore.JobRepo
	Bus      bus.Bus
	JobSpecs *registry.JobRegistry
	Log      *logger.Logger
}

func New(jobs reposcore.JobRepo, b bus.Bus, specs *registry.JobRegistry, log *logger.Logger) *Shim {
	return &Shim{Jobs: jobs, Bus: b, JobSpecs: specs, Log: log.With("component", "EntryShim")}
}

// SubmitJob validates jobType against the Job Registry, computes the
// deterministic jobId, persists the Job row (idempotent on resubmission of
// identical parameters), and publishes the stage-1 JobsMessage. Resubmitting
// identical (jobType, parameters) is a safe no-op beyond a redundant
// message, since HandleJobsMessage's own stale-stage check and
// BulkCreateTasks idempotency absorb a duplicate stage-1 activation.
func (s *Shim) SubmitJob(ctx context.Context, jobType string, parameters map[string]any) (*SubmitResult, error) {
	if jobType == "" {
		return nil, fmt.Errorf("entryshim: missing jobType")
	}
	spec, ok := s.JobSpecs.Get(jobType)
	if !ok {
		return nil, fmt.Errorf("entryshim: unknown jobType=%s", jobType)
	}
	if parameters == nil {
		parameters = map[string]any{}
	}

	totalStages, err := spec.TotalStages(parameters)
	if err != nil {
		return nil, fmt.Errorf("entryshim: TotalStages: %w", err)
	}
	if totalStages < 1 {
		return nil, fmt.Errorf("entryshim: jobType=%s declares %d total stages", jobType, totalStages)
	}

	paramsJSON, err := json.Marshal(parameters)
	if err != nil {
		return nil, fmt.Errorf("entryshim: marshal parameters: %w", err)
	}

	jobID := idhash.JobID(jobType, parameters)
	correlationID := uuid.NewString()

	job := &core.Job{
		JobID:         jobID,
		JobType:       jobType,
		Status:        core.JobQueued,
		Parameters:    paramsJSON,
		TotalStages:   totalStages,
		CurrentStage:  1,
		CorrelationID: correlationID,
	}

	dbc := dbctx.Context{Ctx: ctx}
	created, err := s.Jobs.CreateJob(dbc, job)
	if err != nil {
		return nil, fmt.Errorf("entryshim: CreateJob: %w", err)
	}

	msg := core.JobsMessage{
		JobID:         created.JobID,
		JobType:       created.JobType,
		Stage:         1,
		CorrelationID: created.CorrelationID,
	}
	if err := s.Bus.PublishJobsMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("entryshim: publish stage-1 jobs message: %w", err)
	}

	s.Log.Info("job submitted", "job_id", created.JobID, "job_type", created.JobType)
	return &SubmitResult{JobID: created.JobID, Status: created.Status}, nil
}
