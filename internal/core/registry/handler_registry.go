// Package registry is the dispatch table the CoreMachine uses to turn a
// task's taskType into code, and a job's jobType into the JobSpec that
// decomposes it into stages. Both registries are read-only after startup;
// registration is a fatal wiring error, not a runtime condition.
package registry

import (
	"context"
	"fmt"
	"sync"

	core "github.com/rob634/rmhgeoapi/internal/domain/core"
)

// Handler is the contract a task-type implementation satisfies. Run
// receives the task's parameters and must return either a JSON-serializable
// result or an error — a plain error is classified PERMANENT by
// core.Classify, so handlers that want a TRANSIENT/INVALID_INPUT
// classification implement core.HandlerError.
type Handler interface {
	Type() string
	Run(ctx context.Context, params map[string]any) (result any, err error)
}

// HandlerRegistry maps taskType -> Handler. At most one handler may be
// registered per type; duplicate or nil registration fails fast at startup.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

func (r *HandlerRegistry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("registry: nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("registry: handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("registry: handler already registered for taskType=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *HandlerRegistry) Get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// JobSpec is the contract a job type implementation satisfies: it decomposes
// a job into a totally-ordered sequence of stages, each producing its own
// task fan-out from the job's parameters and the results of prior stages.
type JobSpec interface {
	Type() string
	TotalStages(params map[string]any) (int, error)
	CreateTasks(stage int, jobID string, params map[string]any, priorResults [][]byte) ([]core.TaskSpec, error)
	// AggregateResults builds the job's final result once the last stage has
	// completed. The default (used by the generic JobSpec embed) concatenates
	// all stage results.
	AggregateResults(stageResults map[int][]byte) (any, error)
	// StopOnAnyFail reports the stage-failure policy: true means a single
	// failed task in a stage fails the whole stage (the default); false
	// tolerates partial failure up to STAGE_COMPLETE_PARTIAL.
	StopOnAnyFail() bool
	// ProceedOnPartial reports what a non-final stage does when it completes
	// as STAGE_COMPLETE_PARTIAL rather than STAGE_COMPLETE_SUCCESS: true
	// advances to the next stage anyway; false (the default) stops the job
	// there, finalizing it COMPLETED_WITH_ERRORS from whatever stages did
	// run. Irrelevant to the final stage, which always finalizes.
	ProceedOnPartial() bool
	// BatchThreshold reports the job type's preferred fan-out chunk size.
	// Nothing in the CoreMachine or the bus consults it: TaskMessage
	// publication is chunked by the bus's own configured threshold for
	// every job type alike.
	BatchThreshold() int
}

// JobRegistry maps jobType -> JobSpec.
type JobRegistry struct {
	mu    sync.RWMutex
	specs map[string]JobSpec
}

func NewJobRegistry() *JobRegistry {
	return &JobRegistry{specs: make(map[string]JobSpec)}
}

func (r *JobRegistry) Register(spec JobSpec) error {
	if spec == nil {
		return fmt.Errorf("registry: nil job spec")
	}
	t := spec.Type()
	if t == "" {
		return fmt.Errorf("registry: job spec Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[t]; exists {
		return fmt.Errorf("registry: job spec already registered for jobType=%s", t)
	}
	r.specs[t] = spec
	return nil
}

func (r *JobRegistry) Get(jobType string) (JobSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[jobType]
	return s, ok
}
