// Package jobspec provides the concrete JobSpec implementations the
// registry dispatches on, plus a small embeddable Base that supplies the
// defaults most job types share (strict stage-failure policy, a
// concatenation aggregator, a zero batch threshold).
package jobspec

import (
	"encoding/json"
	"sort"
)

// Base gives a JobSpec struct sane defaults for AggregateResults,
// StopOnAnyFail, and BatchThreshold; job types embed it and override only
// what's distinctive (TotalStages, CreateTasks).
type Base struct {
	// Stages is the fixed stage count for job types whose stage count
	// doesn't depend on parameters.
	Stages int
	// Tolerant, when true, lets a stage with failed tasks complete as
	// STAGE_COMPLETE_PARTIAL. Unset (the default), a single failed task
	// fails the whole stage.
	Tolerant bool
	// Threshold is the value BatchThreshold reports. The CoreMachine does
	// not read it; TaskMessage fan-outs are chunked by the bus's own
	// configured threshold (BUS_BATCH_THRESHOLD).
	Threshold int
	// AdvanceOnPartial, when true, makes a non-final stage that completes
	// STAGE_COMPLETE_PARTIAL advance to the next stage anyway instead of
	// stopping the job there. Unset (the default) stops.
	AdvanceOnPartial bool
}

func (b Base) TotalStagesFixed() (int, error) { return b.Stages, nil }

func (b Base) StopOnAnyFail() bool { return !b.Tolerant }

func (b Base) ProceedOnPartial() bool { return b.AdvanceOnPartial }

func (b Base) BatchThreshold() int { return b.Threshold }

// AggregateResults concatenates every stage's aggregated result, in stage
// order, into a JSON array. Job types with a richer final-result shape
// override this.
func (b Base) AggregateResults(stageResults map[int][]byte) (any, error) {
	stages := make([]int, 0, len(stageResults))
	for k := range stageResults {
		stages = append(stages, k)
	}
	sort.Ints(stages)
	out := make([]json.RawMessage, 0, len(stages))
	for _, s := range stages {
		out = append(out, json.RawMessage(stageResults[s]))
	}
	return out, nil
}
