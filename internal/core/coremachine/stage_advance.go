package coremachine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rob634/rmhgeoapi/internal/core/registry"
	core "github.com/rob634/rmhgeoapi/internal/domain/core"
	"github.com/rob634/rmhgeoapi/internal/platform/dbctx"
)

// advanceStage is the branch shared by task-message handling and the
// zero-task shortcut in job-message handling: given a stage that just
// completed (as STAGE_COMPLETE_SUCCESS or STAGE_COMPLETE_PARTIAL —
// STAGE_FAILED is handled by its own caller, since it also needs
// cascade-fail), either publish the next stage's JobsMessage or finalize the
// job. A non-final STAGE_COMPLETE_PARTIAL only advances if the JobSpec opts
// in via ProceedOnPartial; otherwise it finalizes the job right here,
// COMPLETED_WITH_ERRORS, from whatever stages actually ran.
func (m *Machine) advanceStage(ctx context.Context, jobID, jobType string, stage, totalStages int, correlationID string, outcome core.StageOutcome, spec registry.JobSpec) error {
	if stage < totalStages && (outcome != core.StageCompletePartial || spec.ProceedOnPartial()) {
		return m.Bus.PublishJobsMessage(ctx, core.JobsMessage{
			JobID:         jobID,
			JobType:       jobType,
			Stage:         stage + 1,
			CorrelationID: correlationID,
		})
	}

	dbc := dbctx.Context{Ctx: ctx}
	job, err := m.Jobs.GetJob(dbc, jobID)
	if err != nil {
		return err
	}
	stageResults := job.StageResultsMap()
	byStage := make(map[int][]byte, len(stageResults))
	for k, v := range stageResults {
		byStage[k] = v
	}
	finalResult, err := spec.AggregateResults(byStage)
	if err != nil {
		return fmt.Errorf("coremachine: AggregateResults: %w", err)
	}
	finalJSON, err := json.Marshal(finalResult)
	if err != nil {
		return fmt.Errorf("coremachine: marshal final result: %w", err)
	}

	if outcome == core.StageCompletePartial {
		return m.Jobs.MarkJobPartial(dbc, jobID, finalJSON)
	}
	return m.Jobs.MarkJobCompleted(dbc, jobID, finalJSON)
}
