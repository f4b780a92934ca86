package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rob634/rmhgeoapi/internal/core/entryshim"
	reposcore "github.com/rob634/rmhgeoapi/internal/data/repos/core"
	core "github.com/rob634/rmhgeoapi/internal/domain/core"
	"github.com/rob634/rmhgeoapi/internal/platform/dbctx"
)

// JobsHandler is the only HTTP surface onto the orchestrator: submit a job
// and look up its status. There is no inline-execution endpoint, per §9's
// "two-path entry" note — everything goes through the Entry Shim.
type JobsHandler struct {
	Shim *entryshim.Shim
	Jobs reposcore.JobRepo
}

func NewJobsHandler(shim *entryshim.Shim, jobs reposcore.JobRepo) *JobsHandler {
	return &JobsHandler{Shim: shim, Jobs: jobs}
}

type submitJobRequest struct {
	JobType    string         `json:"jobType" binding:"required"`
	Parameters map[string]any `json:"parameters"`
}

// POST /api/jobs
func (h *JobsHandler) SubmitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	result, err := h.Shim.SubmitJob(c.Request.Context(), req.JobType, req.Parameters)
	if err != nil {
		respondError(c, http.StatusBadRequest, "submit_failed", err)
		return
	}
	respondOK(c, result)
}

// GET /api/jobs/:id
func (h *JobsHandler) GetJob(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		respondError(c, http.StatusBadRequest, "missing_job_id", errors.New("missing job id"))
		return
	}
	job, err := h.Jobs.GetJob(dbctx.Context{Ctx: c.Request.Context()}, jobID)
	if errors.Is(err, core.ErrNotFound) {
		respondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "job_lookup_failed", err)
		return
	}
	respondOK(c, gin.H{"job": job})
}
