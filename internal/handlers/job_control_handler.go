package handlers

import (
	"context"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/queue"
)

// JobControlHandler serves the control-plane batch operations: pause,
// resume, cancel and skip-preview.
type JobControlHandler struct {
	engine *queue.Engine
	logger arbor.ILogger
}

// NewJobControlHandler creates a job control handler
func NewJobControlHandler(logger arbor.ILogger, engine *queue.Engine) *JobControlHandler {
	return &JobControlHandler{
		engine: engine,
		logger: logger,
	}
}

// jobBatchRequest is the body of every control operation.
type jobBatchRequest struct {
	JobIDs []string `json:"jobIDs"`
}

// PauseHandler handles POST /jobs/pause.
func (h *JobControlHandler) PauseHandler(w http.ResponseWriter, r *http.Request) {
	h.handleBatch(w, r, "paused", h.engine.PauseJobs)
}

// ResumeHandler handles POST /jobs/resume.
func (h *JobControlHandler) ResumeHandler(w http.ResponseWriter, r *http.Request) {
	h.handleBatch(w, r, "running", h.engine.ResumeJobs)
}

// CancelHandler handles POST /jobs/cancel.
func (h *JobControlHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	h.handleBatch(w, r, "canceled", h.engine.CancelJobs)
}

// SkipPreviewHandler handles POST /jobs/skip-preview.
func (h *JobControlHandler) SkipPreviewHandler(w http.ResponseWriter, r *http.Request) {
	h.handleBatch(w, r, "running", h.engine.SkipPreview)
}

func (h *JobControlHandler) handleBatch(w http.ResponseWriter, r *http.Request, resultStatus string,
	op func(ctx context.Context, jobIDs []string, username string) error) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	username, ok := RequireUsername(w, r)
	if !ok {
		return
	}

	var req jobBatchRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if len(req.JobIDs) == 0 {
		WriteError(w, http.StatusBadRequest, "jobIDs is required")
		return
	}

	if err := op(r.Context(), req.JobIDs, username); err != nil {
		WriteAppError(w, err)
		return
	}

	results := make([]map[string]string, 0, len(req.JobIDs))
	for _, jobID := range req.JobIDs {
		results = append(results, map[string]string{
			"jobID":  jobID,
			"status": resultStatus,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": results})
}
