package handlers

import (
	"database/sql"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/storage/sqlite"
)

// LabelHandler serves label management. Labels may be edited on terminal
// jobs; only ownership is checked.
type LabelHandler struct {
	db     *sqlite.SQLiteDB
	labels *sqlite.LabelStorage
	logger arbor.ILogger
}

// NewLabelHandler creates a label handler
func NewLabelHandler(logger arbor.ILogger, db *sqlite.SQLiteDB, labels *sqlite.LabelStorage) *LabelHandler {
	return &LabelHandler{
		db:     db,
		labels: labels,
		logger: logger,
	}
}

// labelRequest is the body of both label operations.
type labelRequest struct {
	JobID []string `json:"jobID"`
	Label []string `json:"label"`
}

// LabelsHandler handles PUT /labels (attach, 201) and DELETE /labels
// (detach, 204).
func (h *LabelHandler) LabelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	username, ok := RequireUsername(w, r)
	if !ok {
		return
	}

	var req labelRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if len(req.JobID) == 0 || len(req.Label) == 0 {
		WriteError(w, http.StatusBadRequest, "jobID and label are required")
		return
	}

	err := h.db.RunInTx(r.Context(), func(tx *sql.Tx) error {
		if err := h.labels.JobsExistForUser(r.Context(), tx, req.JobID, username); err != nil {
			return err
		}
		if r.Method == http.MethodPut {
			return h.labels.AttachLabels(r.Context(), tx, req.JobID, req.Label)
		}
		return h.labels.DetachLabels(r.Context(), tx, req.JobID, req.Label)
	})
	if err != nil {
		WriteAppError(w, err)
		return
	}

	if r.Method == http.MethodPut {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
