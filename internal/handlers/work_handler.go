package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/models"
	"github.com/ternarybob/ordino/internal/queue"
)

// WorkHandler serves the worker-facing endpoints: polling for work and
// reporting outcomes.
type WorkHandler struct {
	dispatcher *queue.Dispatcher
	engine     *queue.Engine
	logger     arbor.ILogger
}

// NewWorkHandler creates a work handler
func NewWorkHandler(logger arbor.ILogger, dispatcher *queue.Dispatcher, engine *queue.Engine) *WorkHandler {
	return &WorkHandler{
		dispatcher: dispatcher,
		engine:     engine,
		logger:     logger,
	}
}

// GetWorkHandler handles GET /work?serviceID=<image>. Responds 404 when no
// item is currently eligible for the service.
func (h *WorkHandler) GetWorkHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	serviceID := r.URL.Query().Get("serviceID")
	if serviceID == "" {
		WriteError(w, http.StatusBadRequest, "serviceID query parameter is required")
		return
	}

	payload, err := h.dispatcher.NextWork(r.Context(), serviceID)
	if err != nil {
		h.logger.Error().Err(err).Str("service_id", serviceID).Msg("Work lease failed")
		WriteAppError(w, err)
		return
	}
	if payload == nil {
		WriteError(w, http.StatusNotFound, "no work available")
		return
	}

	WriteJSON(w, http.StatusOK, payload)
}

// UpdateWorkHandler handles PUT /work/{id} with the worker's outcome report.
// Responds 204 on success, 409 for items no longer running and 404 for
// unknown items.
func (h *WorkHandler) UpdateWorkHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPut) {
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/work/")
	itemID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid work item id")
		return
	}

	var report models.WorkReport
	if !DecodeJSON(w, r, &report) {
		return
	}
	report.ItemID = itemID

	if err := h.engine.HandleReport(r.Context(), &report); err != nil {
		h.logger.Warn().Err(err).Int64("item_id", itemID).Msg("Work report rejected")
		WriteAppError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
