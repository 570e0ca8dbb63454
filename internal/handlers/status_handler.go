package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/common"
	"github.com/ternarybob/ordino/internal/queue"
	"github.com/ternarybob/ordino/internal/storage/sqlite"
)

// StatusHandler serves health, version and scheduler status.
type StatusHandler struct {
	db      *sqlite.SQLiteDB
	jobs    *sqlite.JobStorage
	metrics *queue.Metrics
	logger  arbor.ILogger
}

// NewStatusHandler creates a status handler
func NewStatusHandler(logger arbor.ILogger, db *sqlite.SQLiteDB, jobs *sqlite.JobStorage, metrics *queue.Metrics) *StatusHandler {
	return &StatusHandler{
		db:      db,
		jobs:    jobs,
		metrics: metrics,
		logger:  logger,
	}
}

// HealthHandler handles GET /api/health.
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	if err := h.db.Ping(r.Context()); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// VersionHandler handles GET /api/version.
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}

// StatusHandler handles GET /api/status: scheduler counters plus job counts
// by status.
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobCounts, err := h.jobs.CountJobsByStatus(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to count jobs")
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":   common.GetVersion(),
		"jobs":      jobCounts,
		"scheduler": h.metrics.Snapshot(),
	})
}
