package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/models"
	"github.com/ternarybob/ordino/internal/queue"
	"github.com/ternarybob/ordino/internal/services/planner"
	"github.com/ternarybob/ordino/internal/storage/sqlite"
)

// JobHandler serves job creation and retrieval.
type JobHandler struct {
	planner  *planner.Planner
	db       *sqlite.SQLiteDB
	jobs     *sqlite.JobStorage
	links    *sqlite.LinkStorage
	labels   *sqlite.LabelStorage
	notifier *queue.Notifier
	logger   arbor.ILogger
}

// NewJobHandler creates a job handler
func NewJobHandler(logger arbor.ILogger, p *planner.Planner, db *sqlite.SQLiteDB,
	jobs *sqlite.JobStorage, links *sqlite.LinkStorage, labels *sqlite.LabelStorage,
	notifier *queue.Notifier) *JobHandler {
	return &JobHandler{
		planner:  p,
		db:       db,
		jobs:     jobs,
		links:    links,
		labels:   labels,
		notifier: notifier,
		logger:   logger,
	}
}

// jobResponse is the external rendering of a job with its links, labels and
// errors.
type jobResponse struct {
	*models.Job
	Links  []models.JobLink  `json:"links,omitempty"`
	Errors []models.JobError `json:"errors,omitempty"`
}

// CreateJobHandler handles POST /jobs. Asynchronous jobs return 201 with the
// accepted job; synchronous jobs block until the job is terminal and return
// the finished job.
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	username, ok := RequireUsername(w, r)
	if !ok {
		return
	}

	var req models.TransformationRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	req.AccessToken = bearerToken(r)
	if req.OriginURI == "" {
		req.OriginURI = r.URL.String()
	}

	job, err := h.planner.PlanJob(r.Context(), &req, username)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	if !job.IsSynchronous {
		WriteJSON(w, http.StatusCreated, jobResponse{Job: job})
		return
	}

	done := h.notifier.Watch(job.JobID)
	final, err := h.awaitCompletion(r, job.JobID, done)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	h.writeJob(w, r, final, http.StatusOK)
}

// awaitCompletion blocks until a synchronous job is terminal, polling as a
// fallback for transitions that predate the watch.
func (h *JobHandler) awaitCompletion(r *http.Request, jobID string, done <-chan struct{}) (*models.Job, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		job, err := h.jobs.GetJob(r.Context(), h.db.DB(), jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}

		select {
		case <-r.Context().Done():
			return nil, r.Context().Err()
		case <-done:
		case <-ticker.C:
		}
	}
}

// GetJobHandler handles GET /jobs/{id}.
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	username, ok := RequireUsername(w, r)
	if !ok {
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/jobs/")
	job, err := h.jobs.GetJob(r.Context(), h.db.DB(), jobID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	if job.Username != username {
		WriteError(w, http.StatusForbidden, "job does not belong to caller")
		return
	}

	h.writeJob(w, r, job, http.StatusOK)
}

func (h *JobHandler) writeJob(w http.ResponseWriter, r *http.Request, job *models.Job, status int) {
	resp := jobResponse{Job: job}

	if links, err := h.links.ListJobLinks(r.Context(), h.db.DB(), job.JobID, ""); err == nil {
		resp.Links = links
	}
	if labels, err := h.labels.GetJobLabels(r.Context(), h.db.DB(), job.JobID); err == nil {
		job.Labels = labels
	}
	if errs, err := h.jobs.ListJobErrors(r.Context(), h.db.DB(), job.JobID); err == nil {
		resp.Errors = errs
	}

	WriteJSON(w, status, resp)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}
