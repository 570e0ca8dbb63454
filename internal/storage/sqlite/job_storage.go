package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/models"
)

// millisToTime converts a Unix-millisecond timestamp to time.Time
func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// timeToMillis converts time.Time to a Unix-millisecond timestamp
func timeToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// JobStorage persists jobs, workflow steps and job error records.
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// InsertJob creates a new job row.
func (s *JobStorage) InsertJob(ctx context.Context, q dbtx, job *models.Job) error {
	collectionIDs, err := json.Marshal(job.CollectionIDs)
	if err != nil {
		return fmt.Errorf("serialize collection ids: %w", err)
	}

	query := `
		INSERT INTO jobs (
			job_id, username, status, paused_from, progress, message, request,
			num_input_granules, ignore_errors, is_synchronous, destination_url,
			collection_ids, terminal_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = q.ExecContext(ctx, query,
		job.JobID, job.Username, string(job.Status), string(job.PausedFrom),
		job.Progress, job.Message, job.Request,
		job.NumInputGranules, boolToInt(job.IgnoreErrors), boolToInt(job.IsSynchronous),
		job.DestinationURL, string(collectionIDs), job.TerminalReason,
		timeToMillis(job.CreatedAt), timeToMillis(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads a job by ID. Returns a not-found AppError when absent.
func (s *JobStorage) GetJob(ctx context.Context, q dbtx, jobID string) (*models.Job, error) {
	query := `
		SELECT job_id, username, status, paused_from, progress, message, request,
			num_input_granules, ignore_errors, is_synchronous, destination_url,
			collection_ids, terminal_reason, created_at, updated_at
		FROM jobs WHERE job_id = ?`

	row := q.QueryRowContext(ctx, query, jobID)

	var job models.Job
	var status, pausedFrom, collectionIDs string
	var ignoreErrors, isSync int
	var createdAt, updatedAt int64

	err := row.Scan(&job.JobID, &job.Username, &status, &pausedFrom, &job.Progress,
		&job.Message, &job.Request, &job.NumInputGranules, &ignoreErrors, &isSync,
		&job.DestinationURL, &collectionIDs, &job.TerminalReason, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.ErrKindNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Status = models.JobStatus(status)
	job.PausedFrom = models.JobStatus(pausedFrom)
	job.IgnoreErrors = ignoreErrors != 0
	job.IsSynchronous = isSync != 0
	job.CreatedAt = millisToTime(createdAt)
	job.UpdatedAt = millisToTime(updatedAt)

	if err := json.Unmarshal([]byte(collectionIDs), &job.CollectionIDs); err != nil {
		return nil, fmt.Errorf("parse collection ids: %w", err)
	}

	return &job, nil
}

// SetJobStatus updates a job's status and touches updated_at.
func (s *JobStorage) SetJobStatus(ctx context.Context, q dbtx, jobID string, status models.JobStatus) error {
	_, err := q.ExecContext(ctx,
		"UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ?",
		string(status), timeToMillis(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// SetPausedFrom records the pre-pause status so resume can restore it.
func (s *JobStorage) SetPausedFrom(ctx context.Context, q dbtx, jobID string, from models.JobStatus) error {
	_, err := q.ExecContext(ctx,
		"UPDATE jobs SET paused_from = ? WHERE job_id = ?", string(from), jobID)
	if err != nil {
		return fmt.Errorf("update paused_from: %w", err)
	}
	return nil
}

// AdvanceJobProgress raises progress to the given value, never lowering it.
func (s *JobStorage) AdvanceJobProgress(ctx context.Context, q dbtx, jobID string, progress float64) error {
	if progress > 100 {
		progress = 100
	}
	if progress < 0 {
		progress = 0
	}
	_, err := q.ExecContext(ctx,
		"UPDATE jobs SET progress = MAX(progress, ?), updated_at = ? WHERE job_id = ?",
		progress, timeToMillis(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("advance job progress: %w", err)
	}
	return nil
}

// FinalizeJob transitions a job to a terminal status with a message.
// Successful terminations pin progress to 100.
func (s *JobStorage) FinalizeJob(ctx context.Context, q dbtx, jobID string, status models.JobStatus, message, reason string) error {
	message = models.TruncateMessage(message)
	query := "UPDATE jobs SET status = ?, message = ?, terminal_reason = ?, updated_at = ? WHERE job_id = ?"
	args := []interface{}{string(status), message, reason, timeToMillis(time.Now()), jobID}
	if status == models.JobStatusSuccessful || status == models.JobStatusCompleteWithErrors {
		query = "UPDATE jobs SET status = ?, message = ?, terminal_reason = ?, progress = 100, updated_at = ? WHERE job_id = ?"
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	return nil
}

// InsertWorkflowStep creates one step row for a job.
func (s *JobStorage) InsertWorkflowStep(ctx context.Context, q dbtx, step *models.WorkflowStep) error {
	operations, err := json.Marshal(step.Operations)
	if err != nil {
		return fmt.Errorf("serialize step operations: %w", err)
	}

	query := `
		INSERT INTO workflow_steps (
			job_id, step_index, service_id, operation, work_item_count,
			completed_count, progress_weight, is_sequential, has_aggregated_output,
			is_complete, operations
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = q.ExecContext(ctx, query,
		step.JobID, step.StepIndex, step.ServiceID, step.Operation,
		step.WorkItemCount, step.CompletedCount, step.ProgressWeight,
		boolToInt(step.IsSequential), boolToInt(step.HasAggregatedOutput),
		boolToInt(step.IsComplete), string(operations))
	if err != nil {
		return fmt.Errorf("insert workflow step: %w", err)
	}
	return nil
}

// GetWorkflowStep loads one step of a job.
func (s *JobStorage) GetWorkflowStep(ctx context.Context, q dbtx, jobID string, stepIndex int) (*models.WorkflowStep, error) {
	row := q.QueryRowContext(ctx, `
		SELECT job_id, step_index, service_id, operation, work_item_count,
			completed_count, progress_weight, is_sequential, has_aggregated_output,
			is_complete, operations
		FROM workflow_steps WHERE job_id = ? AND step_index = ?`, jobID, stepIndex)

	step, err := scanWorkflowStep(row)
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.ErrKindNotFound, "workflow step %d of job %s not found", stepIndex, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow step: %w", err)
	}
	return step, nil
}

// GetWorkflowSteps loads all steps of a job in step order.
func (s *JobStorage) GetWorkflowSteps(ctx context.Context, q dbtx, jobID string) ([]models.WorkflowStep, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT job_id, step_index, service_id, operation, work_item_count,
			completed_count, progress_weight, is_sequential, has_aggregated_output,
			is_complete, operations
		FROM workflow_steps WHERE job_id = ? ORDER BY step_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []models.WorkflowStep
	for rows.Next() {
		step, err := scanWorkflowStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow step: %w", err)
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflowStep(row rowScanner) (*models.WorkflowStep, error) {
	var step models.WorkflowStep
	var isSequential, hasAggregated, isComplete int
	var operations string

	err := row.Scan(&step.JobID, &step.StepIndex, &step.ServiceID, &step.Operation,
		&step.WorkItemCount, &step.CompletedCount, &step.ProgressWeight,
		&isSequential, &hasAggregated, &isComplete, &operations)
	if err != nil {
		return nil, err
	}

	step.IsSequential = isSequential != 0
	step.HasAggregatedOutput = hasAggregated != 0
	step.IsComplete = isComplete != 0
	if err := json.Unmarshal([]byte(operations), &step.Operations); err != nil {
		return nil, fmt.Errorf("parse step operations: %w", err)
	}
	return &step, nil
}

// IncrementStepCompleted bumps a step's completed item counter.
func (s *JobStorage) IncrementStepCompleted(ctx context.Context, q dbtx, jobID string, stepIndex int) error {
	_, err := q.ExecContext(ctx,
		"UPDATE workflow_steps SET completed_count = completed_count + 1 WHERE job_id = ? AND step_index = ?",
		jobID, stepIndex)
	if err != nil {
		return fmt.Errorf("increment step completed count: %w", err)
	}
	return nil
}

// AddStepWorkItems grows a step's expected work item count.
func (s *JobStorage) AddStepWorkItems(ctx context.Context, q dbtx, jobID string, stepIndex, delta int) error {
	_, err := q.ExecContext(ctx,
		"UPDATE workflow_steps SET work_item_count = work_item_count + ? WHERE job_id = ? AND step_index = ?",
		delta, jobID, stepIndex)
	if err != nil {
		return fmt.Errorf("add step work items: %w", err)
	}
	return nil
}

// PendingAggregation identifies an aggregating step whose feeder completed
// but whose single item was never created, typically because the catalog
// write failed or the process died between commit and effect.
type PendingAggregation struct {
	JobID     string
	StepIndex int
	ServiceID string
}

// ListPendingAggregations finds aggregating steps of live jobs that are owed
// their item.
func (s *JobStorage) ListPendingAggregations(ctx context.Context, q dbtx) ([]PendingAggregation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT s.job_id, s.step_index, s.service_id
		FROM workflow_steps s
		JOIN workflow_steps prev ON prev.job_id = s.job_id AND prev.step_index = s.step_index - 1
		JOIN jobs j ON j.job_id = s.job_id
		WHERE s.has_aggregated_output = 1
			AND prev.is_complete = 1
			AND j.status NOT IN ('successful', 'failed', 'canceled', 'complete_with_errors')
			AND NOT EXISTS (
				SELECT 1 FROM work_items wi
				WHERE wi.job_id = s.job_id AND wi.step_index = s.step_index)`)
	if err != nil {
		return nil, fmt.Errorf("query pending aggregations: %w", err)
	}
	defer rows.Close()

	var pending []PendingAggregation
	for rows.Next() {
		var p PendingAggregation
		if err := rows.Scan(&p.JobID, &p.StepIndex, &p.ServiceID); err != nil {
			return nil, fmt.Errorf("scan pending aggregation: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// MarkStepComplete flags a step as finished; the flag is monotonic.
func (s *JobStorage) MarkStepComplete(ctx context.Context, q dbtx, jobID string, stepIndex int) error {
	_, err := q.ExecContext(ctx,
		"UPDATE workflow_steps SET is_complete = 1 WHERE job_id = ? AND step_index = ?",
		jobID, stepIndex)
	if err != nil {
		return fmt.Errorf("mark step complete: %w", err)
	}
	return nil
}

// InsertJobError records a permanent item failure against the job.
func (s *JobStorage) InsertJobError(ctx context.Context, q dbtx, jobErr *models.JobError) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO job_errors (job_id, url, message, category, created_at) VALUES (?, ?, ?, ?, ?)",
		jobErr.JobID, jobErr.URL, models.TruncateMessage(jobErr.Message), jobErr.Category,
		timeToMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("insert job error: %w", err)
	}
	return nil
}

// CountJobErrors returns the number of recorded failures for a job.
func (s *JobStorage) CountJobErrors(ctx context.Context, q dbtx, jobID string) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM job_errors WHERE job_id = ?", jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count job errors: %w", err)
	}
	return count, nil
}

// ListJobErrors returns the failures recorded for a job in insertion order.
func (s *JobStorage) ListJobErrors(ctx context.Context, q dbtx, jobID string) ([]models.JobError, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, job_id, url, message, category, created_at FROM job_errors WHERE job_id = ? ORDER BY id",
		jobID)
	if err != nil {
		return nil, fmt.Errorf("query job errors: %w", err)
	}
	defer rows.Close()

	var errs []models.JobError
	for rows.Next() {
		var e models.JobError
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.JobID, &e.URL, &e.Message, &e.Category, &createdAt); err != nil {
			return nil, fmt.Errorf("scan job error: %w", err)
		}
		e.CreatedAt = millisToTime(createdAt)
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

// CountJobsByStatus returns job counts grouped by status, for the status
// endpoint.
func (s *JobStorage) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		"SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// DeleteJob removes a job and, via cascade, its steps, items, links, errors
// and label associations.
func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.DB().ExecContext(ctx, "DELETE FROM jobs WHERE job_id = ?", jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
