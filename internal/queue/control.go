package queue

import (
	"context"
	"database/sql"

	"github.com/ternarybob/ordino/internal/models"
)

// PauseJobs pauses each listed job, remembering its current status so resume
// restores it exactly. Jobs that cannot be paused fail the whole batch.
func (e *Engine) PauseJobs(ctx context.Context, jobIDs []string, username string) error {
	return e.db.RunInTx(ctx, func(tx *sql.Tx) error {
		for _, jobID := range jobIDs {
			job, err := e.loadOwnedJob(ctx, tx, jobID, username)
			if err != nil {
				return err
			}
			if !job.Status.CanPause() {
				return models.NewError(models.ErrKindConflict,
					"job %s is %s and cannot be paused", jobID, job.Status)
			}
			if err := e.jobs.SetPausedFrom(ctx, tx, jobID, job.Status); err != nil {
				return err
			}
			if err := e.jobs.SetJobStatus(ctx, tx, jobID, models.JobStatusPaused); err != nil {
				return err
			}
			e.logger.Info().Str("job_id", jobID).Msg("Job paused")
		}
		return nil
	})
}

// ResumeJobs returns paused jobs to the status they were paused from.
func (e *Engine) ResumeJobs(ctx context.Context, jobIDs []string, username string) error {
	return e.db.RunInTx(ctx, func(tx *sql.Tx) error {
		for _, jobID := range jobIDs {
			job, err := e.loadOwnedJob(ctx, tx, jobID, username)
			if err != nil {
				return err
			}
			if job.Status != models.JobStatusPaused {
				return models.NewError(models.ErrKindConflict,
					"job %s is %s, not paused", jobID, job.Status)
			}
			restored := job.PausedFrom
			if restored == "" {
				restored = models.JobStatusRunning
			}
			if err := e.jobs.SetJobStatus(ctx, tx, jobID, restored); err != nil {
				return err
			}
			if err := e.jobs.SetPausedFrom(ctx, tx, jobID, ""); err != nil {
				return err
			}
			e.logger.Info().Str("job_id", jobID).Str("status", string(restored)).Msg("Job resumed")
		}
		return nil
	})
}

// CancelJobs cancels each listed job and all of its non-terminal work items.
func (e *Engine) CancelJobs(ctx context.Context, jobIDs []string, username string) error {
	err := e.db.RunInTx(ctx, func(tx *sql.Tx) error {
		for _, jobID := range jobIDs {
			job, err := e.loadOwnedJob(ctx, tx, jobID, username)
			if err != nil {
				return err
			}
			// Repeated cancels are no-ops; only other terminal states
			// conflict.
			if job.Status == models.JobStatusCanceled {
				continue
			}
			if job.Status.IsTerminal() {
				return models.NewError(models.ErrKindConflict,
					"job %s is already %s", jobID, job.Status)
			}
			if err := e.jobs.FinalizeJob(ctx, tx, jobID, models.JobStatusCanceled, "Canceled by user", "canceled"); err != nil {
				return err
			}
			if err := e.items.CancelJobWorkItems(ctx, tx, jobID, job.Username); err != nil {
				return err
			}
			e.logger.Info().Str("job_id", jobID).Msg("Job canceled")
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, jobID := range jobIDs {
		e.notifier.Notify(jobID)
	}
	return nil
}

// SkipPreview promotes previewing jobs straight to running. Paused jobs that
// were previewing have their restore target promoted instead.
func (e *Engine) SkipPreview(ctx context.Context, jobIDs []string, username string) error {
	return e.db.RunInTx(ctx, func(tx *sql.Tx) error {
		for _, jobID := range jobIDs {
			job, err := e.loadOwnedJob(ctx, tx, jobID, username)
			if err != nil {
				return err
			}
			switch {
			case job.Status == models.JobStatusPreviewing:
				if err := e.jobs.SetJobStatus(ctx, tx, jobID, models.JobStatusRunning); err != nil {
					return err
				}
			case job.Status == models.JobStatusPaused && job.PausedFrom == models.JobStatusPreviewing:
				if err := e.jobs.SetPausedFrom(ctx, tx, jobID, models.JobStatusRunning); err != nil {
					return err
				}
			default:
				return models.NewError(models.ErrKindConflict,
					"job %s is %s, not previewing", jobID, job.Status)
			}
			e.logger.Info().Str("job_id", jobID).Msg("Job preview skipped")
		}
		return nil
	})
}

// loadOwnedJob loads a job and checks it belongs to the caller.
func (e *Engine) loadOwnedJob(ctx context.Context, tx *sql.Tx, jobID, username string) (*models.Job, error) {
	job, err := e.jobs.GetJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Username != username {
		return nil, models.NewError(models.ErrKindAuthorization,
			"job %s does not belong to %s", jobID, username)
	}
	return job, nil
}
