package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/models"
)

// LabelStorage manages the label vocabulary and job-label associations.
// Label values are normalized before storage so lookups are case and
// whitespace insensitive.
type LabelStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewLabelStorage creates a new label storage instance
func NewLabelStorage(db *SQLiteDB, logger arbor.ILogger) *LabelStorage {
	return &LabelStorage{
		db:     db,
		logger: logger,
	}
}

// AttachLabels associates normalized labels with jobs, creating vocabulary
// entries as needed. Existing associations are left untouched.
func (s *LabelStorage) AttachLabels(ctx context.Context, q dbtx, jobIDs, labels []string) error {
	labels = models.NormalizeLabels(labels)
	now := timeToMillis(time.Now())

	for _, label := range labels {
		_, err := q.ExecContext(ctx,
			"INSERT INTO raw_labels (value, created_at) VALUES (?, ?) ON CONFLICT (value) DO NOTHING",
			label, now)
		if err != nil {
			return fmt.Errorf("insert label %q: %w", label, err)
		}

		var labelID int64
		err = q.QueryRowContext(ctx,
			"SELECT id FROM raw_labels WHERE value = ?", label).Scan(&labelID)
		if err != nil {
			return fmt.Errorf("lookup label %q: %w", label, err)
		}

		for _, jobID := range jobIDs {
			_, err := q.ExecContext(ctx,
				"INSERT INTO jobs_raw_labels (job_id, label_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
				jobID, labelID)
			if err != nil {
				return fmt.Errorf("attach label %q to job %s: %w", label, jobID, err)
			}
		}
	}
	return nil
}

// DetachLabels removes label associations from jobs. Vocabulary entries stay
// so label IDs remain stable.
func (s *LabelStorage) DetachLabels(ctx context.Context, q dbtx, jobIDs, labels []string) error {
	labels = models.NormalizeLabels(labels)

	for _, label := range labels {
		for _, jobID := range jobIDs {
			_, err := q.ExecContext(ctx, `
				DELETE FROM jobs_raw_labels
				WHERE job_id = ? AND label_id IN (SELECT id FROM raw_labels WHERE value = ?)`,
				jobID, label)
			if err != nil {
				return fmt.Errorf("detach label %q from job %s: %w", label, jobID, err)
			}
		}
	}
	return nil
}

// GetJobLabels returns a job's labels sorted by value.
func (s *LabelStorage) GetJobLabels(ctx context.Context, q dbtx, jobID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT rl.value
		FROM jobs_raw_labels jrl
		JOIN raw_labels rl ON rl.id = jrl.label_id
		WHERE jrl.job_id = ?
		ORDER BY rl.value`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job labels: %w", err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// JobsExistForUser verifies that every listed job exists and belongs to the
// user. Returns a not-found error naming the first missing job, or an
// authorization error for a job owned by someone else.
func (s *LabelStorage) JobsExistForUser(ctx context.Context, q dbtx, jobIDs []string, username string) error {
	for _, jobID := range jobIDs {
		var owner string
		err := q.QueryRowContext(ctx,
			"SELECT username FROM jobs WHERE job_id = ?", jobID).Scan(&owner)
		if err != nil {
			return models.NewError(models.ErrKindNotFound, "job %s not found", jobID)
		}
		if owner != username {
			return models.NewError(models.ErrKindAuthorization, "job %s does not belong to %s", jobID, username)
		}
	}
	return nil
}
