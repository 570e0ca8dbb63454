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

// WorkItemStorage persists work items and the per-(owner, service) counters
// that the fair-queueing selection reads.
type WorkItemStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewWorkItemStorage creates a new work item storage instance
func NewWorkItemStorage(db *SQLiteDB, logger arbor.ILogger) *WorkItemStorage {
	return &WorkItemStorage{
		db:     db,
		logger: logger,
	}
}

// InsertWorkItem creates a work item and, when it is born ready, bumps the
// owner's ready counter.
func (s *WorkItemStorage) InsertWorkItem(ctx context.Context, q dbtx, item *models.WorkItem, username string) error {
	resultURIs, err := json.Marshal(emptyIfNil(item.ResultURIs))
	if err != nil {
		return fmt.Errorf("serialize result uris: %w", err)
	}
	sizes, err := json.Marshal(emptySizesIfNil(item.OutputItemSizes))
	if err != nil {
		return fmt.Errorf("serialize output item sizes: %w", err)
	}

	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	result, err := q.ExecContext(ctx, `
		INSERT INTO work_items (
			job_id, step_index, service_id, status, retry_count,
			stac_catalog_location, result_uris, output_item_sizes, sort_index,
			started_at, leased_until, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`,
		item.JobID, item.StepIndex, item.ServiceID, string(item.Status), item.RetryCount,
		item.StacCatalogLocation, string(resultURIs), string(sizes), item.SortIndex,
		timeToMillis(item.CreatedAt), timeToMillis(item.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("read work item id: %w", err)
	}
	item.ID = id

	if item.Status == models.WorkItemStatusReady {
		if err := s.upsertUserWorkDelta(ctx, q, username, item.ServiceID, 1, 0, false); err != nil {
			return err
		}
	}
	return nil
}

// GetWorkItem loads a work item by ID.
func (s *WorkItemStorage) GetWorkItem(ctx context.Context, q dbtx, id int64) (*models.WorkItem, error) {
	row := q.QueryRowContext(ctx, workItemColumns+" FROM work_items WHERE id = ?", id)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, models.NewError(models.ErrKindNotFound, "work item %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan work item: %w", err)
	}
	return item, nil
}

const workItemColumns = `
	SELECT id, job_id, step_index, service_id, status, retry_count,
		stac_catalog_location, result_uris, output_item_sizes, sort_index,
		started_at, leased_until, created_at, updated_at`

func scanWorkItem(row rowScanner) (*models.WorkItem, error) {
	var item models.WorkItem
	var status, resultURIs, sizes string
	var startedAt, leasedUntil sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&item.ID, &item.JobID, &item.StepIndex, &item.ServiceID,
		&status, &item.RetryCount, &item.StacCatalogLocation, &resultURIs,
		&sizes, &item.SortIndex, &startedAt, &leasedUntil, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	item.Status = models.WorkItemStatus(status)
	if err := json.Unmarshal([]byte(resultURIs), &item.ResultURIs); err != nil {
		return nil, fmt.Errorf("parse result uris: %w", err)
	}
	if err := json.Unmarshal([]byte(sizes), &item.OutputItemSizes); err != nil {
		return nil, fmt.Errorf("parse output item sizes: %w", err)
	}
	if startedAt.Valid {
		t := millisToTime(startedAt.Int64)
		item.StartedAt = &t
	}
	if leasedUntil.Valid {
		t := millisToTime(leasedUntil.Int64)
		item.LeasedUntil = &t
	}
	item.CreatedAt = millisToTime(createdAt)
	item.UpdatedAt = millisToTime(updatedAt)
	return &item, nil
}

// dispatchableStatuses is the SQL fragment matching jobs whose items may be
// leased.
const dispatchableStatuses = "('running', 'running_with_errors', 'previewing')"

// LeaseNext atomically selects and leases the next ready work item for a
// service. Selection runs in three stages inside one transaction: pick the
// owner with the least running work (oldest-served breaks ties), pick that
// owner's job (synchronous jobs first, then oldest), then pick the item with
// the lowest (step_index, sort_index). Returns nil when no item is eligible.
//
// When syncPriority is "global", owners holding synchronous work jump the
// owner ordering entirely.
func (s *WorkItemStorage) LeaseNext(ctx context.Context, serviceID string, visibility time.Duration, syncPriority string) (*models.WorkItem, error) {
	var leased *models.WorkItem

	err := s.db.RunInTx(ctx, func(tx *sql.Tx) error {
		ownerOrder := `
			COALESCE(MAX(uw.running_count), 0) ASC,
			COALESCE(MAX(uw.last_worked_at), 0) ASC,
			MIN(j.updated_at) ASC,
			j.username ASC`
		if syncPriority == "global" {
			ownerOrder = "MAX(j.is_synchronous) DESC, " + ownerOrder
		}

		var username string
		err := tx.QueryRowContext(ctx, `
			SELECT j.username
			FROM work_items wi
			JOIN jobs j ON j.job_id = wi.job_id
			LEFT JOIN user_work uw
				ON uw.username = j.username AND uw.service_id = wi.service_id
			WHERE wi.service_id = ? AND wi.status = 'ready'
				AND j.status IN `+dispatchableStatuses+`
			GROUP BY j.username
			ORDER BY `+ownerOrder+`
			LIMIT 1`, serviceID).Scan(&username)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select owner: %w", err)
		}

		var jobID string
		err = tx.QueryRowContext(ctx, `
			SELECT wi.job_id
			FROM work_items wi
			JOIN jobs j ON j.job_id = wi.job_id
			WHERE wi.service_id = ? AND wi.status = 'ready'
				AND j.username = ? AND j.status IN `+dispatchableStatuses+`
			GROUP BY wi.job_id
			ORDER BY j.is_synchronous DESC, j.updated_at ASC
			LIMIT 1`, serviceID, username).Scan(&jobID)
		if err != nil {
			return fmt.Errorf("select job: %w", err)
		}

		row := tx.QueryRowContext(ctx, workItemColumns+`
			FROM work_items
			WHERE job_id = ? AND service_id = ? AND status = 'ready'
			ORDER BY step_index ASC, sort_index ASC, id ASC
			LIMIT 1`, jobID, serviceID)
		item, err := scanWorkItem(row)
		if err != nil {
			return fmt.Errorf("select item: %w", err)
		}

		now := time.Now()
		until := now.Add(visibility)
		_, err = tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = 'running', started_at = ?, leased_until = ?, updated_at = ?
			WHERE id = ?`,
			timeToMillis(now), timeToMillis(until), timeToMillis(now), item.ID)
		if err != nil {
			return fmt.Errorf("lease item: %w", err)
		}

		if err := s.upsertUserWorkDelta(ctx, tx, username, serviceID, -1, 1, true); err != nil {
			return err
		}

		item.Status = models.WorkItemStatusRunning
		item.StartedAt = &now
		item.LeasedUntil = &until
		item.UpdatedAt = now
		leased = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// CompleteWorkItem moves a running item to a terminal status, storing its
// results, and releases the owner's running slot.
func (s *WorkItemStorage) CompleteWorkItem(ctx context.Context, q dbtx, item *models.WorkItem, username string) error {
	resultURIs, err := json.Marshal(emptyIfNil(item.ResultURIs))
	if err != nil {
		return fmt.Errorf("serialize result uris: %w", err)
	}
	sizes, err := json.Marshal(emptySizesIfNil(item.OutputItemSizes))
	if err != nil {
		return fmt.Errorf("serialize output item sizes: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		UPDATE work_items
		SET status = ?, result_uris = ?, output_item_sizes = ?,
			leased_until = NULL, updated_at = ?
		WHERE id = ?`,
		string(item.Status), string(resultURIs), string(sizes),
		timeToMillis(time.Now()), item.ID)
	if err != nil {
		return fmt.Errorf("complete work item: %w", err)
	}

	return s.upsertUserWorkDelta(ctx, q, username, item.ServiceID, 0, -1, false)
}

// RequeueWorkItem returns a failed or expired running item to the ready pool
// with its retry counter bumped.
func (s *WorkItemStorage) RequeueWorkItem(ctx context.Context, q dbtx, id int64, serviceID, username string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'ready', retry_count = retry_count + 1,
			started_at = NULL, leased_until = NULL, updated_at = ?
		WHERE id = ?`,
		timeToMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("requeue work item: %w", err)
	}
	return s.upsertUserWorkDelta(ctx, q, username, serviceID, 1, -1, false)
}

// CancelJobWorkItems cancels every non-terminal item of a job and corrects
// the owner's counters per service.
func (s *WorkItemStorage) CancelJobWorkItems(ctx context.Context, q dbtx, jobID, username string) error {
	rows, err := q.QueryContext(ctx, `
		SELECT service_id,
			SUM(CASE WHEN status = 'ready' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status IN ('queued', 'running') THEN 1 ELSE 0 END)
		FROM work_items
		WHERE job_id = ? AND status IN ('ready', 'queued', 'running')
		GROUP BY service_id`, jobID)
	if err != nil {
		return fmt.Errorf("count cancelable items: %w", err)
	}

	type delta struct {
		serviceID      string
		ready, running int
	}
	var deltas []delta
	for rows.Next() {
		var d delta
		if err := rows.Scan(&d.serviceID, &d.ready, &d.running); err != nil {
			rows.Close()
			return fmt.Errorf("scan cancelable counts: %w", err)
		}
		deltas = append(deltas, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'canceled', leased_until = NULL, updated_at = ?
		WHERE job_id = ? AND status IN ('ready', 'queued', 'running')`,
		timeToMillis(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("cancel work items: %w", err)
	}

	for _, d := range deltas {
		if err := s.upsertUserWorkDelta(ctx, q, username, d.serviceID, -d.ready, -d.running, false); err != nil {
			return err
		}
	}
	return nil
}

// CountStepItems returns how many items exist for a step and how many of
// those are still non-terminal.
func (s *WorkItemStorage) CountStepItems(ctx context.Context, q dbtx, jobID string, stepIndex int) (created, nonTerminal int, err error) {
	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status IN ('ready', 'queued', 'running') THEN 1 ELSE 0 END), 0)
		FROM work_items
		WHERE job_id = ? AND step_index = ?`, jobID, stepIndex).Scan(&created, &nonTerminal)
	if err != nil {
		return 0, 0, fmt.Errorf("count step items: %w", err)
	}
	return created, nonTerminal, nil
}

// ListSuccessfulResults returns the flattened result URIs of a step's
// successful items, ordered by sort index so aggregation preserves input
// order.
func (s *WorkItemStorage) ListSuccessfulResults(ctx context.Context, q dbtx, jobID string, stepIndex int) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT result_uris
		FROM work_items
		WHERE job_id = ? AND step_index = ? AND status = 'successful'
		ORDER BY sort_index ASC, id ASC`, jobID, stepIndex)
	if err != nil {
		return nil, fmt.Errorf("query successful results: %w", err)
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan result uris: %w", err)
		}
		var itemURIs []string
		if err := json.Unmarshal([]byte(raw), &itemURIs); err != nil {
			return nil, fmt.Errorf("parse result uris: %w", err)
		}
		uris = append(uris, itemURIs...)
	}
	return uris, rows.Err()
}

// ListStepItems returns all items of a step in sort order.
func (s *WorkItemStorage) ListStepItems(ctx context.Context, q dbtx, jobID string, stepIndex int) ([]models.WorkItem, error) {
	rows, err := q.QueryContext(ctx, workItemColumns+`
		FROM work_items
		WHERE job_id = ? AND step_index = ?
		ORDER BY sort_index ASC, id ASC`, jobID, stepIndex)
	if err != nil {
		return nil, fmt.Errorf("query step items: %w", err)
	}
	defer rows.Close()

	var items []models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ExpiredLeases returns running items whose lease deadline has passed.
func (s *WorkItemStorage) ExpiredLeases(ctx context.Context, limit int) ([]models.WorkItem, error) {
	rows, err := s.db.DB().QueryContext(ctx, workItemColumns+`
		FROM work_items
		WHERE status = 'running' AND leased_until IS NOT NULL AND leased_until < ?
		ORDER BY leased_until ASC
		LIMIT ?`, timeToMillis(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	var items []models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// GetUserWork returns the counters for one (owner, service) pair. Missing
// rows come back as zero counters.
func (s *WorkItemStorage) GetUserWork(ctx context.Context, q dbtx, username, serviceID string) (*models.UserWork, error) {
	row := q.QueryRowContext(ctx, `
		SELECT username, service_id, ready_count, running_count, last_worked_at
		FROM user_work
		WHERE username = ? AND service_id = ?`, username, serviceID)

	var uw models.UserWork
	var lastWorked int64
	err := row.Scan(&uw.Username, &uw.ServiceID, &uw.ReadyCount, &uw.RunningCount, &lastWorked)
	if err == sql.ErrNoRows {
		return &models.UserWork{Username: username, ServiceID: serviceID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user work: %w", err)
	}
	uw.LastWorkedAt = millisToTime(lastWorked)
	return &uw, nil
}

// upsertUserWorkDelta adjusts an owner's counters, creating the row on first
// touch. Counters are clamped at zero so reconciliation drift never goes
// negative.
func (s *WorkItemStorage) upsertUserWorkDelta(ctx context.Context, q dbtx, username, serviceID string, readyDelta, runningDelta int, touchLastWorked bool) error {
	lastWorked := int64(0)
	if touchLastWorked {
		lastWorked = timeToMillis(time.Now())
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO user_work (username, service_id, ready_count, running_count, last_worked_at)
		VALUES (?, ?, MAX(0, ?), MAX(0, ?), ?)
		ON CONFLICT (username, service_id) DO UPDATE SET
			ready_count = MAX(0, ready_count + ?),
			running_count = MAX(0, running_count + ?),
			last_worked_at = MAX(last_worked_at, ?)`,
		username, serviceID, readyDelta, runningDelta, lastWorked,
		readyDelta, runningDelta, lastWorked)
	if err != nil {
		return fmt.Errorf("update user work counters: %w", err)
	}
	return nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptySizesIfNil(s []float64) []float64 {
	if s == nil {
		return []float64{}
	}
	return s
}
