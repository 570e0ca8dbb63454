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

// LinkStorage persists job output links.
type LinkStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewLinkStorage creates a new link storage instance
func NewLinkStorage(db *SQLiteDB, logger arbor.ILogger) *LinkStorage {
	return &LinkStorage{
		db:     db,
		logger: logger,
	}
}

// InsertJobLinks appends output links to a job preserving slice order.
func (s *LinkStorage) InsertJobLinks(ctx context.Context, q dbtx, jobID string, links []models.JobLink) error {
	now := timeToMillis(time.Now())
	for i := range links {
		link := &links[i]
		bbox := ""
		if len(link.BBox) > 0 {
			raw, err := json.Marshal(link.BBox)
			if err != nil {
				return fmt.Errorf("serialize link bbox: %w", err)
			}
			bbox = string(raw)
		}

		var temporalStart, temporalEnd interface{}
		if link.TemporalStart != nil {
			temporalStart = timeToMillis(*link.TemporalStart)
		}
		if link.TemporalEnd != nil {
			temporalEnd = timeToMillis(*link.TemporalEnd)
		}

		_, err := q.ExecContext(ctx, `
			INSERT INTO job_links (job_id, href, rel, type, title, bbox, temporal_start, temporal_end, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			jobID, link.Href, link.Rel, link.Type, link.Title, bbox,
			temporalStart, temporalEnd, now)
		if err != nil {
			return fmt.Errorf("insert job link: %w", err)
		}
	}
	return nil
}

// ListJobLinks returns a job's output links in insertion order, optionally
// filtered by rel.
func (s *LinkStorage) ListJobLinks(ctx context.Context, q dbtx, jobID, rel string) ([]models.JobLink, error) {
	query := `
		SELECT id, job_id, href, rel, type, title, bbox, temporal_start, temporal_end, created_at
		FROM job_links WHERE job_id = ?`
	args := []interface{}{jobID}
	if rel != "" {
		query += " AND rel = ?"
		args = append(args, rel)
	}
	query += " ORDER BY id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query job links: %w", err)
	}
	defer rows.Close()

	var links []models.JobLink
	for rows.Next() {
		var link models.JobLink
		var bbox string
		var temporalStart, temporalEnd sql.NullInt64
		var createdAt int64

		err := rows.Scan(&link.ID, &link.JobID, &link.Href, &link.Rel, &link.Type,
			&link.Title, &bbox, &temporalStart, &temporalEnd, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan job link: %w", err)
		}

		if bbox != "" {
			if err := json.Unmarshal([]byte(bbox), &link.BBox); err != nil {
				return nil, fmt.Errorf("parse link bbox: %w", err)
			}
		}
		if temporalStart.Valid {
			t := millisToTime(temporalStart.Int64)
			link.TemporalStart = &t
		}
		if temporalEnd.Valid {
			t := millisToTime(temporalEnd.Int64)
			link.TemporalEnd = &t
		}
		link.CreatedAt = millisToTime(createdAt)
		links = append(links, link)
	}
	return links, rows.Err()
}
