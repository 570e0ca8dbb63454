package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/common"
	"github.com/ternarybob/ordino/internal/models"
)

func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()

	config := &common.DatabaseConfig{
		Path:          filepath.Join(t.TempDir(), "test.db"),
		CacheSizeMB:   16,
		BusyTimeoutMS: 5000,
		WALMode:       false,
	}

	db, err := NewSQLiteDB(arbor.NewLogger(), config)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestJob(username string, status models.JobStatus, updatedAt time.Time) *models.Job {
	now := time.Now()
	return &models.Job{
		JobID:            username + "-" + updatedAt.Format("150405.000"),
		Username:         username,
		Status:           status,
		NumInputGranules: 10,
		CollectionIDs:    []string{"C1234-PROV"},
		CreatedAt:        now,
		UpdatedAt:        updatedAt,
	}
}

func insertTestJob(t *testing.T, db *SQLiteDB, jobs *JobStorage, job *models.Job) {
	t.Helper()
	require.NoError(t, jobs.InsertJob(context.Background(), db.DB(), job))
}

func insertReadyItem(t *testing.T, db *SQLiteDB, items *WorkItemStorage, jobID, username, serviceID string, stepIndex, sortIndex int) *models.WorkItem {
	t.Helper()
	item := &models.WorkItem{
		JobID:     jobID,
		StepIndex: stepIndex,
		ServiceID: serviceID,
		Status:    models.WorkItemStatusReady,
		SortIndex: sortIndex,
	}
	require.NoError(t, items.InsertWorkItem(context.Background(), db.DB(), item, username))
	return item
}
