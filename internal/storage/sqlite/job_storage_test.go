package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/models"
)

func TestJobRoundTrip(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusRunning, time.Now())
	job.IgnoreErrors = true
	job.DestinationURL = "s3://bucket/output"
	insertTestJob(t, db, jobs, job)

	got, err := jobs.GetJob(ctx, db.DB(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.True(t, got.IgnoreErrors)
	assert.Equal(t, "s3://bucket/output", got.DestinationURL)
	assert.Equal(t, []string{"C1234-PROV"}, got.CollectionIDs)
}

func TestGetJobNotFound(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStorage(db, arbor.NewLogger())

	_, err := jobs.GetJob(context.Background(), db.DB(), "missing")
	require.Error(t, err)
	assert.Equal(t, models.ErrKindNotFound, models.KindOf(err))
}

func TestAdvanceJobProgressIsMonotonic(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusRunning, time.Now())
	insertTestJob(t, db, jobs, job)

	require.NoError(t, jobs.AdvanceJobProgress(ctx, db.DB(), job.JobID, 40))
	require.NoError(t, jobs.AdvanceJobProgress(ctx, db.DB(), job.JobID, 25))

	got, err := jobs.GetJob(ctx, db.DB(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 40.0, got.Progress)

	require.NoError(t, jobs.AdvanceJobProgress(ctx, db.DB(), job.JobID, 150))
	got, err = jobs.GetJob(ctx, db.DB(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Progress)
}

func TestFinalizeJobPinsProgressOnSuccess(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusRunning, time.Now())
	insertTestJob(t, db, jobs, job)

	require.NoError(t, jobs.AdvanceJobProgress(ctx, db.DB(), job.JobID, 60))
	require.NoError(t, jobs.FinalizeJob(ctx, db.DB(), job.JobID, models.JobStatusSuccessful, "", "completed"))

	got, err := jobs.GetJob(ctx, db.DB(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccessful, got.Status)
	assert.Equal(t, 100.0, got.Progress)
}

func TestFinalizeJobLeavesProgressOnFailure(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusRunning, time.Now())
	insertTestJob(t, db, jobs, job)

	require.NoError(t, jobs.AdvanceJobProgress(ctx, db.DB(), job.JobID, 60))
	require.NoError(t, jobs.FinalizeJob(ctx, db.DB(), job.JobID, models.JobStatusFailed, "boom", "error"))

	got, err := jobs.GetJob(ctx, db.DB(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "boom", got.Message)
	assert.Equal(t, 60.0, got.Progress)
}

func TestWorkflowStepRoundTrip(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusRunning, time.Now())
	insertTestJob(t, db, jobs, job)

	step := &models.WorkflowStep{
		JobID:          job.JobID,
		StepIndex:      1,
		ServiceID:      "svc-x",
		Operation:      `{"operations":["spatialSubset"]}`,
		WorkItemCount:  4,
		ProgressWeight: 0.5,
		IsSequential:   true,
		Operations:     []models.StepOperation{models.OpSpatialSubset},
	}
	require.NoError(t, jobs.InsertWorkflowStep(ctx, db.DB(), step))

	got, err := jobs.GetWorkflowStep(ctx, db.DB(), job.JobID, 1)
	require.NoError(t, err)
	assert.Equal(t, "svc-x", got.ServiceID)
	assert.Equal(t, 4, got.WorkItemCount)
	assert.True(t, got.IsSequential)
	assert.False(t, got.IsComplete)
	assert.Equal(t, []models.StepOperation{models.OpSpatialSubset}, got.Operations)

	require.NoError(t, jobs.IncrementStepCompleted(ctx, db.DB(), job.JobID, 1))
	require.NoError(t, jobs.AddStepWorkItems(ctx, db.DB(), job.JobID, 1, 2))
	require.NoError(t, jobs.MarkStepComplete(ctx, db.DB(), job.JobID, 1))

	got, err = jobs.GetWorkflowStep(ctx, db.DB(), job.JobID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CompletedCount)
	assert.Equal(t, 6, got.WorkItemCount)
	assert.True(t, got.IsComplete)
}

func TestJobErrors(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusRunning, time.Now())
	insertTestJob(t, db, jobs, job)

	require.NoError(t, jobs.InsertJobError(ctx, db.DB(), &models.JobError{
		JobID:    job.JobID,
		URL:      "file:///item0",
		Message:  "worker exploded",
		Category: "worker",
	}))

	count, err := jobs.CountJobErrors(ctx, db.DB(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	errs, err := jobs.ListJobErrors(ctx, db.DB(), job.JobID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "worker exploded", errs[0].Message)
}

func TestDeleteJobCascades(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	items := NewWorkItemStorage(db, logger)
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusRunning, time.Now())
	insertTestJob(t, db, jobs, job)
	inserted := insertReadyItem(t, db, items, job.JobID, "alice", "svc-x", 1, 0)

	require.NoError(t, jobs.DeleteJob(ctx, job.JobID))

	_, err := items.GetWorkItem(ctx, db.DB(), inserted.ID)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindNotFound, models.KindOf(err))
}
