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

func TestInsertWorkItemMaintainsReadyCount(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	items := NewWorkItemStorage(db, logger)
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusRunning, time.Now())
	insertTestJob(t, db, jobs, job)

	insertReadyItem(t, db, items, job.JobID, "alice", "svc-x", 1, 0)
	insertReadyItem(t, db, items, job.JobID, "alice", "svc-x", 1, 1)

	uw, err := items.GetUserWork(ctx, db.DB(), "alice", "svc-x")
	require.NoError(t, err)
	assert.Equal(t, 2, uw.ReadyCount)
	assert.Equal(t, 0, uw.RunningCount)
}

func TestLeaseNextMovesItemToRunning(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	items := NewWorkItemStorage(db, logger)
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusRunning, time.Now())
	insertTestJob(t, db, jobs, job)
	inserted := insertReadyItem(t, db, items, job.JobID, "alice", "svc-x", 1, 0)

	leased, err := items.LeaseNext(ctx, "svc-x", 5*time.Minute, "owner")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, inserted.ID, leased.ID)
	assert.Equal(t, models.WorkItemStatusRunning, leased.Status)
	require.NotNil(t, leased.LeasedUntil)
	assert.True(t, leased.LeasedUntil.After(time.Now()))

	uw, err := items.GetUserWork(ctx, db.DB(), "alice", "svc-x")
	require.NoError(t, err)
	assert.Equal(t, 0, uw.ReadyCount)
	assert.Equal(t, 1, uw.RunningCount)

	// The same item is never granted twice.
	again, err := items.LeaseNext(ctx, "svc-x", 5*time.Minute, "owner")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestLeaseNextSkipsPausedJobs(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	items := NewWorkItemStorage(db, logger)
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusPaused, time.Now())
	insertTestJob(t, db, jobs, job)
	insertReadyItem(t, db, items, job.JobID, "alice", "svc-x", 1, 0)

	leased, err := items.LeaseNext(ctx, "svc-x", 5*time.Minute, "owner")
	require.NoError(t, err)
	assert.Nil(t, leased)
}

// Fair queueing with three owners and no running work: oldest owner first,
// synchronous beats asynchronous within an owner, least-recently-served
// owner wins thereafter.
func TestLeaseNextFairQueueing(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	items := NewWorkItemStorage(db, logger)
	ctx := context.Background()

	base := time.UnixMilli(12345)

	jobA := newTestJob("a", models.JobStatusRunning, base)
	jobB := newTestJob("b", models.JobStatusRunning, base)
	jobBSync := newTestJob("b", models.JobStatusRunning, base.Add(time.Millisecond))
	jobBSync.IsSynchronous = true
	jobC := newTestJob("c", models.JobStatusRunning, base.Add(2*time.Millisecond))

	for _, job := range []*models.Job{jobA, jobB, jobBSync, jobC} {
		insertTestJob(t, db, jobs, job)
		insertReadyItem(t, db, items, job.JobID, job.Username, "svc-x", 1, 0)
	}

	var order []string
	for i := 0; i < 4; i++ {
		leased, err := items.LeaseNext(ctx, "svc-x", 5*time.Minute, "owner")
		require.NoError(t, err)
		require.NotNil(t, leased, "lease %d", i)
		order = append(order, leased.JobID)
	}

	assert.Equal(t, []string{jobA.JobID, jobBSync.JobID, jobC.JobID, jobB.JobID}, order)

	leased, err := items.LeaseNext(ctx, "svc-x", 5*time.Minute, "owner")
	require.NoError(t, err)
	assert.Nil(t, leased)
}

// An owner with items already running yields to an idle owner even when the
// idle owner's job is newer.
func TestLeaseNextPrefersIdleOwner(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	items := NewWorkItemStorage(db, logger)
	ctx := context.Background()

	joeJob := newTestJob("joe", models.JobStatusRunning, time.UnixMilli(1000))
	billJob := newTestJob("bill", models.JobStatusRunning, time.UnixMilli(2000))
	insertTestJob(t, db, jobs, joeJob)
	insertTestJob(t, db, jobs, billJob)

	for i := 0; i < 3; i++ {
		insertReadyItem(t, db, items, joeJob.JobID, "joe", "svc-y", 1, i)
		leased, err := items.LeaseNext(ctx, "svc-y", 5*time.Minute, "owner")
		require.NoError(t, err)
		require.NotNil(t, leased)
		require.Equal(t, joeJob.JobID, leased.JobID)
	}

	insertReadyItem(t, db, items, joeJob.JobID, "joe", "svc-y", 1, 3)
	insertReadyItem(t, db, items, billJob.JobID, "bill", "svc-y", 1, 0)

	leased, err := items.LeaseNext(ctx, "svc-y", 5*time.Minute, "owner")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, billJob.JobID, leased.JobID)

	leased, err = items.LeaseNext(ctx, "svc-y", 5*time.Minute, "owner")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, joeJob.JobID, leased.JobID)
}

func TestGlobalSyncPriorityJumpsOwnerOrder(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	items := NewWorkItemStorage(db, logger)
	ctx := context.Background()

	asyncJob := newTestJob("older", models.JobStatusRunning, time.UnixMilli(1000))
	syncJob := newTestJob("newer", models.JobStatusRunning, time.UnixMilli(2000))
	syncJob.IsSynchronous = true

	insertTestJob(t, db, jobs, asyncJob)
	insertTestJob(t, db, jobs, syncJob)
	insertReadyItem(t, db, items, asyncJob.JobID, "older", "svc-x", 1, 0)
	insertReadyItem(t, db, items, syncJob.JobID, "newer", "svc-x", 1, 0)

	leased, err := items.LeaseNext(ctx, "svc-x", 5*time.Minute, "global")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, syncJob.JobID, leased.JobID)
}

func TestLeaseNextOrdersByStepAndSortIndex(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	items := NewWorkItemStorage(db, logger)
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusRunning, time.Now())
	insertTestJob(t, db, jobs, job)
	insertReadyItem(t, db, items, job.JobID, "alice", "svc-x", 2, 0)
	first := insertReadyItem(t, db, items, job.JobID, "alice", "svc-x", 1, 1)
	insertReadyItem(t, db, items, job.JobID, "alice", "svc-x", 1, 5)

	leased, err := items.LeaseNext(ctx, "svc-x", 5*time.Minute, "owner")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, first.ID, leased.ID)
}

func TestRequeueWorkItem(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	items := NewWorkItemStorage(db, logger)
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusRunning, time.Now())
	insertTestJob(t, db, jobs, job)
	insertReadyItem(t, db, items, job.JobID, "alice", "svc-x", 1, 0)

	leased, err := items.LeaseNext(ctx, "svc-x", 5*time.Minute, "owner")
	require.NoError(t, err)
	require.NotNil(t, leased)

	require.NoError(t, items.RequeueWorkItem(ctx, db.DB(), leased.ID, "svc-x", "alice"))

	item, err := items.GetWorkItem(ctx, db.DB(), leased.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusReady, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Nil(t, item.LeasedUntil)

	uw, err := items.GetUserWork(ctx, db.DB(), "alice", "svc-x")
	require.NoError(t, err)
	assert.Equal(t, 1, uw.ReadyCount)
	assert.Equal(t, 0, uw.RunningCount)
}

func TestCancelJobWorkItems(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	items := NewWorkItemStorage(db, logger)
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusRunning, time.Now())
	insertTestJob(t, db, jobs, job)
	insertReadyItem(t, db, items, job.JobID, "alice", "svc-x", 1, 0)
	insertReadyItem(t, db, items, job.JobID, "alice", "svc-x", 1, 1)

	leased, err := items.LeaseNext(ctx, "svc-x", 5*time.Minute, "owner")
	require.NoError(t, err)
	require.NotNil(t, leased)

	require.NoError(t, items.CancelJobWorkItems(ctx, db.DB(), job.JobID, "alice"))

	listed, err := items.ListStepItems(ctx, db.DB(), job.JobID, 1)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	for _, item := range listed {
		assert.Equal(t, models.WorkItemStatusCanceled, item.Status)
	}

	uw, err := items.GetUserWork(ctx, db.DB(), "alice", "svc-x")
	require.NoError(t, err)
	assert.Equal(t, 0, uw.ReadyCount)
	assert.Equal(t, 0, uw.RunningCount)
}

func TestExpiredLeases(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	items := NewWorkItemStorage(db, logger)
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusRunning, time.Now())
	insertTestJob(t, db, jobs, job)
	insertReadyItem(t, db, items, job.JobID, "alice", "svc-x", 1, 0)

	leased, err := items.LeaseNext(ctx, "svc-x", -time.Second, "owner")
	require.NoError(t, err)
	require.NotNil(t, leased)

	expired, err := items.ExpiredLeases(ctx, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, leased.ID, expired[0].ID)
}

func TestListSuccessfulResultsOrdered(t *testing.T) {
	db := newTestDB(t)
	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	items := NewWorkItemStorage(db, logger)
	ctx := context.Background()

	job := newTestJob("alice", models.JobStatusRunning, time.Now())
	insertTestJob(t, db, jobs, job)

	// Insert out of sort order; results must come back in sort order.
	second := insertReadyItem(t, db, items, job.JobID, "alice", "svc-x", 1, 1)
	first := insertReadyItem(t, db, items, job.JobID, "alice", "svc-x", 1, 0)

	second.Status = models.WorkItemStatusSuccessful
	second.ResultURIs = []string{"file:///b0", "file:///b1"}
	require.NoError(t, items.CompleteWorkItem(ctx, db.DB(), second, "alice"))

	first.Status = models.WorkItemStatusSuccessful
	first.ResultURIs = []string{"file:///a0"}
	require.NoError(t, items.CompleteWorkItem(ctx, db.DB(), first, "alice"))

	uris, err := items.ListSuccessfulResults(ctx, db.DB(), job.JobID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"file:///a0", "file:///b0", "file:///b1"}, uris)
}
