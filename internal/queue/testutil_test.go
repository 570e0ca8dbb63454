package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/common"
	"github.com/ternarybob/ordino/internal/interfaces"
	"github.com/ternarybob/ordino/internal/models"
	"github.com/ternarybob/ordino/internal/storage/object"
	"github.com/ternarybob/ordino/internal/storage/sqlite"
)

type testEnv struct {
	config     *common.Config
	db         *sqlite.SQLiteDB
	jobs       *sqlite.JobStorage
	items      *sqlite.WorkItemStorage
	links      *sqlite.LinkStorage
	store      interfaces.ObjectStore
	metrics    *Metrics
	notifier   *Notifier
	engine     *Engine
	dispatcher *Dispatcher
	reaper     *Reaper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	config := common.NewDefaultConfig()
	config.Database.Path = filepath.Join(dir, "test.db")
	config.Database.WALMode = false
	config.Storage.Path = filepath.Join(dir, "artifacts")
	config.Scheduler.WorkItemRetryLimit = 2

	logger := arbor.NewLogger()

	db, err := sqlite.NewSQLiteDB(logger, &config.Database)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := object.NewFileStore(logger, config.Storage.Path)
	require.NoError(t, err)

	env := &testEnv{
		config:   config,
		db:       db,
		jobs:     sqlite.NewJobStorage(db, logger),
		items:    sqlite.NewWorkItemStorage(db, logger),
		links:    sqlite.NewLinkStorage(db, logger),
		store:    store,
		metrics:  NewMetrics(),
		notifier: NewNotifier(),
	}
	env.engine = NewEngine(logger, config, db, env.jobs, env.items, env.links,
		store, env.notifier, env.metrics)
	env.dispatcher = NewDispatcher(logger, config, db, env.jobs, env.items, env.metrics)
	env.reaper = NewReaper(logger, config, env.items, env.engine)
	return env
}

// stepSpec describes one workflow step for test jobs.
type stepSpec struct {
	serviceID     string
	workItemCount int
	isSequential  bool
	aggregating   bool
	weight        float64
}

// createJob builds a job with the given steps and seeds ready items for the
// first step (one item for sequential steps, workItemCount items otherwise).
func (env *testEnv) createJob(t *testing.T, username string, ignoreErrors bool, specs []stepSpec) *models.Job {
	t.Helper()
	ctx := context.Background()

	now := time.Now()
	job := &models.Job{
		JobID:            uuid.NewString(),
		Username:         username,
		Status:           models.JobStatusRunning,
		NumInputGranules: specs[0].workItemCount,
		IgnoreErrors:     ignoreErrors,
		CollectionIDs:    []string{"C1234-PROV"},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, env.jobs.InsertJob(ctx, env.db.DB(), job))

	for i, spec := range specs {
		// Downstream fan-out steps start at zero items expected; the count
		// grows as predecessors propagate outputs.
		count := spec.workItemCount
		if i > 0 && !spec.aggregating {
			count = 0
		}
		step := &models.WorkflowStep{
			JobID:               job.JobID,
			StepIndex:           i + 1,
			ServiceID:           spec.serviceID,
			Operation:           `{"operations":[]}`,
			WorkItemCount:       count,
			ProgressWeight:      spec.weight,
			IsSequential:        spec.isSequential,
			HasAggregatedOutput: spec.aggregating,
		}
		require.NoError(t, env.jobs.InsertWorkflowStep(ctx, env.db.DB(), step))
	}

	seed := specs[0].workItemCount
	if specs[0].isSequential {
		seed = 1
	}
	for i := 0; i < seed; i++ {
		item := &models.WorkItem{
			JobID:               job.JobID,
			StepIndex:           1,
			ServiceID:           specs[0].serviceID,
			Status:              models.WorkItemStatusReady,
			StacCatalogLocation: "file:///query.json",
			SortIndex:           i,
		}
		require.NoError(t, env.items.InsertWorkItem(ctx, env.db.DB(), item, username))
	}

	return job
}

// leaseAndReport leases the next item for a service and reports the given
// outcome for it.
func (env *testEnv) leaseAndReport(t *testing.T, serviceID string, outcome models.WorkItemOutcome, results []string) *models.WorkItem {
	t.Helper()
	ctx := context.Background()

	item, err := env.items.LeaseNext(ctx, serviceID, 5*time.Minute, "owner")
	require.NoError(t, err)
	require.NotNil(t, item, "expected a leasable item for %s", serviceID)

	report := &models.WorkReport{
		ItemID:  item.ID,
		Status:  outcome,
		Results: results,
	}
	if outcome == models.OutcomeFailed || outcome == models.OutcomeCanceled {
		report.ErrorMessage = "test failure"
	}
	require.NoError(t, env.engine.HandleReport(ctx, report))
	return item
}

func (env *testEnv) getJob(t *testing.T, jobID string) *models.Job {
	t.Helper()
	job, err := env.jobs.GetJob(context.Background(), env.db.DB(), jobID)
	require.NoError(t, err)
	return job
}

func (env *testEnv) stepItems(t *testing.T, jobID string, stepIndex int) []models.WorkItem {
	t.Helper()
	items, err := env.items.ListStepItems(context.Background(), env.db.DB(), jobID, stepIndex)
	require.NoError(t, err)
	return items
}
