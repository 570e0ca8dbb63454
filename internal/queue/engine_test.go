package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/ordino/internal/models"
)

func TestSuccessfulSingleStepJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "alice", false, []stepSpec{
		{serviceID: "svc-a", workItemCount: 2, weight: 1},
	})

	env.leaseAndReport(t, "svc-a", models.OutcomeSuccessful, []string{"file:///out0"})

	mid := env.getJob(t, job.JobID)
	assert.Equal(t, models.JobStatusRunning, mid.Status)
	assert.InDelta(t, 50.0, mid.Progress, 0.01)

	env.leaseAndReport(t, "svc-a", models.OutcomeSuccessful, []string{"file:///out1"})

	final := env.getJob(t, job.JobID)
	assert.Equal(t, models.JobStatusSuccessful, final.Status)
	assert.Equal(t, 100.0, final.Progress)

	links, err := env.links.ListJobLinks(context.Background(), env.db.DB(), job.JobID, "data")
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestOutputPropagationToNextStep(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "alice", false, []stepSpec{
		{serviceID: "svc-a", workItemCount: 1, weight: 0.5},
		{serviceID: "svc-b", workItemCount: 1, weight: 0.5},
	})

	env.leaseAndReport(t, "svc-a", models.OutcomeSuccessful, []string{"file:///cat0.json"})

	nextItems := env.stepItems(t, job.JobID, 2)
	require.Len(t, nextItems, 1)
	assert.Equal(t, models.WorkItemStatusReady, nextItems[0].Status)
	assert.Equal(t, "file:///cat0.json", nextItems[0].StacCatalogLocation)
	assert.Equal(t, "svc-b", nextItems[0].ServiceID)
}

func TestSequentialStepMaterializesLazily(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "alice", false, []stepSpec{
		{serviceID: "svc-query", workItemCount: 3, isSequential: true, weight: 1},
	})

	require.Len(t, env.stepItems(t, job.JobID, 1), 1)

	env.leaseAndReport(t, "svc-query", models.OutcomeSuccessful, nil)
	items := env.stepItems(t, job.JobID, 1)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[1].SortIndex)
	assert.Equal(t, models.WorkItemStatusReady, items[1].Status)

	env.leaseAndReport(t, "svc-query", models.OutcomeSuccessful, nil)
	env.leaseAndReport(t, "svc-query", models.OutcomeSuccessful, nil)

	// The planned count is never exceeded.
	require.Len(t, env.stepItems(t, job.JobID, 1), 3)
	assert.Equal(t, models.JobStatusSuccessful, env.getJob(t, job.JobID).Status)
}

// A failing item is retried up to the limit, then fails permanently and, with
// ignoreErrors unset, fails the job.
func TestRetryThenPermanentFailure(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "alice", false, []stepSpec{
		{serviceID: "svc-a", workItemCount: 1, weight: 1},
	})

	first := env.leaseAndReport(t, "svc-a", models.OutcomeFailed, nil)
	item, err := env.items.GetWorkItem(context.Background(), env.db.DB(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusReady, item.Status)
	assert.Equal(t, 1, item.RetryCount)

	env.leaseAndReport(t, "svc-a", models.OutcomeFailed, nil)
	item, err = env.items.GetWorkItem(context.Background(), env.db.DB(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusReady, item.Status)
	assert.Equal(t, 2, item.RetryCount)

	env.leaseAndReport(t, "svc-a", models.OutcomeFailed, nil)
	item, err = env.items.GetWorkItem(context.Background(), env.db.DB(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusFailed, item.Status)

	final := env.getJob(t, job.JobID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.NotEmpty(t, final.Message)
}

func TestWorkerCanceledRetriesOnceThenFails(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "alice", false, []stepSpec{
		{serviceID: "svc-a", workItemCount: 1, weight: 1},
	})

	first := env.leaseAndReport(t, "svc-a", models.OutcomeCanceled, nil)
	item, err := env.items.GetWorkItem(context.Background(), env.db.DB(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusReady, item.Status)
	assert.Equal(t, 1, item.RetryCount)

	env.leaseAndReport(t, "svc-a", models.OutcomeCanceled, nil)
	item, err = env.items.GetWorkItem(context.Background(), env.db.DB(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusFailed, item.Status)
	assert.Equal(t, models.JobStatusFailed, env.getJob(t, job.JobID).Status)
}

func TestDuplicateReportIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "alice", false, []stepSpec{
		{serviceID: "svc-a", workItemCount: 2, weight: 1},
	})

	item := env.leaseAndReport(t, "svc-a", models.OutcomeSuccessful, []string{"file:///out"})

	err := env.engine.HandleReport(context.Background(), &models.WorkReport{
		ItemID:  item.ID,
		Status:  models.OutcomeSuccessful,
		Results: []string{"file:///other"},
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindConflict, models.KindOf(err))
}

func TestWarningCountsButPropagatesNothing(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "alice", false, []stepSpec{
		{serviceID: "svc-a", workItemCount: 2, weight: 0.5},
		{serviceID: "svc-b", workItemCount: 2, weight: 0.5},
	})

	env.leaseAndReport(t, "svc-a", models.OutcomeWarning, nil)
	assert.Empty(t, env.stepItems(t, job.JobID, 2))

	env.leaseAndReport(t, "svc-a", models.OutcomeSuccessful, []string{"file:///cat.json"})
	require.Len(t, env.stepItems(t, job.JobID, 2), 1)

	// The warning item left no downstream work behind; the single propagated
	// item finishing must finish the job.
	env.leaseAndReport(t, "svc-b", models.OutcomeSuccessful, []string{"file:///out"})
	final := env.getJob(t, job.JobID)
	assert.Equal(t, models.JobStatusSuccessful, final.Status)
	assert.Equal(t, 100.0, final.Progress)
}

// An item failing permanently under ignoreErrors shrinks the downstream
// workload instead of stranding the job short of its planned item count.
func TestIgnoreErrorsFanOutStillCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.config.Scheduler.WorkItemRetryLimit = 0

	job := env.createJob(t, "alice", true, []stepSpec{
		{serviceID: "svc-a", workItemCount: 2, weight: 0.5},
		{serviceID: "svc-b", workItemCount: 2, weight: 0.5},
	})

	env.leaseAndReport(t, "svc-a", models.OutcomeFailed, nil)
	env.leaseAndReport(t, "svc-a", models.OutcomeSuccessful, []string{"file:///cat0.json"})

	require.Len(t, env.stepItems(t, job.JobID, 2), 1)
	env.leaseAndReport(t, "svc-b", models.OutcomeSuccessful, []string{"file:///out0"})

	final := env.getJob(t, job.JobID)
	assert.Equal(t, models.JobStatusCompleteWithErrors, final.Status)
	assert.Equal(t, 100.0, final.Progress)
}

func TestIgnoreErrorsAllFanOutInputsFailed(t *testing.T) {
	env := newTestEnv(t)
	env.config.Scheduler.WorkItemRetryLimit = 0

	job := env.createJob(t, "alice", true, []stepSpec{
		{serviceID: "svc-a", workItemCount: 2, weight: 0.5},
		{serviceID: "svc-b", workItemCount: 2, weight: 0.5},
	})

	env.leaseAndReport(t, "svc-a", models.OutcomeFailed, nil)
	env.leaseAndReport(t, "svc-a", models.OutcomeFailed, nil)

	// Nothing propagated, so there is nothing left to wait for.
	assert.Empty(t, env.stepItems(t, job.JobID, 2))
	final := env.getJob(t, job.JobID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
}

// A permanently failed or warning page of the sequential catalog-query step
// must still release the next page.
func TestSequentialStepAdvancesPastFailedPage(t *testing.T) {
	env := newTestEnv(t)
	env.config.Scheduler.WorkItemRetryLimit = 0

	job := env.createJob(t, "alice", true, []stepSpec{
		{serviceID: "svc-query", workItemCount: 3, isSequential: true, weight: 1},
	})

	env.leaseAndReport(t, "svc-query", models.OutcomeWarning, nil)
	items := env.stepItems(t, job.JobID, 1)
	require.Len(t, items, 2)
	assert.Equal(t, models.WorkItemStatusReady, items[1].Status)

	env.leaseAndReport(t, "svc-query", models.OutcomeFailed, nil)
	items = env.stepItems(t, job.JobID, 1)
	require.Len(t, items, 3)
	assert.Equal(t, models.WorkItemStatusReady, items[2].Status)

	env.leaseAndReport(t, "svc-query", models.OutcomeSuccessful, []string{"file:///out"})
	final := env.getJob(t, job.JobID)
	assert.Equal(t, models.JobStatusCompleteWithErrors, final.Status)
	assert.Equal(t, 100.0, final.Progress)
}

// Scenario: a four-item step feeding an aggregating step. The aggregated
// item appears only after the last feeder completes and its catalog lists
// every successful output.
func TestAggregatedStepCreatedOnce(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "alice", false, []stepSpec{
		{serviceID: "svc-a", workItemCount: 4, weight: 0.5},
		{serviceID: "svc-agg", workItemCount: 1, aggregating: true, weight: 0.5},
	})

	for i := 0; i < 3; i++ {
		env.leaseAndReport(t, "svc-a", models.OutcomeSuccessful,
			[]string{fmt.Sprintf("file:///out%d", i)})
		assert.Empty(t, env.stepItems(t, job.JobID, 2), "no aggregated item before the step completes")
	}

	env.leaseAndReport(t, "svc-a", models.OutcomeSuccessful, []string{"file:///out3"})

	aggItems := env.stepItems(t, job.JobID, 2)
	require.Len(t, aggItems, 1)

	data, err := env.store.Get(context.Background(), aggItems[0].StacCatalogLocation)
	require.NoError(t, err)
	var catalog struct {
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	require.NoError(t, json.Unmarshal(data, &catalog))

	var itemLinks []string
	for _, link := range catalog.Links {
		if link.Rel == "item" {
			itemLinks = append(itemLinks, link.Href)
		}
	}
	assert.Equal(t, []string{"file:///out0", "file:///out1", "file:///out2", "file:///out3"}, itemLinks)

	// Completing the aggregated item completes the job.
	env.leaseAndReport(t, "svc-agg", models.OutcomeSuccessful, []string{"file:///merged"})
	final := env.getJob(t, job.JobID)
	assert.Equal(t, models.JobStatusSuccessful, final.Status)
	assert.Equal(t, 100.0, final.Progress)
}

// Scenario: ignoreErrors with one permanent failure. The aggregation
// consumes only the successful outputs and the job finishes
// complete_with_errors at progress 100.
func TestIgnoreErrorsAggregation(t *testing.T) {
	env := newTestEnv(t)
	env.config.Scheduler.WorkItemRetryLimit = 0

	job := env.createJob(t, "alice", true, []stepSpec{
		{serviceID: "svc-a", workItemCount: 4, weight: 0.5},
		{serviceID: "svc-agg", workItemCount: 1, aggregating: true, weight: 0.5},
	})

	env.leaseAndReport(t, "svc-a", models.OutcomeFailed, nil)
	assert.Equal(t, models.JobStatusRunningWithErrors, env.getJob(t, job.JobID).Status)

	for i := 0; i < 3; i++ {
		env.leaseAndReport(t, "svc-a", models.OutcomeSuccessful,
			[]string{fmt.Sprintf("file:///out%d", i)})
	}

	aggItems := env.stepItems(t, job.JobID, 2)
	require.Len(t, aggItems, 1)

	data, err := env.store.Get(context.Background(), aggItems[0].StacCatalogLocation)
	require.NoError(t, err)
	var catalog struct {
		Links []struct {
			Rel string `json:"rel"`
		} `json:"links"`
	}
	require.NoError(t, json.Unmarshal(data, &catalog))
	itemCount := 0
	for _, link := range catalog.Links {
		if link.Rel == "item" {
			itemCount++
		}
	}
	assert.Equal(t, 3, itemCount)

	env.leaseAndReport(t, "svc-agg", models.OutcomeSuccessful, []string{"file:///merged"})
	final := env.getJob(t, job.JobID)
	assert.Equal(t, models.JobStatusCompleteWithErrors, final.Status)
	assert.Equal(t, 100.0, final.Progress)
}

func TestAllInputsFailedFailsAggregation(t *testing.T) {
	env := newTestEnv(t)
	env.config.Scheduler.WorkItemRetryLimit = 0

	job := env.createJob(t, "alice", true, []stepSpec{
		{serviceID: "svc-a", workItemCount: 2, weight: 0.5},
		{serviceID: "svc-agg", workItemCount: 1, aggregating: true, weight: 0.5},
	})

	env.leaseAndReport(t, "svc-a", models.OutcomeFailed, nil)
	env.leaseAndReport(t, "svc-a", models.OutcomeFailed, nil)

	final := env.getJob(t, job.JobID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Empty(t, env.stepItems(t, job.JobID, 2))
}

func TestPauseResumeRestoresPriorStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, "alice", true, []stepSpec{
		{serviceID: "svc-a", workItemCount: 2, weight: 1},
	})

	require.NoError(t, env.jobs.SetJobStatus(ctx, env.db.DB(), job.JobID, models.JobStatusRunningWithErrors))

	require.NoError(t, env.engine.PauseJobs(ctx, []string{job.JobID}, "alice"))
	assert.Equal(t, models.JobStatusPaused, env.getJob(t, job.JobID).Status)

	// Paused jobs are invisible to the dispatcher.
	payload, err := env.dispatcher.NextWork(ctx, "svc-a")
	require.NoError(t, err)
	assert.Nil(t, payload)

	require.NoError(t, env.engine.ResumeJobs(ctx, []string{job.JobID}, "alice"))
	assert.Equal(t, models.JobStatusRunningWithErrors, env.getJob(t, job.JobID).Status)
}

// Reports for already-leased items still land while a job is paused; the new
// downstream items simply stay invisible until resume.
func TestCompletionWhilePaused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, "alice", false, []stepSpec{
		{serviceID: "svc-a", workItemCount: 1, weight: 0.5},
		{serviceID: "svc-b", workItemCount: 1, weight: 0.5},
	})

	item, err := env.items.LeaseNext(ctx, "svc-a", 5*time.Minute, "owner")
	require.NoError(t, err)
	require.NotNil(t, item)

	require.NoError(t, env.engine.PauseJobs(ctx, []string{job.JobID}, "alice"))

	require.NoError(t, env.engine.HandleReport(ctx, &models.WorkReport{
		ItemID:  item.ID,
		Status:  models.OutcomeSuccessful,
		Results: []string{"file:///cat.json"},
	}))

	require.Len(t, env.stepItems(t, job.JobID, 2), 1)

	payload, err := env.dispatcher.NextWork(ctx, "svc-b")
	require.NoError(t, err)
	assert.Nil(t, payload)

	require.NoError(t, env.engine.ResumeJobs(ctx, []string{job.JobID}, "alice"))
	payload, err = env.dispatcher.NextWork(ctx, "svc-b")
	require.NoError(t, err)
	require.NotNil(t, payload)
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, "alice", false, []stepSpec{
		{serviceID: "svc-a", workItemCount: 2, weight: 1},
	})

	require.NoError(t, env.engine.CancelJobs(ctx, []string{job.JobID}, "alice"))
	assert.Equal(t, models.JobStatusCanceled, env.getJob(t, job.JobID).Status)
	for _, item := range env.stepItems(t, job.JobID, 1) {
		assert.Equal(t, models.WorkItemStatusCanceled, item.Status)
	}

	// Second cancel is a no-op.
	require.NoError(t, env.engine.CancelJobs(ctx, []string{job.JobID}, "alice"))
}

func TestCancelRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "alice", false, []stepSpec{
		{serviceID: "svc-a", workItemCount: 1, weight: 1},
	})

	err := env.engine.CancelJobs(context.Background(), []string{job.JobID}, "mallory")
	require.Error(t, err)
	assert.Equal(t, models.ErrKindAuthorization, models.KindOf(err))
}

func TestSkipPreview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, "alice", false, []stepSpec{
		{serviceID: "svc-a", workItemCount: 1, weight: 1},
	})
	require.NoError(t, env.jobs.SetJobStatus(ctx, env.db.DB(), job.JobID, models.JobStatusPreviewing))

	require.NoError(t, env.engine.SkipPreview(ctx, []string{job.JobID}, "alice"))
	assert.Equal(t, models.JobStatusRunning, env.getJob(t, job.JobID).Status)

	err := env.engine.SkipPreview(ctx, []string{job.JobID}, "alice")
	require.Error(t, err)
	assert.Equal(t, models.ErrKindConflict, models.KindOf(err))
}

func TestPauseTerminalJobConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.createJob(t, "alice", false, []stepSpec{
		{serviceID: "svc-a", workItemCount: 1, weight: 1},
	})

	env.leaseAndReport(t, "svc-a", models.OutcomeSuccessful, []string{"file:///out"})

	err := env.engine.PauseJobs(ctx, []string{job.JobID}, "alice")
	require.Error(t, err)
	assert.Equal(t, models.ErrKindConflict, models.KindOf(err))
}
