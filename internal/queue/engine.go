package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/common"
	"github.com/ternarybob/ordino/internal/interfaces"
	"github.com/ternarybob/ordino/internal/models"
	"github.com/ternarybob/ordino/internal/services/stac"
	"github.com/ternarybob/ordino/internal/storage/sqlite"
)

// Engine applies worker reports to the job state machine: item transitions,
// output propagation, step completion, aggregation, progress and terminal
// job transitions.
type Engine struct {
	config   *common.Config
	db       *sqlite.SQLiteDB
	jobs     *sqlite.JobStorage
	items    *sqlite.WorkItemStorage
	links    *sqlite.LinkStorage
	store    interfaces.ObjectStore
	notifier *Notifier
	metrics  *Metrics
	logger   arbor.ILogger
}

// NewEngine creates a progress engine
func NewEngine(logger arbor.ILogger, config *common.Config, db *sqlite.SQLiteDB,
	jobs *sqlite.JobStorage, items *sqlite.WorkItemStorage, links *sqlite.LinkStorage,
	store interfaces.ObjectStore, notifier *Notifier, metrics *Metrics) *Engine {
	return &Engine{
		config:   config,
		db:       db,
		jobs:     jobs,
		items:    items,
		links:    links,
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// aggregationTask carries the inputs of an aggregation out of the report
// transaction. Catalog pages are written to the object store without any
// database lock held, then the aggregated item is inserted under a guard.
type aggregationTask struct {
	jobID     string
	username  string
	stepIndex int // the aggregating step
	serviceID string
	inputURIs []string
}

// nowFunc is swappable for tests
var nowFunc = time.Now

// reportEffects accumulates side effects to run after the transaction
// commits.
type reportEffects struct {
	agg          *aggregationTask
	notifyJob    string
	jobCompleted bool
	jobFailed    bool
}

// HandleReport validates and applies a worker's outcome report for an item.
// Reports for items that are not running are rejected with a conflict so
// duplicate or stale reports are no-ops.
func (e *Engine) HandleReport(ctx context.Context, report *models.WorkReport) error {
	var effects reportEffects

	err := e.db.RunInTx(ctx, func(tx *sql.Tx) error {
		return e.applyReport(ctx, tx, report, &effects)
	})
	if err != nil {
		return err
	}

	e.applyEffects(ctx, &effects)
	return nil
}

func (e *Engine) applyReport(ctx context.Context, tx *sql.Tx, report *models.WorkReport, effects *reportEffects) error {
	item, err := e.items.GetWorkItem(ctx, tx, report.ItemID)
	if err != nil {
		return err
	}
	if item.Status != models.WorkItemStatusRunning {
		return models.NewError(models.ErrKindConflict,
			"work item %d is %s, not running", item.ID, item.Status)
	}

	job, err := e.jobs.GetJob(ctx, tx, item.JobID)
	if err != nil {
		return err
	}

	switch report.Status {
	case models.OutcomeSuccessful, models.OutcomeWarning:
		if err := e.applySuccess(ctx, tx, job, item, report); err != nil {
			return err
		}
	case models.OutcomeFailed:
		return e.applyFailure(ctx, tx, job, item, report.ErrorMessage, e.config.Scheduler.WorkItemRetryLimit, effects)
	case models.OutcomeCanceled:
		// Workers cannot cancel jobs; a worker-reported cancellation is
		// retried once, then failed.
		return e.applyFailure(ctx, tx, job, item, report.ErrorMessage, 1, effects)
	default:
		return models.NewError(models.ErrKindRequestValidation,
			"unknown work item outcome %q", report.Status)
	}

	return e.settleJob(ctx, tx, job, effects)
}

// applySuccess finalises a successful or warning item and propagates its
// outputs. Warnings are terminal and count toward completion but contribute
// no outputs downstream.
func (e *Engine) applySuccess(ctx context.Context, tx *sql.Tx, job *models.Job, item *models.WorkItem, report *models.WorkReport) error {
	isWarning := report.Status == models.OutcomeWarning

	item.Status = models.WorkItemStatusSuccessful
	item.ResultURIs = report.Results
	item.OutputItemSizes = report.OutputItemSizes
	if isWarning {
		item.Status = models.WorkItemStatusWarning
		item.ResultURIs = nil
		item.OutputItemSizes = nil
	}

	if err := e.items.CompleteWorkItem(ctx, tx, item, job.Username); err != nil {
		return err
	}
	if err := e.jobs.IncrementStepCompleted(ctx, tx, item.JobID, item.StepIndex); err != nil {
		return err
	}
	e.metrics.ItemsSucceeded.Add(1)

	step, err := e.jobs.GetWorkflowStep(ctx, tx, item.JobID, item.StepIndex)
	if err != nil {
		return err
	}

	if err := e.materializeNextPage(ctx, tx, job, item, step); err != nil {
		return err
	}

	if isWarning {
		return nil
	}

	steps, err := e.jobs.GetWorkflowSteps(ctx, tx, item.JobID)
	if err != nil {
		return err
	}

	if item.StepIndex == len(steps) {
		// Final step outputs become job result links.
		return e.appendResultLinks(ctx, tx, job.JobID, report.Results)
	}

	nextStep := steps[item.StepIndex] // steps are 1-indexed, slice 0-indexed
	if nextStep.HasAggregatedOutput {
		// Aggregating steps get their single item only once the feeding
		// step is complete, handled in settleJob.
		return nil
	}

	// Fan out: every output catalog becomes one next-step item. Catalog
	// page k of the sequential first step covers sort indices starting at
	// k * page size so aggregation order matches input order. The next
	// step's expected count grows with each inserted item, so items that
	// terminate without outputs never inflate its completion target.
	sortBase := item.SortIndex
	if step.IsSequential {
		sortBase = item.SortIndex * e.config.CMR.MaxPageSize
	}
	for i, uri := range report.Results {
		next := &models.WorkItem{
			JobID:               item.JobID,
			StepIndex:           nextStep.StepIndex,
			ServiceID:           nextStep.ServiceID,
			Status:              models.WorkItemStatusReady,
			StacCatalogLocation: uri,
			SortIndex:           sortBase + i,
		}
		if err := e.items.InsertWorkItem(ctx, tx, next, job.Username); err != nil {
			return err
		}
	}
	if len(report.Results) > 0 {
		return e.jobs.AddStepWorkItems(ctx, tx, item.JobID, nextStep.StepIndex, len(report.Results))
	}
	return nil
}

// materializeNextPage inserts page k+1 of a sequential step once page k
// reaches any terminal outcome. Failed and warning pages advance the chain
// too; a frozen page would otherwise strand the whole step.
func (e *Engine) materializeNextPage(ctx context.Context, tx *sql.Tx, job *models.Job, item *models.WorkItem, step *models.WorkflowStep) error {
	if !step.IsSequential {
		return nil
	}
	created, _, err := e.items.CountStepItems(ctx, tx, item.JobID, item.StepIndex)
	if err != nil {
		return err
	}
	if created >= step.WorkItemCount {
		return nil
	}
	next := &models.WorkItem{
		JobID:               item.JobID,
		StepIndex:           item.StepIndex,
		ServiceID:           item.ServiceID,
		Status:              models.WorkItemStatusReady,
		StacCatalogLocation: item.StacCatalogLocation,
		SortIndex:           item.SortIndex + 1,
	}
	return e.items.InsertWorkItem(ctx, tx, next, job.Username)
}

// applyFailure requeues a failed item while retries remain, otherwise makes
// the failure permanent.
func (e *Engine) applyFailure(ctx context.Context, tx *sql.Tx, job *models.Job, item *models.WorkItem, message string, maxRetries int, effects *reportEffects) error {
	if item.RetryCount < maxRetries {
		e.metrics.ItemsRetried.Add(1)
		e.logger.Debug().
			Int64("item_id", item.ID).
			Int("retry", item.RetryCount+1).
			Msg("Work item requeued for retry")
		return e.items.RequeueWorkItem(ctx, tx, item.ID, item.ServiceID, job.Username)
	}
	if err := e.failPermanently(ctx, tx, job, item, message); err != nil {
		return err
	}
	return e.settleJob(ctx, tx, job, effects)
}

// failPermanently records a permanent item failure and applies the job-level
// error policy.
func (e *Engine) failPermanently(ctx context.Context, tx *sql.Tx, job *models.Job, item *models.WorkItem, message string) error {
	item.Status = models.WorkItemStatusFailed
	if err := e.items.CompleteWorkItem(ctx, tx, item, job.Username); err != nil {
		return err
	}
	if err := e.jobs.IncrementStepCompleted(ctx, tx, item.JobID, item.StepIndex); err != nil {
		return err
	}
	e.metrics.ItemsFailed.Add(1)

	if message == "" {
		message = fmt.Sprintf("work item %d failed", item.ID)
	}
	jobErr := &models.JobError{
		JobID:    job.JobID,
		URL:      item.StacCatalogLocation,
		Message:  message,
		Category: "worker",
	}
	if err := e.jobs.InsertJobError(ctx, tx, jobErr); err != nil {
		return err
	}

	if !job.IgnoreErrors {
		return e.failJob(ctx, tx, job, message)
	}

	// The job continues without this item's outputs; a failed sequential
	// page must still release the next page.
	step, err := e.jobs.GetWorkflowStep(ctx, tx, item.JobID, item.StepIndex)
	if err != nil {
		return err
	}
	if err := e.materializeNextPage(ctx, tx, job, item, step); err != nil {
		return err
	}

	// With ignoreErrors the job continues, surfacing the degradation in its
	// status.
	switch job.Status {
	case models.JobStatusRunning, models.JobStatusPreviewing:
		job.Status = models.JobStatusRunningWithErrors
		return e.jobs.SetJobStatus(ctx, tx, job.JobID, job.Status)
	case models.JobStatusPaused:
		if job.PausedFrom != models.JobStatusRunningWithErrors {
			job.PausedFrom = models.JobStatusRunningWithErrors
			return e.jobs.SetPausedFrom(ctx, tx, job.JobID, job.PausedFrom)
		}
	}
	return nil
}

// failJob fails a job and cancels its remaining items.
func (e *Engine) failJob(ctx context.Context, tx *sql.Tx, job *models.Job, message string) error {
	if err := e.jobs.FinalizeJob(ctx, tx, job.JobID, models.JobStatusFailed, message, "error"); err != nil {
		return err
	}
	job.Status = models.JobStatusFailed
	return e.items.CancelJobWorkItems(ctx, tx, job.JobID, job.Username)
}

// settleJob walks the workflow after any item transition: marks completed
// steps, schedules aggregation, advances progress and finalises the job when
// its last step completes.
func (e *Engine) settleJob(ctx context.Context, tx *sql.Tx, job *models.Job, effects *reportEffects) error {
	if job.Status.IsTerminal() {
		if job.Status == models.JobStatusFailed {
			effects.notifyJob = job.JobID
			effects.jobFailed = true
		}
		return nil
	}

	steps, err := e.jobs.GetWorkflowSteps(ctx, tx, job.JobID)
	if err != nil {
		return err
	}

	var progress float64
	prevComplete := true
	for i := range steps {
		step := &steps[i]

		created, nonTerminal, err := e.items.CountStepItems(ctx, tx, job.JobID, step.StepIndex)
		if err != nil {
			return err
		}

		if step.WorkItemCount > 0 {
			completed := created - nonTerminal
			fraction := float64(completed) / float64(step.WorkItemCount)
			if fraction > 1 {
				fraction = 1
			}
			progress += step.ProgressWeight * fraction * 100
		}

		if !step.IsComplete && prevComplete && created == step.WorkItemCount && nonTerminal == 0 {
			if err := e.jobs.MarkStepComplete(ctx, tx, job.JobID, step.StepIndex); err != nil {
				return err
			}
			step.IsComplete = true
		}

		// A newly completed step feeds its aggregating successor exactly
		// once: the guard is the successor having no items yet.
		if step.IsComplete && i+1 < len(steps) && steps[i+1].HasAggregatedOutput {
			nextCreated, _, err := e.items.CountStepItems(ctx, tx, job.JobID, steps[i+1].StepIndex)
			if err != nil {
				return err
			}
			if nextCreated == 0 && effects.agg == nil {
				uris, err := e.items.ListSuccessfulResults(ctx, tx, job.JobID, step.StepIndex)
				if err != nil {
					return err
				}
				if len(uris) == 0 {
					// Every input to the aggregation failed; nothing can
					// come out of the rest of the workflow.
					effects.notifyJob = job.JobID
					effects.jobFailed = true
					return e.failJob(ctx, tx, job, "all inputs to the aggregation step failed")
				}
				effects.agg = &aggregationTask{
					jobID:     job.JobID,
					username:  job.Username,
					stepIndex: steps[i+1].StepIndex,
					serviceID: steps[i+1].ServiceID,
					inputURIs: uris,
				}
			}
		}

		prevComplete = step.IsComplete
	}

	last := steps[len(steps)-1]
	if last.IsComplete {
		return e.completeJob(ctx, tx, job, effects)
	}

	return e.jobs.AdvanceJobProgress(ctx, tx, job.JobID, progress)
}

// completeJob finalises a job whose last step completed. Jobs with recorded
// errors finish as complete_with_errors unless nothing succeeded at all.
func (e *Engine) completeJob(ctx context.Context, tx *sql.Tx, job *models.Job, effects *reportEffects) error {
	errCount, err := e.jobs.CountJobErrors(ctx, tx, job.JobID)
	if err != nil {
		return err
	}

	status := models.JobStatusSuccessful
	message := ""
	if errCount > 0 {
		links, err := e.links.ListJobLinks(ctx, tx, job.JobID, "data")
		if err != nil {
			return err
		}
		if len(links) == 0 {
			effects.notifyJob = job.JobID
			effects.jobFailed = true
			return e.failJob(ctx, tx, job, "all work items failed")
		}
		status = models.JobStatusCompleteWithErrors
		message = fmt.Sprintf("the job completed with %d errors; see the job errors for details", errCount)
	}

	if err := e.jobs.FinalizeJob(ctx, tx, job.JobID, status, message, "completed"); err != nil {
		return err
	}
	job.Status = status
	effects.notifyJob = job.JobID
	effects.jobCompleted = true
	return nil
}

// appendResultLinks records final-step outputs as job data links.
func (e *Engine) appendResultLinks(ctx context.Context, tx *sql.Tx, jobID string, uris []string) error {
	if len(uris) == 0 {
		return nil
	}
	links := make([]models.JobLink, 0, len(uris))
	for _, uri := range uris {
		links = append(links, models.JobLink{Href: uri, Rel: "data"})
	}
	return e.links.InsertJobLinks(ctx, tx, jobID, links)
}

// applyEffects runs post-commit side effects: aggregation catalog writes and
// completion notifications.
func (e *Engine) applyEffects(ctx context.Context, effects *reportEffects) {
	if effects.agg != nil {
		if err := e.runAggregation(ctx, effects.agg); err != nil {
			e.logger.Warn().Err(err).
				Str("job_id", effects.agg.jobID).
				Msg("Aggregation failed")
		}
	}
	if effects.jobCompleted {
		e.metrics.JobsCompleted.Add(1)
	}
	if effects.jobFailed {
		e.metrics.JobsFailed.Add(1)
	}
	if effects.notifyJob != "" {
		e.notifier.Notify(effects.notifyJob)
	}
}

// runAggregation writes the paged aggregate catalog with no database lock
// held, then inserts the single aggregated work item under a re-checked
// guard so concurrent settles never double-insert.
func (e *Engine) runAggregation(ctx context.Context, task *aggregationTask) error {
	headURI, err := stac.WriteAggregateCatalog(ctx, e.store, task.jobID, task.stepIndex-1,
		task.inputURIs, e.config.Limits.AggregateStacCatalogMaxPageSize)
	if err != nil {
		return err
	}

	return e.db.RunInTx(ctx, func(tx *sql.Tx) error {
		job, err := e.jobs.GetJob(ctx, tx, task.jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}
		created, _, err := e.items.CountStepItems(ctx, tx, task.jobID, task.stepIndex)
		if err != nil {
			return err
		}
		if created > 0 {
			return nil
		}

		item := &models.WorkItem{
			JobID:               task.jobID,
			StepIndex:           task.stepIndex,
			ServiceID:           task.serviceID,
			Status:              models.WorkItemStatusReady,
			StacCatalogLocation: headURI,
			SortIndex:           0,
		}
		return e.items.InsertWorkItem(ctx, tx, item, task.username)
	})
}

// RecoverPendingAggregations re-runs aggregations whose post-commit catalog
// write never landed. The feeding step is already marked complete, so no
// later report re-triggers the settle guard; the reaper calls this on each
// sweep instead.
func (e *Engine) RecoverPendingAggregations(ctx context.Context) error {
	pending, err := e.jobs.ListPendingAggregations(ctx, e.db.DB())
	if err != nil {
		return err
	}

	for _, p := range pending {
		var effects reportEffects
		err := e.db.RunInTx(ctx, func(tx *sql.Tx) error {
			job, err := e.jobs.GetJob(ctx, tx, p.JobID)
			if err != nil {
				return err
			}
			if job.Status.IsTerminal() {
				return nil
			}
			uris, err := e.items.ListSuccessfulResults(ctx, tx, p.JobID, p.StepIndex-1)
			if err != nil {
				return err
			}
			if len(uris) == 0 {
				effects.notifyJob = job.JobID
				effects.jobFailed = true
				return e.failJob(ctx, tx, job, "all inputs to the aggregation step failed")
			}
			effects.agg = &aggregationTask{
				jobID:     p.JobID,
				username:  job.Username,
				stepIndex: p.StepIndex,
				serviceID: p.ServiceID,
				inputURIs: uris,
			}
			return nil
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("job_id", p.JobID).Msg("Aggregation recovery failed")
			continue
		}
		e.applyEffects(ctx, &effects)
	}
	return nil
}

// FailExpiredLease handles a lease the reaper reclaimed: the item is retried
// while attempts remain, otherwise failed permanently.
func (e *Engine) FailExpiredLease(ctx context.Context, itemID int64) error {
	var effects reportEffects

	err := e.db.RunInTx(ctx, func(tx *sql.Tx) error {
		item, err := e.items.GetWorkItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		// The worker may have reported between the reaper's scan and this
		// transaction.
		if item.Status != models.WorkItemStatusRunning {
			return nil
		}
		if item.LeasedUntil == nil || !item.LeasedUntil.Before(nowFunc()) {
			return nil
		}

		job, err := e.jobs.GetJob(ctx, tx, item.JobID)
		if err != nil {
			return err
		}

		e.metrics.LeasesReclaimed.Add(1)
		return e.applyFailure(ctx, tx, job, item,
			fmt.Sprintf("work item %d exceeded its lease of %s", item.ID, e.config.Scheduler.VisibilityTimeout),
			e.config.Scheduler.WorkItemRetryLimit, &effects)
	})
	if err != nil {
		return err
	}

	e.applyEffects(ctx, &effects)
	return nil
}
