// Package planner turns validated transformation requests into jobs with
// fully materialised workflows.
package planner

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/common"
	"github.com/ternarybob/ordino/internal/interfaces"
	"github.com/ternarybob/ordino/internal/models"
	cmrmodels "github.com/ternarybob/ordino/internal/models/cmr"
	"github.com/ternarybob/ordino/internal/services/stac"
	"github.com/ternarybob/ordino/internal/storage/sqlite"
)

// Planner decides sync/async execution, sizes the input granule set and
// writes the job, its workflow steps and the first work item in one
// transaction.
type Planner struct {
	config   *common.Config
	chains   []models.ServiceChain
	metadata interfaces.MetadataClient
	store    interfaces.ObjectStore
	db       *sqlite.SQLiteDB
	jobs     *sqlite.JobStorage
	items    *sqlite.WorkItemStorage
	labels   *sqlite.LabelStorage
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewPlanner creates a workflow planner
func NewPlanner(logger arbor.ILogger, config *common.Config, chains []models.ServiceChain,
	metadata interfaces.MetadataClient, store interfaces.ObjectStore,
	db *sqlite.SQLiteDB, jobs *sqlite.JobStorage, items *sqlite.WorkItemStorage,
	labels *sqlite.LabelStorage) *Planner {
	return &Planner{
		config:   config,
		chains:   chains,
		metadata: metadata,
		store:    store,
		db:       db,
		jobs:     jobs,
		items:    items,
		labels:   labels,
		validate: validator.New(),
		logger:   logger,
	}
}

// PlanJob validates a request, resolves its collection and granule count,
// selects a service chain and creates the job. The stored query payload is
// written to the object store before the creation transaction so the first
// work item is dispatchable the moment the transaction commits.
func (p *Planner) PlanJob(ctx context.Context, req *models.TransformationRequest, username string) (*models.Job, error) {
	if err := p.validate.Struct(req); err != nil {
		return nil, models.WrapError(models.ErrKindRequestValidation, err, "invalid transformation request")
	}

	chain, err := p.selectChain(req)
	if err != nil {
		return nil, err
	}

	// Resolving the collection also verifies the caller's token grants
	// access to it.
	if _, err := p.metadata.GetCollection(ctx, req.CollectionID, req.AccessToken); err != nil {
		return nil, err
	}

	variables, err := p.resolveVariables(ctx, req)
	if err != nil {
		return nil, err
	}
	visualizations, err := p.metadata.GetVisualizations(ctx, req.CollectionID, req.AccessToken)
	if err != nil {
		return nil, err
	}

	hits, err := p.granuleHits(ctx, req)
	if err != nil {
		return nil, err
	}
	if hits == 0 {
		return nil, models.NewError(models.ErrKindRequestValidation, "no granules match the given query")
	}

	numGranules, limitMessage := p.applyGranuleLimits(hits, req, chain)

	isSync := numGranules == 1 && req.TargetsSingleGranule() && !chain.ForceAsync

	job := p.buildJob(req, username, numGranules, isSync, limitMessage)
	steps, err := p.buildWorkflow(job.JobID, req, chain, numGranules, variables, visualizations)
	if err != nil {
		return nil, err
	}

	queryURI, err := p.writeStoredQuery(ctx, job.JobID, req, numGranules)
	if err != nil {
		return nil, err
	}

	err = p.db.RunInTx(ctx, func(tx *sql.Tx) error {
		if err := p.jobs.InsertJob(ctx, tx, job); err != nil {
			return err
		}
		for i := range steps {
			if err := p.jobs.InsertWorkflowStep(ctx, tx, &steps[i]); err != nil {
				return err
			}
		}

		// The sequential catalog-query step materialises lazily: only its
		// first item exists at creation, later pages are inserted as each
		// completes.
		first := &models.WorkItem{
			JobID:               job.JobID,
			StepIndex:           1,
			ServiceID:           steps[0].ServiceID,
			Status:              models.WorkItemStatusReady,
			StacCatalogLocation: queryURI,
			SortIndex:           0,
		}
		if err := p.items.InsertWorkItem(ctx, tx, first, username); err != nil {
			return err
		}

		if len(req.Labels) > 0 {
			if err := p.labels.AttachLabels(ctx, tx, []string{job.JobID}, req.Labels); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("job_id", job.JobID).
		Str("username", username).
		Str("service", chain.Name).
		Int("granules", numGranules).
		Bool("synchronous", isSync).
		Msg("Job created")

	job.Labels = models.NormalizeLabels(req.Labels)
	return job, nil
}

// selectChain finds the first chain serving the collection that covers every
// requested operation.
func (p *Planner) selectChain(req *models.TransformationRequest) (*models.ServiceChain, error) {
	var servesCollection bool
	for i := range p.chains {
		chain := &p.chains[i]
		if !chain.ServesCollection(req.CollectionID) {
			continue
		}
		servesCollection = true
		if chain.SupportsOperations(req.Operations) {
			return chain, nil
		}
	}
	if servesCollection {
		return nil, models.NewError(models.ErrKindUnsupported,
			"no service for collection %s supports the requested operations", req.CollectionID)
	}
	return nil, models.NewError(models.ErrKindUnsupported,
		"no service is configured for collection %s", req.CollectionID)
}

// granuleHits counts the granules the request matches. Explicit granule ID
// lists skip the catalog round trip.
func (p *Planner) granuleHits(ctx context.Context, req *models.TransformationRequest) (int, error) {
	if len(req.GranuleIDs) > 0 {
		return len(req.GranuleIDs), nil
	}
	query := p.granuleQuery(req)
	return p.metadata.GranuleHits(ctx, query, req.AccessToken)
}

func (p *Planner) granuleQuery(req *models.TransformationRequest) *cmrmodels.GranuleQuery {
	query := &cmrmodels.GranuleQuery{
		CollectionID: req.CollectionID,
		GranuleIDs:   req.GranuleIDs,
		GranuleName:  req.GranuleName,
	}
	if len(req.BBox) == 4 {
		query.BoundingBox = fmt.Sprintf("%g,%g,%g,%g", req.BBox[0], req.BBox[1], req.BBox[2], req.BBox[3])
	}
	if req.TemporalStart != "" || req.TemporalEnd != "" {
		query.Temporal = req.TemporalStart + "," + req.TemporalEnd
	}
	return query
}

// applyGranuleLimits computes the effective granule count as the tightest of
// the caller's maxResults, the chain's cap and the system cap. When a limit
// binds below the match count, a message naming the binding limit is
// returned for the job.
func (p *Planner) applyGranuleLimits(hits int, req *models.TransformationRequest, chain *models.ServiceChain) (int, string) {
	num := hits
	limitName := ""

	if req.MaxResults > 0 && req.MaxResults < num {
		num = req.MaxResults
		limitName = "maxResults"
	}
	if chainCap := chain.GranuleCapFor(req.CollectionID); chainCap > 0 && chainCap < num {
		num = chainCap
		limitName = fmt.Sprintf("the %s service limit", chain.Name)
	}
	if p.config.Limits.MaxGranuleLimit > 0 && p.config.Limits.MaxGranuleLimit < num {
		num = p.config.Limits.MaxGranuleLimit
		limitName = "the system limit"
	}

	if limitName == "" {
		return num, ""
	}
	return num, fmt.Sprintf("CMR query identified %d granules, but the request has been limited to process only the first %d granules because of %s", hits, num, limitName)
}

func (p *Planner) buildJob(req *models.TransformationRequest, username string, numGranules int, isSync bool, message string) *models.Job {
	status := models.JobStatusRunning
	if !isSync && numGranules > p.config.Scheduler.PreviewThreshold {
		status = models.JobStatusPreviewing
	}

	now := time.Now()
	return &models.Job{
		JobID:            uuid.NewString(),
		Username:         username,
		Status:           status,
		Progress:         0,
		Message:          message,
		Request:          req.OriginURI,
		NumInputGranules: numGranules,
		IgnoreErrors:     req.IgnoreErrors,
		IsSynchronous:    isSync,
		DestinationURL:   req.DestinationURL,
		CollectionIDs:    []string{req.CollectionID},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// buildWorkflow emits the catalog-query step followed by the chain steps
// applicable to the request. Progress weights are normalised to sum to one.
func (p *Planner) buildWorkflow(jobID string, req *models.TransformationRequest, chain *models.ServiceChain,
	numGranules int, variables []cmrmodels.Variable, visualizations []cmrmodels.Visualization) ([]models.WorkflowStep, error) {
	pageSize := p.config.CMR.MaxPageSize
	queryItemCount := (numGranules + pageSize - 1) / pageSize

	operation, err := p.operationTemplate(req, variables, visualizations)
	if err != nil {
		return nil, err
	}

	steps := []models.WorkflowStep{{
		JobID:         jobID,
		StepIndex:     1,
		ServiceID:     p.config.Scheduler.QueryTaskImage,
		Operation:     operation,
		WorkItemCount: queryItemCount,
		IsSequential:  true,
		Operations:    []models.StepOperation{},
	}}

	for _, chainStep := range chain.Steps {
		if !stepApplies(chainStep, req.Operations) {
			continue
		}
		// Aggregating steps always get exactly one item. Fan-out steps start
		// at zero and grow as predecessors propagate outputs, so items that
		// fail or finish with warnings never inflate the completion target.
		itemCount := 0
		if chainStep.HasAggregatedOutput {
			itemCount = 1
		}
		steps = append(steps, models.WorkflowStep{
			JobID:               jobID,
			StepIndex:           len(steps) + 1,
			ServiceID:           chainStep.Image,
			Operation:           operation,
			WorkItemCount:       itemCount,
			ProgressWeight:      chainStep.ProgressWeight,
			IsSequential:        chainStep.IsSequential,
			HasAggregatedOutput: chainStep.HasAggregatedOutput,
			Operations:          chainStep.Operations,
		})
	}

	normalizeWeights(steps)
	return steps, nil
}

// stepApplies reports whether a conditional chain step matches the requested
// operations. Unconditional steps always apply.
func stepApplies(step models.ChainStep, requested []models.StepOperation) bool {
	if len(step.ConditionalOperations) == 0 {
		return true
	}
	for _, cond := range step.ConditionalOperations {
		for _, op := range requested {
			if cond == op {
				return true
			}
		}
	}
	return false
}

// normalizeWeights scales step weights to sum to one; an all-zero workflow
// gets a uniform split.
func normalizeWeights(steps []models.WorkflowStep) {
	var total float64
	for i := range steps {
		if steps[i].ProgressWeight < 0 {
			steps[i].ProgressWeight = 0
		}
		total += steps[i].ProgressWeight
	}
	if total == 0 {
		uniform := 1.0 / float64(len(steps))
		for i := range steps {
			steps[i].ProgressWeight = uniform
		}
		return
	}
	for i := range steps {
		steps[i].ProgressWeight /= total
	}
}

// storedQuery is the payload the catalog-query worker pages granules with.
type storedQuery struct {
	CollectionID string   `json:"collectionId"`
	GranuleIDs   []string `json:"granuleIds,omitempty"`
	GranuleName  string   `json:"granuleName,omitempty"`
	BBox         []float64 `json:"bbox,omitempty"`
	TemporalStart string   `json:"temporalStart,omitempty"`
	TemporalEnd   string   `json:"temporalEnd,omitempty"`
	MaxGranules   int      `json:"maxGranules"`
	PageSize      int      `json:"pageSize"`
}

func (p *Planner) writeStoredQuery(ctx context.Context, jobID string, req *models.TransformationRequest, numGranules int) (string, error) {
	payload, err := json.Marshal(storedQuery{
		CollectionID:  req.CollectionID,
		GranuleIDs:    req.GranuleIDs,
		GranuleName:   req.GranuleName,
		BBox:          req.BBox,
		TemporalStart: req.TemporalStart,
		TemporalEnd:   req.TemporalEnd,
		MaxGranules:   numGranules,
		PageSize:      p.config.CMR.MaxPageSize,
	})
	if err != nil {
		return "", fmt.Errorf("serialize stored query: %w", err)
	}
	return stac.WriteQueryCatalog(ctx, p.store, jobID, payload)
}

// resolveVariables maps the request's variable names to their catalog
// records. An unknown name is a request error, not a runtime one.
func (p *Planner) resolveVariables(ctx context.Context, req *models.TransformationRequest) ([]cmrmodels.Variable, error) {
	if len(req.Variables) == 0 {
		return nil, nil
	}

	available, err := p.metadata.GetVariables(ctx, req.CollectionID, req.AccessToken)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]cmrmodels.Variable, len(available))
	for _, v := range available {
		byName[v.Name] = v
	}

	resolved := make([]cmrmodels.Variable, 0, len(req.Variables))
	for _, name := range req.Variables {
		v, ok := byName[name]
		if !ok {
			return nil, models.NewError(models.ErrKindRequestValidation,
				"variable %s is not defined for collection %s", name, req.CollectionID)
		}
		resolved = append(resolved, v)
	}
	return resolved, nil
}

// operationTemplate renders the opaque data-operation message workers
// receive with each item. Variables carry their resolved catalog IDs so
// workers never consult the catalog themselves.
func (p *Planner) operationTemplate(req *models.TransformationRequest,
	variables []cmrmodels.Variable, visualizations []cmrmodels.Visualization) (string, error) {
	template := map[string]interface{}{
		"operations": req.Operations,
	}
	if len(variables) > 0 {
		vars := make([]map[string]string, 0, len(variables))
		for _, v := range variables {
			vars = append(vars, map[string]string{"id": v.ID, "name": v.Name})
		}
		template["variables"] = vars
	}
	if len(visualizations) > 0 {
		vis := make([]map[string]string, 0, len(visualizations))
		for _, v := range visualizations {
			vis = append(vis, map[string]string{"id": v.ID, "name": v.Name})
		}
		template["visualizations"] = vis
	}
	if req.OutputFormat != "" {
		template["format"] = req.OutputFormat
	}
	if req.CRS != "" {
		template["crs"] = req.CRS
	}
	if len(req.BBox) == 4 {
		template["bbox"] = req.BBox
	}
	if req.TemporalStart != "" || req.TemporalEnd != "" {
		template["temporal"] = map[string]string{
			"start": req.TemporalStart,
			"end":   req.TemporalEnd,
		}
	}

	raw, err := json.Marshal(template)
	if err != nil {
		return "", fmt.Errorf("serialize operation template: %w", err)
	}
	return string(raw), nil
}
