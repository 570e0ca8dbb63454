package models

// StepOperation identifies a data operation a service step can perform.
type StepOperation string

const (
	OpConcatenate     StepOperation = "concatenate"
	OpDimensionSubset StepOperation = "dimensionSubset"
	OpExtend          StepOperation = "extend"
	OpReproject       StepOperation = "reproject"
	OpShapefileSubset StepOperation = "shapefileSubset"
	OpSpatialSubset   StepOperation = "spatialSubset"
	OpTemporalSubset  StepOperation = "temporalSubset"
	OpVariableSubset  StepOperation = "variableSubset"
)

// WorkflowStep is one stage of a job's pipeline. Step indices are a dense
// 1..N sequence per job; the first step is always the sequential
// catalog-query step.
type WorkflowStep struct {
	JobID               string          `json:"jobID"`
	StepIndex           int             `json:"stepIndex"`
	ServiceID           string          `json:"serviceID"`
	// Operation is the opaque data-operation template handed to workers.
	Operation           string          `json:"operation"`
	WorkItemCount       int             `json:"workItemCount"`
	CompletedCount      int             `json:"completedCount"`
	ProgressWeight      float64         `json:"progressWeight"`
	IsSequential        bool            `json:"isSequential"`
	HasAggregatedOutput bool            `json:"hasAggregatedOutput"`
	IsComplete          bool            `json:"isComplete"`
	Operations          []StepOperation `json:"operations,omitempty"`
}
