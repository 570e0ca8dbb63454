package models

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ServiceChain defines a deployed service pipeline: which collections it
// serves, the worker images of its steps, and the granule limits it imposes.
// Chains are loaded from services.toml at startup and treated as immutable.
type ServiceChain struct {
	Name        string   `toml:"name" json:"name"`
	Collections []string `toml:"collections" json:"collections"`
	// ForceAsync prevents synchronous execution even for single-granule
	// requests (e.g. services with long spin-up times).
	ForceAsync bool `toml:"force_async" json:"forceAsync"`
	// GranuleLimit caps granules per request for this chain; zero means no
	// chain-level cap.
	GranuleLimit int `toml:"granule_limit" json:"granuleLimit"`
	// CollectionGranuleLimits maps collection ID to a per-collection cap.
	CollectionGranuleLimits map[string]int `toml:"collection_granule_limits" json:"collectionGranuleLimits,omitempty"`
	Steps                   []ChainStep    `toml:"steps" json:"steps"`
}

// ChainStep is one worker stage of a service chain definition.
type ChainStep struct {
	Image               string          `toml:"image" json:"image"`
	Operations          []StepOperation `toml:"operations" json:"operations,omitempty"`
	HasAggregatedOutput bool            `toml:"has_aggregated_output" json:"hasAggregatedOutput"`
	IsSequential        bool            `toml:"is_sequential" json:"isSequential"`
	// ProgressWeight is the share of job progress this step contributes;
	// zero weights are normalised to a uniform split across the workflow.
	ProgressWeight float64 `toml:"progress_weight" json:"progressWeight"`
	// ConditionalOperations limits the step to requests asking for at least
	// one of the listed operations; empty means the step always runs.
	ConditionalOperations []StepOperation `toml:"conditional_operations" json:"conditionalOperations,omitempty"`
}

// serviceFile is the top-level shape of services.toml.
type serviceFile struct {
	Services []ServiceChain `toml:"services"`
}

// LoadServiceChains reads and validates the chain definitions file.
func LoadServiceChains(path string) ([]ServiceChain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service definitions %s: %w", path, err)
	}

	var f serviceFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse service definitions %s: %w", path, err)
	}

	for i := range f.Services {
		c := &f.Services[i]
		if c.Name == "" {
			return nil, fmt.Errorf("service definition %d has no name", i)
		}
		if len(c.Steps) == 0 {
			return nil, fmt.Errorf("service %s defines no steps", c.Name)
		}
		for j, s := range c.Steps {
			if s.Image == "" {
				return nil, fmt.Errorf("service %s step %d has no image", c.Name, j)
			}
		}
	}

	return f.Services, nil
}

// SupportsOperations reports whether the chain's declared step capabilities
// cover every requested operation.
func (c *ServiceChain) SupportsOperations(ops []StepOperation) bool {
	capable := make(map[StepOperation]bool)
	for _, s := range c.Steps {
		for _, op := range s.Operations {
			capable[op] = true
		}
	}
	for _, op := range ops {
		if !capable[op] {
			return false
		}
	}
	return true
}

// ServesCollection reports whether the chain is configured for a collection.
func (c *ServiceChain) ServesCollection(collectionID string) bool {
	for _, id := range c.Collections {
		if id == collectionID {
			return true
		}
	}
	return false
}

// GranuleCapFor returns the effective chain cap for a collection: the
// per-collection limit when present, otherwise the chain-wide limit. Zero
// means uncapped.
func (c *ServiceChain) GranuleCapFor(collectionID string) int {
	if limit, ok := c.CollectionGranuleLimits[collectionID]; ok && limit > 0 {
		if c.GranuleLimit > 0 && c.GranuleLimit < limit {
			return c.GranuleLimit
		}
		return limit
	}
	return c.GranuleLimit
}
