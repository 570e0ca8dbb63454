package models

import (
	"sort"
	"strings"
)

// TransformationRequest is a validated request for a data transformation,
// produced by the ingest layer and consumed by the planner. Geometry and
// dimension parameters are carried opaquely into step operation templates.
type TransformationRequest struct {
	CollectionID string `json:"collectionId" validate:"required"`
	// GranuleIDs restricts the request to explicit granules.
	GranuleIDs []string `json:"granuleIds,omitempty"`
	// GranuleName matches granules by readable name; exact single-granule
	// matches qualify for synchronous execution.
	GranuleName string   `json:"granuleName,omitempty"`
	Variables   []string `json:"variables,omitempty"`
	// MaxResults caps the granules the caller wants processed; zero means
	// no caller preference.
	MaxResults     int             `json:"maxResults,omitempty" validate:"gte=0"`
	Operations     []StepOperation `json:"operations,omitempty"`
	OutputFormat   string          `json:"outputFormat,omitempty"`
	CRS            string          `json:"crs,omitempty"`
	BBox           []float64       `json:"bbox,omitempty" validate:"omitempty,len=4"`
	TemporalStart  string          `json:"temporalStart,omitempty"`
	TemporalEnd    string          `json:"temporalEnd,omitempty"`
	IgnoreErrors   bool            `json:"ignoreErrors,omitempty"`
	DestinationURL string          `json:"destinationUrl,omitempty" validate:"omitempty,uri"`
	Labels         []string        `json:"labels,omitempty"`
	// OriginURI is the request URI recorded on the job for provenance.
	OriginURI string `json:"originUri,omitempty"`
	// AccessToken is forwarded opaquely to the metadata catalog.
	AccessToken string `json:"-"`
}

// TargetsSingleGranule reports whether the request pins exactly one granule,
// either by explicit ID or by a non-wildcard name match.
func (r *TransformationRequest) TargetsSingleGranule() bool {
	if len(r.GranuleIDs) == 1 {
		return true
	}
	if len(r.GranuleIDs) == 0 && r.GranuleName != "" && !strings.ContainsAny(r.GranuleName, "*?") {
		return true
	}
	return false
}

// NormalizeLabels lowercases, trims, deduplicates and sorts a label set.
// Empty labels are dropped.
func NormalizeLabels(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
