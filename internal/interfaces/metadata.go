package interfaces

import (
	"context"

	"github.com/ternarybob/ordino/internal/models/cmr"
)

// MetadataClient resolves collections, granule counts and UMM associations
// from the upstream metadata catalog. Implementations cache responses and
// coalesce concurrent fetches of the same key.
type MetadataClient interface {
	GetCollection(ctx context.Context, collectionID, token string) (*cmr.Collection, error)
	// GranuleHits returns the number of granules matching a query without
	// fetching the granules themselves.
	GranuleHits(ctx context.Context, query *cmr.GranuleQuery, token string) (int, error)
	GetVariables(ctx context.Context, collectionID, token string) ([]cmr.Variable, error)
	GetVisualizations(ctx context.Context, collectionID, token string) ([]cmr.Visualization, error)
}
