// Package cmr implements the upstream metadata catalog client with response
// caching and request coalescing.
package cmr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/common"
	"github.com/ternarybob/ordino/internal/models"
	cmrmodels "github.com/ternarybob/ordino/internal/models/cmr"
	"golang.org/x/time/rate"
)

// hitsHeader carries the total match count on catalog search responses.
const hitsHeader = "CMR-Hits"

// Client talks to the metadata catalog over HTTP. All reads go through the
// cache; upstream calls are paced by a rate limiter so bursts of planner
// activity do not hammer the catalog.
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	cache    *Cache
	logger   arbor.ILogger
}

// NewClient creates a metadata catalog client
func NewClient(logger arbor.ILogger, config *common.CMRConfig) (*Client, error) {
	timeout, err := time.ParseDuration(config.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("cmr.request_timeout: %w", err)
	}
	spacing, err := time.ParseDuration(config.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("cmr.rate_limit: %w", err)
	}
	ttl, err := time.ParseDuration(config.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("cmr.cache_ttl: %w", err)
	}

	return &Client{
		endpoint: config.Endpoint,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Every(spacing), 1),
		cache:    NewCache(ttl, config.CacheSizeBytes),
		logger:   logger,
	}, nil
}

// GetCollection resolves a collection record by concept ID.
func (c *Client) GetCollection(ctx context.Context, collectionID, token string) (*cmrmodels.Collection, error) {
	params := url.Values{}
	params.Set("concept_id", collectionID)
	params.Set("include_has_granules", "true")

	body, _, err := c.cachedGet(ctx, "collections", "/search/collections.json", params, token)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Feed struct {
			Entry []cmrmodels.Collection `json:"entry"`
		} `json:"feed"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse collection response: %w", err)
	}
	if len(payload.Feed.Entry) == 0 {
		return nil, models.NewError(models.ErrKindNotFound, "collection %s not found", collectionID)
	}
	return &payload.Feed.Entry[0], nil
}

// GranuleHits returns the number of granules matching a query without
// fetching the granules themselves.
func (c *Client) GranuleHits(ctx context.Context, query *cmrmodels.GranuleQuery, token string) (int, error) {
	params := query.Values()
	params.Set("page_size", "0")

	_, hits, err := c.cachedGet(ctx, "granule-hits", "/search/granules.json", params, token)
	if err != nil {
		return 0, err
	}
	return hits, nil
}

// GetVariables returns the UMM-Var records associated with a collection.
func (c *Client) GetVariables(ctx context.Context, collectionID, token string) ([]cmrmodels.Variable, error) {
	params := url.Values{}
	params.Set("collection_concept_id", collectionID)

	body, _, err := c.cachedGet(ctx, "variables", "/search/variables.json", params, token)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Items []cmrmodels.Variable `json:"items"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse variables response: %w", err)
	}
	return payload.Items, nil
}

// GetVisualizations returns the UMM-Vis records associated with a collection.
func (c *Client) GetVisualizations(ctx context.Context, collectionID, token string) ([]cmrmodels.Visualization, error) {
	params := url.Values{}
	params.Set("collection_concept_id", collectionID)

	body, _, err := c.cachedGet(ctx, "visualizations", "/search/visualizations.json", params, token)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Items []cmrmodels.Visualization `json:"items"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse visualizations response: %w", err)
	}
	return payload.Items, nil
}

// cachedGet fetches a catalog URL through the cache. Concurrent requests for
// the same key collapse into one upstream call.
func (c *Client) cachedGet(ctx context.Context, queryType, path string, params url.Values, token string) ([]byte, int, error) {
	key := cmrmodels.CacheKey(queryType, canonicalParams(params), token)

	entry, err := c.cache.GetOrFetch(key, func() (*CacheEntry, error) {
		return c.fetch(ctx, path, params, token)
	})
	if err != nil {
		return nil, 0, err
	}
	return entry.Body, entry.Hits, nil
}

// fetch performs the actual upstream request.
func (c *Client) fetch(ctx context.Context, path string, params url.Values, token string) (*CacheEntry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := c.endpoint + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, models.WrapError(models.ErrKindUpstreamUnavailable, err, "metadata catalog unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.WrapError(models.ErrKindUpstreamUnavailable, err, "read catalog response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, models.NewError(models.ErrKindAuthorization, "catalog rejected the provided token")
	case resp.StatusCode >= 500:
		return nil, models.NewError(models.ErrKindUpstreamUnavailable, "metadata catalog returned %d", resp.StatusCode)
	default:
		return nil, models.NewError(models.ErrKindRequestValidation, "catalog rejected query with %d: %s", resp.StatusCode, string(body))
	}

	hits := 0
	if h := resp.Header.Get(hitsHeader); h != "" {
		if n, err := strconv.Atoi(h); err == nil {
			hits = n
		}
	}

	return &CacheEntry{Body: body, Hits: hits}, nil
}

// canonicalParams renders params with sorted keys for cache key derivation.
func canonicalParams(params url.Values) string {
	return params.Encode() // url.Values.Encode sorts keys
}
