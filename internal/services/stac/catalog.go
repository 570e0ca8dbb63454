// Package stac builds the catalog documents that carry granule references
// between workflow steps.
package stac

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/ordino/internal/interfaces"
)

const stacVersion = "1.0.0"

// Link is one relation inside a catalog document.
type Link struct {
	Rel   string `json:"rel"`
	Href  string `json:"href"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// Catalog is a minimal STAC catalog: an ID, a description and links to its
// items and sibling pages.
type Catalog struct {
	StacVersion string `json:"stac_version"`
	ID          string `json:"id"`
	Description string `json:"description"`
	Links       []Link `json:"links"`
}

// NewCatalog creates a catalog whose child links reference the given item
// URIs in order.
func NewCatalog(id, description string, itemURIs []string) *Catalog {
	c := &Catalog{
		StacVersion: stacVersion,
		ID:          id,
		Description: description,
		Links:       make([]Link, 0, len(itemURIs)),
	}
	for _, uri := range itemURIs {
		c.Links = append(c.Links, Link{Rel: "item", Href: uri})
	}
	return c
}

// WriteAggregateCatalog splits the item URIs into pages of at most pageSize,
// writes each page to the object store and chains them with prev/next links.
// The first page has no prev link and the last no next link. Returns the URI
// of the first page.
func WriteAggregateCatalog(ctx context.Context, store interfaces.ObjectStore, jobID string, stepIndex int, itemURIs []string, pageSize int) (string, error) {
	if pageSize < 1 {
		return "", fmt.Errorf("catalog page size must be >= 1, got %d", pageSize)
	}

	pageCount := (len(itemURIs) + pageSize - 1) / pageSize
	if pageCount == 0 {
		pageCount = 1
	}

	keys := make([]string, pageCount)
	for page := 0; page < pageCount; page++ {
		keys[page] = fmt.Sprintf("%s/aggregate/%d/catalog%d.json", jobID, stepIndex, page)
	}

	headURI := store.URLFor(keys[0])
	for page := 0; page < pageCount; page++ {
		start := page * pageSize
		end := start + pageSize
		if end > len(itemURIs) {
			end = len(itemURIs)
		}

		catalog := NewCatalog(
			fmt.Sprintf("%s-aggregate-%d-%d", jobID, stepIndex, page),
			fmt.Sprintf("Aggregated outputs of job %s step %d, page %d of %d", jobID, stepIndex, page+1, pageCount),
			itemURIs[start:end])

		if page > 0 {
			catalog.Links = append(catalog.Links, Link{Rel: "prev", Href: store.URLFor(keys[page-1])})
		}
		if page < pageCount-1 {
			catalog.Links = append(catalog.Links, Link{Rel: "next", Href: store.URLFor(keys[page+1])})
		}

		data, err := json.Marshal(catalog)
		if err != nil {
			return "", fmt.Errorf("serialize catalog page %d: %w", page, err)
		}
		if _, err := store.Put(ctx, keys[page], data); err != nil {
			return "", fmt.Errorf("store catalog page %d: %w", page, err)
		}
	}

	return headURI, nil
}

// WriteQueryCatalog stores the planner's stored query payload and returns its
// URI. The catalog-query worker reads this payload to page granules out of
// the upstream catalog.
func WriteQueryCatalog(ctx context.Context, store interfaces.ObjectStore, jobID string, payload []byte) (string, error) {
	key := fmt.Sprintf("%s/query/query.json", jobID)
	uri, err := store.Put(ctx, key, payload)
	if err != nil {
		return "", fmt.Errorf("store query payload: %w", err)
	}
	return uri, nil
}
