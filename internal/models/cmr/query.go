package cmr

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// GranuleQuery is the canonical query-parameter struct handed to the catalog
// for granule searches. The zero value of every field means "not set".
type GranuleQuery struct {
	CollectionID string
	GranuleIDs   []string
	GranuleName  string
	Temporal     string
	BoundingBox  string
	PageNum      int
	PageSize     int
	SortKey      string
}

// Values renders the query as catalog request parameters.
func (q *GranuleQuery) Values() url.Values {
	v := url.Values{}
	if q.CollectionID != "" {
		v.Set("collection_concept_id", q.CollectionID)
	}
	for _, id := range q.GranuleIDs {
		v.Add("concept_id", id)
	}
	if q.GranuleName != "" {
		v.Set("readable_granule_name", q.GranuleName)
	}
	if q.Temporal != "" {
		v.Set("temporal", q.Temporal)
	}
	if q.BoundingBox != "" {
		v.Set("bounding_box", q.BoundingBox)
	}
	if q.PageNum > 0 {
		v.Set("page_num", fmt.Sprintf("%d", q.PageNum))
	}
	if q.PageSize > 0 {
		v.Set("page_size", fmt.Sprintf("%d", q.PageSize))
	}
	if q.SortKey != "" {
		v.Set("sort_key", q.SortKey)
	}
	return v
}

// Canonical returns a stable key=value rendering with sorted keys, used for
// cache key derivation.
func (q *GranuleQuery) Canonical() string {
	v := q.Values()
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		vals := append([]string(nil), v[k]...)
		sort.Strings(vals)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(vals, ","))
	}
	return b.String()
}

// CacheKey derives the cache key for a query as MD5(queryType || canonical
// query || token). Tokens participate so responses are never shared across
// users with different catalog permissions.
func CacheKey(queryType, canonicalQuery, token string) string {
	sum := md5.Sum([]byte(queryType + "|" + canonicalQuery + "|" + token))
	return hex.EncodeToString(sum[:])
}
