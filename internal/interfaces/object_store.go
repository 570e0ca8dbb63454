package interfaces

import (
	"context"
)

// ObjectStore stores opaque blobs for the core: stored query payloads,
// catalog fragments and aggregated catalog pages. Artifacts are keyed by a
// slash-separated path (jobID/itemID/filename); Put returns the URI workers
// use to fetch the blob. The core never parses worker result payloads.
type ObjectStore interface {
	// Put writes a blob under key and returns its URI.
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get reads a blob by the URI a Put returned.
	Get(ctx context.Context, uri string) ([]byte, error)
	// URLFor returns the URI a key would be served under without writing.
	URLFor(key string) string
	Close() error
}
