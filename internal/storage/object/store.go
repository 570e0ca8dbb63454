// Package object provides the blob store backends for workflow artifacts:
// stored query payloads, catalog fragments and aggregated catalog pages.
package object

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/common"
	"github.com/ternarybob/ordino/internal/interfaces"
)

// NewObjectStore creates an object store backend based on config
func NewObjectStore(logger arbor.ILogger, config *common.StorageConfig) (interfaces.ObjectStore, error) {
	switch config.Type {
	case "file", "":
		return NewFileStore(logger, config.Path)
	case "badger":
		return NewBadgerStore(logger, config.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: 'file', 'badger')", config.Type)
	}
}
