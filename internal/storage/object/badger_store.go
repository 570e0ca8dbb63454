package object

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
)

const badgerScheme = "badger://"

// BadgerStore keeps artifacts in an embedded Badger key-value store. Useful
// for single-node deployments where artifact reads dominate.
type BadgerStore struct {
	db     *badger.DB
	logger arbor.ILogger
}

// NewBadgerStore creates a Badger-backed object store
func NewBadgerStore(logger arbor.ILogger, path string) (*BadgerStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badger.DefaultOptions(path)
	options.Logger = nil // Disable default badger logger to use arbor

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Badger object store initialized")
	return &BadgerStore{db: db, logger: logger}, nil
}

// Put writes a blob under key and returns its URI.
func (b *BadgerStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return badgerScheme + key, nil
}

// Get reads a blob by its URI.
func (b *BadgerStore) Get(ctx context.Context, uri string) ([]byte, error) {
	key := strings.TrimPrefix(uri, badgerScheme)

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("artifact %s not found", uri)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// URLFor returns the URI a key would be served under.
func (b *BadgerStore) URLFor(key string) string {
	return badgerScheme + key
}

// Close closes the database connection
func (b *BadgerStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
