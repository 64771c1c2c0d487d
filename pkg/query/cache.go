package query

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/strata/pkg/types"
)

var bucketFiles = []byte("files")

// Cache is the query service's searchable metadata index: a bolt bucket of
// file records keyed by file ID, fed by lifecycle events and rebuildable
// from the admin's authoritative store.
type Cache struct {
	db *bolt.DB
}

// OpenCache opens or creates the cache database under dataDir.
func OpenCache(dataDir string) (*Cache, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "query.db"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open query cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFiles)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the cache database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put stores or replaces one file record.
func (c *Cache) Put(file *types.File) error {
	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Put([]byte(file.ID), data)
	})
}

// Get returns one cached record, or nil when absent.
func (c *Cache) Get(fileID string) (*types.File, error) {
	var file *types.File
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(fileID))
		if data == nil {
			return nil
		}
		file = &types.File{}
		return json.Unmarshal(data, file)
	})
	return file, err
}

// Delete removes one record. Deleting an absent record is a no-op so
// replayed delete events stay idempotent.
func (c *Cache) Delete(fileID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Delete([]byte(fileID))
	})
}

// All returns every cached record.
func (c *Cache) All() ([]*types.File, error) {
	var out []*types.File
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var file types.File
			if err := json.Unmarshal(v, &file); err != nil {
				return err
			}
			out = append(out, &file)
			return nil
		})
	})
	return out, err
}

// ReplaceAll swaps the entire cache contents in one transaction. Used by
// the operator-triggered full rebuild.
func (c *Cache) ReplaceAll(files []*types.File) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketFiles); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketFiles)
		if err != nil {
			return err
		}
		for _, file := range files {
			data, err := json.Marshal(file)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(file.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of cached records.
func (c *Cache) Count() (int, error) {
	var n int
	err := c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketFiles).Stats().KeyN
		return nil
	})
	return n, err
}
