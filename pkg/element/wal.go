package element

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/strata/pkg/types"
)

var (
	bucketWAL   = []byte("wal")
	bucketFiles = []byte("files")
)

// openElementDB opens the element's bolt database holding the WAL and the
// metadata cache.
func openElementDB(dataDir string) (*bolt.DB, error) {
	path := filepath.Join(dataDir, "element.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open element database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketWAL, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return db, nil
}

// WAL is the element's append-only write-ahead log, keyed by a monotonic
// sequence so scans return rows in append order.
type WAL struct {
	db *bolt.DB
}

func newWAL(db *bolt.DB) *WAL {
	return &WAL{db: db}
}

func walKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// Append writes one WAL row and returns its sequence ID.
func (w *WAL) Append(transactionID string, op types.WALOperation, status types.WALStatus, payload string) (uint64, error) {
	var id uint64
	err := w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWAL)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		rec := types.WALRecord{
			WALID:         seq,
			TransactionID: transactionID,
			Operation:     op,
			Status:        status,
			Payload:       payload,
			CreatedAt:     time.Now().UTC(),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(walKey(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append WAL row: %w", err)
	}
	return id, nil
}

// MarkCommitted flips a pending row to committed.
func (w *WAL) MarkCommitted(id uint64) error {
	return w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWAL)
		data := b.Get(walKey(id))
		if data == nil {
			return fmt.Errorf("WAL row %d not found", id)
		}
		var rec types.WALRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.Status = types.WALCommitted
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(walKey(id), updated)
	})
}

// Pending returns every row still in pending state, oldest first. Scanned at
// startup to surface operations interrupted by a crash.
func (w *WAL) Pending() ([]types.WALRecord, error) {
	var out []types.WALRecord
	err := w.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWAL).ForEach(func(_, v []byte) error {
			var rec types.WALRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status == types.WALPending {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}

// PendingCount returns the number of pending rows.
func (w *WAL) PendingCount() (int, error) {
	rows, err := w.Pending()
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// MetaCache is the element's derived per-file metadata index, keyed by
// storage filename. It exists so capacity math never walks the filesystem.
type MetaCache struct {
	db *bolt.DB
}

func newMetaCache(db *bolt.DB) *MetaCache {
	return &MetaCache{db: db}
}

// Put stores or replaces one file's attributes.
func (c *MetaCache) Put(attrs *types.FileAttributes) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Put([]byte(attrs.StorageFilename), data)
	})
}

// Get returns one file's cached attributes, or nil when absent.
func (c *MetaCache) Get(storageFilename string) (*types.FileAttributes, error) {
	var attrs *types.FileAttributes
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(storageFilename))
		if data == nil {
			return nil
		}
		attrs = &types.FileAttributes{}
		return json.Unmarshal(data, attrs)
	})
	return attrs, err
}

// Delete removes one file's cache row.
func (c *MetaCache) Delete(storageFilename string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Delete([]byte(storageFilename))
	})
}

// Totals returns the summed size and count of all cached files.
func (c *MetaCache) Totals() (int64, int64, error) {
	var bytes, count int64
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var attrs types.FileAttributes
			if err := json.Unmarshal(v, &attrs); err != nil {
				return err
			}
			bytes += attrs.FileSize
			count++
			return nil
		})
	})
	return bytes, count, err
}

// Rebuild replaces the entire cache with the given attribute set in one
// transaction.
func (c *MetaCache) Rebuild(all []types.FileAttributes) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketFiles); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketFiles)
		if err != nil {
			return err
		}
		for i := range all {
			data, err := json.Marshal(&all[i])
			if err != nil {
				return err
			}
			if err := b.Put([]byte(all[i].StorageFilename), data); err != nil {
				return err
			}
		}
		return nil
	})
}
