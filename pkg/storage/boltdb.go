package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/types"
)

var (
	// Bucket names
	bucketFiles           = []byte("files")
	bucketTransactions    = []byte("transactions")
	bucketActiveTx        = []byte("active_tx") // file_id -> transaction_id, non-terminal only
	bucketCleanup         = []byte("cleanup")
	bucketElements        = []byte("elements")
	bucketServiceAccounts = []byte("service_accounts")
	bucketAdminUsers      = []byte("admin_users")
	bucketAudit           = []byte("audit")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "strata.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketFiles,
			bucketTransactions,
			bucketActiveTx,
			bucketCleanup,
			bucketElements,
			bucketServiceAccounts,
			bucketAdminUsers,
			bucketAudit,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// File operations

func (s *BoltStore) CreateFile(file *types.File) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data, err := json.Marshal(file)
		if err != nil {
			return err
		}
		return b.Put([]byte(file.ID), data)
	})
}

func (s *BoltStore) GetFile(id string) (*types.File, error) {
	var file types.File
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("file %s: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &file)
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (s *BoltStore) UpdateFile(file *types.File) error {
	file.UpdatedAt = time.Now().UTC()
	return s.CreateFile(file)
}

func (s *BoltStore) SoftDeleteFile(id string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("file %s: %w", id, errdefs.ErrNotFound)
		}
		var file types.File
		if err := json.Unmarshal(data, &file); err != nil {
			return err
		}
		file.DeletedAt = &at
		file.UpdatedAt = at
		out, err := json.Marshal(&file)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) ListFiles() ([]*types.File, error) {
	var files []*types.File
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		return b.ForEach(func(k, v []byte) error {
			var file types.File
			if err := json.Unmarshal(v, &file); err != nil {
				return err
			}
			files = append(files, &file)
			return nil
		})
	})
	return files, err
}

func (s *BoltStore) ListExpiredFiles(now time.Time) ([]*types.File, error) {
	files, err := s.ListFiles()
	if err != nil {
		return nil, err
	}
	var expired []*types.File
	for _, f := range files {
		if f.DeletedAt != nil {
			continue
		}
		if f.RetentionPolicy == types.RetentionTemporary &&
			f.TTLExpiresAt != nil && f.TTLExpiresAt.Before(now) {
			expired = append(expired, f)
		}
	}
	return expired, nil
}

// Finalize transaction operations

func (s *BoltStore) CreateTransaction(newTx *types.FinalizeTransaction) (*types.FinalizeTransaction, bool, error) {
	var result *types.FinalizeTransaction
	var created bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		active := tx.Bucket(bucketActiveTx)
		txs := tx.Bucket(bucketTransactions)

		// One non-terminal transaction per file.
		if existingID := active.Get([]byte(newTx.FileID)); existingID != nil {
			data := txs.Get(existingID)
			if data != nil {
				var existing types.FinalizeTransaction
				if err := json.Unmarshal(data, &existing); err != nil {
					return err
				}
				if !existing.Status.Terminal() {
					result = &existing
					created = false
					return nil
				}
			}
		}

		data, err := json.Marshal(newTx)
		if err != nil {
			return err
		}
		if err := txs.Put([]byte(newTx.ID), data); err != nil {
			return err
		}
		if err := active.Put([]byte(newTx.FileID), []byte(newTx.ID)); err != nil {
			return err
		}
		result = newTx
		created = true
		return nil
	})

	return result, created, err
}

func (s *BoltStore) GetTransaction(id string) (*types.FinalizeTransaction, error) {
	var ftx types.FinalizeTransaction
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("transaction %s: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &ftx)
	})
	if err != nil {
		return nil, err
	}
	return &ftx, nil
}

func (s *BoltStore) UpdateTransaction(ftx *types.FinalizeTransaction) error {
	ftx.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ftx)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTransactions).Put([]byte(ftx.ID), data); err != nil {
			return err
		}
		// Drop the active index entry once the transaction reaches a
		// terminal state so a new finalize can begin.
		if ftx.Status.Terminal() {
			active := tx.Bucket(bucketActiveTx)
			if cur := active.Get([]byte(ftx.FileID)); cur != nil && string(cur) == ftx.ID {
				return active.Delete([]byte(ftx.FileID))
			}
		}
		return nil
	})
}

func (s *BoltStore) ActiveTransactionForFile(fileID string) (*types.FinalizeTransaction, error) {
	var ftx *types.FinalizeTransaction
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketActiveTx).Get([]byte(fileID))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketTransactions).Get(id)
		if data == nil {
			return nil
		}
		var t types.FinalizeTransaction
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if !t.Status.Terminal() {
			ftx = &t
		}
		return nil
	})
	return ftx, err
}

// CompletedTransactionForFile returns the transaction that finalized the
// file, or nil if the file never completed a finalize. The active index
// only tracks non-terminal transactions, so this scans.
func (s *BoltStore) CompletedTransactionForFile(fileID string) (*types.FinalizeTransaction, error) {
	var ftx *types.FinalizeTransaction
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		return b.ForEach(func(k, v []byte) error {
			var t types.FinalizeTransaction
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.FileID == fileID && t.Status == types.TxCompleted {
				ftx = &t
			}
			return nil
		})
	})
	return ftx, err
}

func (s *BoltStore) StaleTransactions(olderThan time.Time) ([]*types.FinalizeTransaction, error) {
	var stale []*types.FinalizeTransaction
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		return b.ForEach(func(k, v []byte) error {
			var t types.FinalizeTransaction
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if !t.Status.Terminal() && t.UpdatedAt.Before(olderThan) {
				stale = append(stale, &t)
			}
			return nil
		})
	})
	return stale, err
}

// Cleanup queue operations

func (s *BoltStore) EnqueueCleanup(entry *types.CleanupEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCleanup)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.ID), data)
	})
}

func (s *BoltStore) DueCleanup(now time.Time) ([]*types.CleanupEntry, error) {
	var due []*types.CleanupEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCleanup)
		return b.ForEach(func(k, v []byte) error {
			var entry types.CleanupEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.ProcessedAt == nil && !entry.ScheduledAt.After(now) {
				due = append(due, &entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Priority DESC, then scheduled_at ASC.
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	return due, nil
}

func (s *BoltStore) UpdateCleanup(entry *types.CleanupEntry) error {
	return s.EnqueueCleanup(entry)
}

// Storage element registry

func (s *BoltStore) UpsertElement(el *types.StorageElement) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketElements)
		data, err := json.Marshal(el)
		if err != nil {
			return err
		}
		return b.Put([]byte(el.ID), data)
	})
}

func (s *BoltStore) GetElement(id string) (*types.StorageElement, error) {
	var el types.StorageElement
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketElements)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("storage element %s: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &el)
	})
	if err != nil {
		return nil, err
	}
	return &el, nil
}

func (s *BoltStore) ListElements() ([]*types.StorageElement, error) {
	var elements []*types.StorageElement
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketElements)
		return b.ForEach(func(k, v []byte) error {
			var el types.StorageElement
			if err := json.Unmarshal(v, &el); err != nil {
				return err
			}
			elements = append(elements, &el)
			return nil
		})
	})
	return elements, err
}

// Identity

func (s *BoltStore) PutServiceAccount(sa *types.ServiceAccount) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sa)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketServiceAccounts).Put([]byte(sa.ClientID), data)
	})
}

func (s *BoltStore) GetServiceAccount(clientID string) (*types.ServiceAccount, error) {
	var sa types.ServiceAccount
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServiceAccounts).Get([]byte(clientID))
		if data == nil {
			return fmt.Errorf("service account %s: %w", clientID, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &sa)
	})
	if err != nil {
		return nil, err
	}
	return &sa, nil
}

func (s *BoltStore) PutAdminUser(u *types.AdminUser) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAdminUsers).Put([]byte(u.Username), data)
	})
}

func (s *BoltStore) GetAdminUser(username string) (*types.AdminUser, error) {
	var u types.AdminUser
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAdminUsers).Get([]byte(username))
		if data == nil {
			return fmt.Errorf("admin user %s: %w", username, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Audit trail

func (s *BoltStore) AppendAudit(entry *types.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}
