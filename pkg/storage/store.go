package storage

import (
	"time"

	"github.com/cuemby/strata/pkg/types"
)

// Store defines the interface for the admin service's authoritative state.
type Store interface {
	// File operations
	CreateFile(file *types.File) error
	GetFile(id string) (*types.File, error)
	UpdateFile(file *types.File) error
	SoftDeleteFile(id string, at time.Time) error
	ListFiles() ([]*types.File, error)
	ListExpiredFiles(now time.Time) ([]*types.File, error)

	// Finalize transaction operations. CreateTransaction enforces at most
	// one non-terminal transaction per file: if one exists it is returned
	// with created=false and no new row is written.
	CreateTransaction(tx *types.FinalizeTransaction) (*types.FinalizeTransaction, bool, error)
	GetTransaction(id string) (*types.FinalizeTransaction, error)
	UpdateTransaction(tx *types.FinalizeTransaction) error
	ActiveTransactionForFile(fileID string) (*types.FinalizeTransaction, error)
	CompletedTransactionForFile(fileID string) (*types.FinalizeTransaction, error)
	StaleTransactions(olderThan time.Time) ([]*types.FinalizeTransaction, error)

	// Cleanup queue operations
	EnqueueCleanup(entry *types.CleanupEntry) error
	DueCleanup(now time.Time) ([]*types.CleanupEntry, error)
	UpdateCleanup(entry *types.CleanupEntry) error

	// Storage element registry
	UpsertElement(el *types.StorageElement) error
	GetElement(id string) (*types.StorageElement, error)
	ListElements() ([]*types.StorageElement, error)

	// Identity
	PutServiceAccount(sa *types.ServiceAccount) error
	GetServiceAccount(clientID string) (*types.ServiceAccount, error)
	PutAdminUser(u *types.AdminUser) error
	GetAdminUser(username string) (*types.AdminUser, error)

	// Audit trail (append-only)
	AppendAudit(entry *types.AuditEntry) error

	Close() error
}
