package types

import "time"

// RetentionPolicy determines how long an uploaded file is kept.
type RetentionPolicy string

const (
	RetentionTemporary RetentionPolicy = "temporary"
	RetentionPermanent RetentionPolicy = "permanent"
)

// Mode is the lifecycle mode of a storage element. It governs which file
// operations the element accepts.
type Mode string

const (
	ModeEdit    Mode = "EDIT"
	ModeRW      Mode = "RW"
	ModeRO      Mode = "RO"
	ModeArchive Mode = "AR"
)

// StorageType identifies the backend a storage element persists to.
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
)

// ElementStatus represents the reachability of a storage element.
type ElementStatus string

const (
	ElementOnline   ElementStatus = "online"
	ElementDegraded ElementStatus = "degraded"
	ElementOffline  ElementStatus = "offline"
)

// HealthState classifies a storage element's polled health.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// File is the authoritative record for a stored file, owned by the admin
// service.
type File struct {
	ID               string          `json:"file_id"`
	OriginalFilename string          `json:"original_filename"`
	StorageFilename  string          `json:"storage_filename"`
	FileSize         int64           `json:"file_size"`
	ChecksumSHA256   string          `json:"checksum_sha256"`
	ContentType      string          `json:"content_type"`
	RetentionPolicy  RetentionPolicy `json:"retention_policy"`
	Tags             []string        `json:"tags,omitempty"`
	TTLExpiresAt     *time.Time      `json:"ttl_expires_at,omitempty"`
	FinalizedAt      *time.Time      `json:"finalized_at,omitempty"`
	StorageElementID string          `json:"storage_element_id"`
	StoragePath      string          `json:"storage_path"`
	UploadedBy       string          `json:"uploaded_by"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	DeletedAt        *time.Time      `json:"deleted_at,omitempty"`
}

// TransactionStatus is the state of a finalize transaction.
type TransactionStatus string

const (
	TxCopying    TransactionStatus = "copying"
	TxCopied     TransactionStatus = "copied"
	TxVerifying  TransactionStatus = "verifying"
	TxCompleted  TransactionStatus = "completed"
	TxFailed     TransactionStatus = "failed"
	TxRolledBack TransactionStatus = "rolled_back"
)

// Terminal reports whether the status can no longer change.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TxCompleted, TxFailed, TxRolledBack:
		return true
	}
	return false
}

// FinalizeTransaction tracks the two-phase promotion of a temporary file to a
// permanent one.
type FinalizeTransaction struct {
	ID             string            `json:"transaction_id"`
	FileID         string            `json:"file_id"`
	SourceElement  string            `json:"source_se"`
	TargetElement  string            `json:"target_se"`
	Status         TransactionStatus `json:"status"`
	ChecksumSource string            `json:"checksum_source,omitempty"`
	ChecksumTarget string            `json:"checksum_target,omitempty"`
	TargetPath     string            `json:"target_path,omitempty"`
	RetryCount     int               `json:"retry_count"`
	ErrorCode      string            `json:"error_code,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Progress maps the transaction status to a coarse completion percentage for
// status polling.
func (t *FinalizeTransaction) Progress() int {
	switch t.Status {
	case TxCopying:
		return 25
	case TxCopied:
		return 50
	case TxVerifying:
		return 75
	case TxCompleted:
		return 100
	default:
		return 0
	}
}

// StorageElement is the registration record of a single storage node.
type StorageElement struct {
	ID            string        `json:"element_id" yaml:"id"`
	Name          string        `json:"name" yaml:"name"`
	DisplayName   string        `json:"display_name" yaml:"display_name"`
	APIURL        string        `json:"api_url" yaml:"api_url"`
	Mode          Mode          `json:"mode" yaml:"mode"`
	StorageType   StorageType   `json:"storage_type" yaml:"storage_type"`
	Priority      int           `json:"priority" yaml:"priority"` // lower = preferred
	CapacityBytes int64         `json:"capacity_bytes" yaml:"capacity_bytes"`
	UsedBytes     int64         `json:"used_bytes" yaml:"used_bytes"`
	Status        ElementStatus `json:"status" yaml:"-"`
	LastSeen      time.Time     `json:"last_seen" yaml:"-"`
}

// CapacityRecord is the shared-registry entry describing an element's current
// usage and health, written by the capacity monitor leader.
type CapacityRecord struct {
	ElementID   string      `json:"element_id"`
	Total       int64       `json:"total"`
	Used        int64       `json:"used"`
	Available   int64       `json:"available"`
	PercentUsed float64     `json:"percent_used"`
	Health      HealthState `json:"health"`
	Mode        Mode        `json:"mode"`
	Priority    int         `json:"priority"`
	Endpoint    string      `json:"endpoint"`
	LastPoll    time.Time   `json:"last_poll"`
}

// CleanupReason explains why a file was enqueued for deletion.
type CleanupReason string

const (
	CleanupTTLExpired CleanupReason = "ttl_expired"
	CleanupFinalized  CleanupReason = "finalized"
	CleanupOrphaned   CleanupReason = "orphaned"
	CleanupManual     CleanupReason = "manual"
)

// CleanupEntry is a deferred-deletion request processed by the GC worker.
type CleanupEntry struct {
	ID               string        `json:"id"`
	FileID           string        `json:"file_id"`
	StorageElementID string        `json:"storage_element_id"`
	StorageFilename  string        `json:"storage_filename"`
	StoragePath      string        `json:"storage_path"`
	ScheduledAt      time.Time     `json:"scheduled_at"`
	Priority         int           `json:"priority"`
	Reason           CleanupReason `json:"reason"`
	ProcessedAt      *time.Time    `json:"processed_at,omitempty"`
	Success          bool          `json:"success"`
	RetryCount       int           `json:"retry_count"`
	ErrorMessage     string        `json:"error_message,omitempty"`
}

// AccountStatus is the lifecycle state of a service account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountSuspended AccountStatus = "SUSPENDED"
)

// ServiceAccount is a machine identity using the client-credentials grant.
type ServiceAccount struct {
	ClientID        string        `json:"client_id"`
	SecretHash      string        `json:"secret_hash"` // bcrypt
	Status          AccountStatus `json:"status"`
	Role            string        `json:"role"`
	SecretExpiresAt time.Time     `json:"secret_expires_at"`
	CreatedAt       time.Time     `json:"created_at"`
}

// AdminUser is a human operator account using the password grant.
type AdminUser struct {
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"` // bcrypt
	Role         string     `json:"role"`
	FailedLogins int        `json:"failed_logins"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// FileAttributes is the attribute sidecar written next to every data file on
// a storage element. The sidecar is the source of truth for per-file
// metadata; the element's metadata cache is derived from it.
type FileAttributes struct {
	FileID           string          `json:"file_id"`
	OriginalFilename string          `json:"original_filename"`
	StorageFilename  string          `json:"storage_filename"`
	StoragePath      string          `json:"storage_path"`
	FileSize         int64           `json:"file_size"`
	ChecksumSHA256   string          `json:"checksum_sha256"`
	ContentType      string          `json:"content_type"`
	RetentionPolicy  RetentionPolicy `json:"retention_policy"`
	Tags             []string        `json:"tags,omitempty"`
	TTLExpiresAt     *time.Time      `json:"ttl_expires_at,omitempty"`
	UploadedBy       string          `json:"uploaded_by"`
	CreatedAt        time.Time       `json:"created_at"`
}

// WALOperation identifies the intent recorded in a WAL row.
type WALOperation string

const (
	WALUpload WALOperation = "upload"
	WALCopy   WALOperation = "copy"
	WALDelete WALOperation = "delete"
)

// WALStatus is the commit state of a WAL row.
type WALStatus string

const (
	WALPending   WALStatus = "pending"
	WALCommitted WALStatus = "committed"
)

// WALRecord is one row of a storage element's append-only write-ahead log.
type WALRecord struct {
	WALID         uint64       `json:"wal_id"`
	TransactionID string       `json:"transaction_id"`
	Operation     WALOperation `json:"operation"`
	Status        WALStatus    `json:"status"`
	Payload       string       `json:"payload"`
	CreatedAt     time.Time    `json:"created_at"`
}

// ModeTransition records a storage element mode change.
type ModeTransition struct {
	ElementID string    `json:"element_id"`
	From      Mode      `json:"from"`
	To        Mode      `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditEntry is one row of the admin audit trail.
type AuditEntry struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ElementInfo is the unauthenticated discovery document served by each
// storage element at /api/v1/info. All fields are required.
type ElementInfo struct {
	Name          string        `json:"name"`
	DisplayName   string        `json:"display_name"`
	Version       string        `json:"version"`
	Mode          Mode          `json:"mode"`
	StorageType   StorageType   `json:"storage_type"`
	BasePath      string        `json:"base_path"`
	CapacityBytes int64         `json:"capacity_bytes"`
	UsedBytes     int64         `json:"used_bytes"`
	FileCount     int64         `json:"file_count"`
	Status        ElementStatus `json:"status"`
	Priority      int           `json:"priority"`
	ElementID     string        `json:"element_id"`
	PendingWAL    int           `json:"pending_wal"`
}

// CapacityInfo is the usage breakdown inside a capacity response.
type CapacityInfo struct {
	Total       int64   `json:"total"`
	Used        int64   `json:"used"`
	Available   int64   `json:"available"`
	PercentUsed float64 `json:"percent_used"`
}

// CapacityResponse is served by each storage element at /api/v1/capacity.
type CapacityResponse struct {
	StorageID  string       `json:"storage_id"`
	Mode       Mode         `json:"mode"`
	Capacity   CapacityInfo `json:"capacity"`
	Health     HealthState  `json:"health"`
	LastUpdate time.Time    `json:"last_update"`
	Backend    StorageType  `json:"backend"`
	Location   string       `json:"location"`
}
