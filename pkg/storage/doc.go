/*
Package storage provides BoltDB-backed state persistence for the admin
service's authoritative data.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for the file registry,
finalize transactions, the cleanup queue, the storage element registry,
identity records, and the append-only audit trail. All data is serialized as
JSON and stored in separate buckets.

# Bucket layout

	files             file_id          -> File
	transactions      transaction_id   -> FinalizeTransaction
	active_tx         file_id          -> transaction_id (non-terminal only)
	cleanup           entry_id         -> CleanupEntry
	elements          element_id       -> StorageElement
	service_accounts  client_id        -> ServiceAccount
	admin_users       username         -> AdminUser
	audit             sequence (u64be) -> AuditEntry

The active_tx bucket is the equivalent of a partial unique index: it holds
at most one entry per file, and UpdateTransaction removes the entry as soon
as a transaction reaches a terminal state. CreateTransaction consults it
inside the same write transaction, which makes "at most one non-terminal
finalize per file" an invariant of the store rather than of its callers.
*/
package storage
