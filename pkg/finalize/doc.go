/*
Package finalize promotes temporary files to permanent storage with a
two-phase protocol.

	copying -> copied -> verifying -> completed
	                 \-> failed -> rolled_back

Phase one streams the file from its EDIT element to an RW element chosen by
the selector; the target computes a SHA-256 while persisting. Phase two
compares that checksum, plus the source sidecar's checksum, against the
authoritative record. Only when all three agree does the commit rewrite the
file row, and only after the commit does file:updated go out.

Transient copy and lookup failures retry up to three times with exponential
backoff starting at one second. A checksum mismatch never retries: the
bytes are wrong, so the partial target copy is deleted and the transaction
rolled back, leaving the file record untouched for a client retry.

At most one non-terminal transaction exists per file; a duplicate begin
returns the existing transaction. The Sweeper fails anything stuck past the
300 second phase timeout so transactions cannot dangle after a crash.
*/
package finalize
