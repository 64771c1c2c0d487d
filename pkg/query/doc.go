/*
Package query implements the search and download service.

Its searchable index is a bolt cache of file records fed by the admin's
lifecycle events. Event application is idempotent and rejects out-of-order
replays, so the cache converges regardless of delivery duplicates; events
lost during subscriber downtime are recovered by an operator-triggered
rebuild from the authoritative store.

Downloads resolve the file record through three levels (in-process LRU,
shared registry, local cache) before falling back to the admin, then stream
the bytes straight from the file's storage element. Range headers are
validated against the known size and passed through, so partial and
multipart responses come off the element itself. ETags derive from storage
path, size, and modification time.
*/
package query
