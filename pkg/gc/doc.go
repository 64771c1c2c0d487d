/*
Package gc reclaims storage in three passes.

The queue pass drains the deferred-deletion queue every scan interval.
Entries arrive from finalize commits (source copies, scheduled 24 hours
out so a botched finalize can still be inspected), from TTL expiry, and
from the orphan scan. A failed deletion reschedules with exponential
backoff in hours up to the retry limit, then parks unsuccessfully for an
operator.

The expiry pass soft-deletes temporary files past their TTL, publishes
file:deleted, and enqueues their bytes.

The orphan pass runs daily: it lists sidecars older than the orphan age on
every element and enqueues any without an authoritative file record,
catching uploads that stored bytes but died before registration.
*/
package gc
