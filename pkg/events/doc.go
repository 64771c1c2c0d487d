/*
Package events carries file lifecycle events from the admin service to the
query service over the shared registry's pub/sub channels.

Three channels exist: file:created, file:updated, file:deleted. The admin
service is the single publisher and publishes only after the state change
has committed, so per-file events arrive in commit order. Delivery is
at-least-once and payloads carry the full metadata snapshot, so subscribers
are idempotent and never need a follow-up fetch. A disconnected subscriber
reconnects with capped exponential backoff; anything missed while down is
recovered by the operator-triggered full rebuild from the admin's
authoritative table.
*/
package events
