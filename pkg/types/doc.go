/*
Package types defines the shared domain model for the Strata distributed file
storage platform.

The types here are pure data declarations used across service boundaries:
the authoritative File record owned by the admin service, finalize
transactions, storage element registrations and capacity records, the
deferred-deletion cleanup queue, identity records for both machine and human
principals, and the on-disk sidecar/WAL row shapes owned by storage elements.

Keeping the model in a leaf package with no dependencies lets every service
(admin, ingester, storage element, query) share one vocabulary without import
cycles.
*/
package types
