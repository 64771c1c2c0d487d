/*
Package admin implements the control plane: OAuth token issuance backed by
rotating RSA keys, the authoritative file and storage element registries,
the finalize coordinator's HTTP surface, and the audit trail.

Every file lifecycle event in the platform originates here, published
strictly after the corresponding record commits, which is what lets the
query service treat the event stream as a faithful replica feed. The
public verification keys are served unauthenticated at /internal/keys so
the other services can bootstrap token validation before they hold any
credentials.
*/
package admin
