/*
Package ingester implements the authenticated upload service.

An upload is a single multipart request. The stream is spooled to a
temporary file while a SHA-256 is computed (and gzip or brotli compression
applied when requested), so the client body is read exactly once even when
the first chosen storage element turns out to be full. Candidates come from
the selector; a 507 from one element invalidates its capacity record and
moves on to the next.

Storage filenames are derived from the original name plus uploader,
timestamp, and a unique suffix, capped at 200 characters. After the element
persists the bytes, the file is registered with the admin service, which
commits the authoritative record and publishes file:created.

The finalize endpoints forward to the coordinator running next to the
authoritative store and report coarse progress for polling clients.
*/
package ingester
