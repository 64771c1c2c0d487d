/*
Package selector chooses the storage element an upload lands on.

Selection reads the capacity registry's per-mode sorted index, which orders
healthy elements by priority and available space. An upload of size S needs
S times the safety margin free, so elements keep headroom even under
concurrent writes racing against slightly stale capacity records. When an
element still rejects a write with insufficient space, the caller
invalidates its record and moves to the next candidate.

Two fallbacks keep uploads working through partial outages: the admin's
element registrations with live capacity probes when redis is down, and the
statically configured element list when the admin is down too.
*/
package selector
