/*
Package element implements a storage element node: the process that owns a
slice of disk and serves the internal file APIs the rest of the platform is
built on.

Layout on disk:

	<root>/
	  2026/08/24/13/
	    report_alice_1756040000_3f2a.pdf           data file
	    report_alice_1756040000_3f2a.pdf.attr.json sidecar
	<data>/
	  element.db                                   WAL + metadata cache

Every data file is written tmp-then-rename and gets an attribute sidecar
next to it. The sidecar is authoritative; the bolt-backed metadata cache is
a derived index that Reconcile can rebuild from sidecars at any time, so
losing element.db never loses metadata.

Writes append to a write-ahead log in the same bolt database. Rows are
committed once the sidecar is on disk; rows still pending at startup mark
operations interrupted mid-flight and are surfaced by RecoverWAL.

What the element will do is governed by its mode machine (EDIT, RW, RO,
AR). Each handler checks the required operation against the current mode
before touching disk, so a read-only element rejects writes at the HTTP
boundary rather than deep in the store.

The Agent self-registers with the admin service and heartbeats so the
capacity monitor and selector learn about the element without manual
configuration.
*/
package element
