/*
Package mode implements the storage element mode state machine.

Each element runs in exactly one of four modes (EDIT, RW, RO, AR) that
determine which file operations it accepts. Runtime transitions are limited
to RW->RO and RO->AR; EDIT and AR can only be left by changing the element's
configuration and restarting.
*/
package mode
