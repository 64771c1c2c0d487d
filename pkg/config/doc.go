/*
Package config loads Strata's YAML configuration.

One file carries sections for every service role (admin, ingester, element,
query) plus the cross-cutting selector, GC, and lockout tunables. Defaults
are applied after unmarshal so a partial file is always valid; CLI flags
override listen addresses and data directories on top.
*/
package config
