/*
Package log provides structured logging for Strata built on zerolog.

All services initialize the global logger once at startup via Init and derive
child loggers with contextual fields (component, element_id, file_id,
transaction_id) using the With* helpers. Output is either human-readable
console format for development or JSON for production aggregation.
*/
package log
