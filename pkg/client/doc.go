/*
Package client provides typed HTTP clients for Strata's internal APIs.

ElementClient talks to storage elements (capacity, store, fetch, copy,
GC delete, sidecar listing, mode transitions) through a per-host circuit
breaker; an open breaker surfaces as the circuit_open domain error.
AdminClient talks to the admin service's internal registry. TokenSource
keeps a cached service-account token fresh for both.

Non-streaming calls carry a 10 second per-hop timeout; streaming calls
take their deadline from the request context.
*/
package client
