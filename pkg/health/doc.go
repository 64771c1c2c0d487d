/*
Package health caches a readiness document refreshed by a background
poller.

The aggregator probes its dependencies every five seconds and stores the
result; /health/ready handlers read only the cached state, so probes stay
microsecond-cheap no matter how slow a dependency is. A failing critical
check (the database) turns readiness to fail; failing non-critical checks
(the event bus) only degrade it. Liveness is independent: a running
process is always live.
*/
package health
