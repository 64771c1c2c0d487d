/*
Package metrics defines Strata's Prometheus collectors.

Every service role exposes /metrics. Collectors cover the upload and
finalize paths, capacity polling and leadership, selector fallbacks, the
query cache levels, GC outcomes, and token grants.
*/
package metrics
