/*
Package metrics defines and registers the Prometheus metrics exposed by the
database core: transaction throughput and latency, view mapping and
invalidation backlog, dispatcher job outcomes, and pub/sub delivery counts.

Metrics are package-level vars registered in init() so that any package can
import metrics and observe without needing a handle to a central registry.
Handler exposes the default registry over HTTP for a scrape endpoint; Timer
is a small helper for recording operation latency into a histogram.
*/
package metrics
