/*
Package metrics provides the Prometheus instrumentation for Drover.

Counters and histograms are package-level collectors registered in
init(); components update them inline (queue acks, pool backpressure,
governance decisions, reconciler repairs, API requests). Gauges split
by ownership: components that see every mutation of the value they
report keep their own gauge warm (queue depth, worker liveness), while
store-derived gauges (runs by state, tenant count) are refreshed by the
Collector, a polling loop fed by narrow source interfaces so this
package depends on nothing it observes.

Handler exposes the /metrics endpoint.
*/
package metrics
