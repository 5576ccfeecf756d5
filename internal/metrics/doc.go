// Package metrics aggregates proxy traffic counters.
//
// A [Collector] is updated with atomic operations by every connection
// handler and can be read at any time through [Collector.Snapshot] without
// blocking writers. [NewPrometheusCollector] exposes the same counters in
// Prometheus form for the debug listener.
package metrics
