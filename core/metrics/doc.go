// Package metrics defines the sinks that receive allocation cycles and
// command outcomes. Backends live in infra/metrics and register themselves
// by name; NewMetricsSink combines several into a MultiSink.
package metrics
