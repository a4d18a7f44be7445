package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ackLatency       *prometheus.HistogramVec
	commandsTotal    *prometheus.CounterVec
	retriesTotal     prometheus.Counter
	sendFailures     prometheus.Counter
	unreachableGauge prometheus.Gauge
	queueDepth       *prometheus.GaugeVec
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.HistogramVec, *prometheus.CounterVec, prometheus.Counter, prometheus.Counter, prometheus.Gauge, *prometheus.GaugeVec) {
	lat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartcharge_command_ack_latency_seconds",
			Help:    "Latency of power-limit commands from publish to acknowledgement",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"reason"},
	)
	cmds := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartcharge_commands_total",
			Help: "Power-limit commands by final status",
		},
		[]string{"status"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "smartcharge_command_retries_total",
			Help: "Number of command retries after a timeout or transport failure",
		},
	)
	fail := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "smartcharge_transport_send_failures_total",
			Help: "Number of failed publish operations",
		},
	)
	unreachable := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartcharge_stations_unreachable",
			Help: "Stations currently flagged unreachable",
		},
	)
	depth := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smartcharge_station_queue_depth",
			Help: "Queued commands per station, excluding the one in flight",
		},
		[]string{"station_id"},
	)
	return lat, cmds, retries, fail, unreachable, depth
}

func init() {
	ackLatency, commandsTotal, retriesTotal, sendFailures, unreachableGauge, queueDepth = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(ackLatency, commandsTotal, retriesTotal, sendFailures, unreachableGauge, queueDepth)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	ackLatency, commandsTotal, retriesTotal, sendFailures, unreachableGauge, queueDepth = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
