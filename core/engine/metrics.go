package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	cycleDuration    *prometheus.HistogramVec
	cyclesTotal      *prometheus.CounterVec
	staleCycles      prometheus.Counter
	capacityExceeded *prometheus.GaugeVec
	groupPower       *prometheus.GaugeVec
)

func newCollectors() (*prometheus.HistogramVec, *prometheus.CounterVec, prometheus.Counter, *prometheus.GaugeVec, *prometheus.GaugeVec) {
	dur := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartcharge_allocation_cycle_seconds",
			Help:    "Duration of one allocation cycle including dispatch submission",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"strategy"},
	)
	cycles := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartcharge_allocation_cycles_total",
			Help: "Allocation cycles by outcome",
		},
		[]string{"outcome"},
	)
	stale := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "smartcharge_allocation_stale_total",
			Help: "Cycles discarded because their inputs changed mid-computation",
		},
	)
	exceeded := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smartcharge_capacity_exceeded_connectors",
			Help: "Connectors flagged capacity-exceeded in the last cycle",
		},
		[]string{"group"},
	)
	power := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smartcharge_group_allocated_kw",
			Help: "Sum of target limits of a group after the last cycle",
		},
		[]string{"group"},
	)
	return dur, cycles, stale, exceeded, power
}

func init() {
	cycleDuration, cyclesTotal, staleCycles, capacityExceeded, groupPower = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers engine metrics on reg, or on the default
// registerer when reg is nil.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(cycleDuration, cyclesTotal, staleCycles, capacityExceeded, groupPower)
}

// ResetMetrics recreates the collectors for tests and registers them on reg
// when it is not nil.
func ResetMetrics(reg prometheus.Registerer) {
	cycleDuration, cyclesTotal, staleCycles, capacityExceeded, groupPower = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
