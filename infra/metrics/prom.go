package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/smartcharge/core/metrics"
)

// PromSink exposes allocation and command outcomes as Prometheus metrics.
type PromSink struct {
	allocations *prometheus.CounterVec
	headroom    *prometheus.GaugeVec
	capacity    *prometheus.GaugeVec
	commands    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	attempts    *prometheus.HistogramVec
	reachable   *prometheus.GaugeVec
}

// NewPromSink registers the sink metrics on the default registerer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on reg. A nil registerer defaults
// to the global one. Collectors already registered by an earlier sink are
// reused.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartcharge_allocations_total",
			Help: "Applied allocation cycles per group",
		}, []string{"group", "strategy"}),
		headroom: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smartcharge_headroom_kw",
			Help: "Group capacity left unallocated by the last cycle",
		}, []string{"group"}),
		capacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smartcharge_capacity_kw",
			Help: "Configured group capacity",
		}, []string{"group"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartcharge_commands_total",
			Help: "Power-limit commands by final status",
		}, []string{"station_id", "status", "reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartcharge_command_latency_seconds",
			Help:    "Time between first send and final answer",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartcharge_command_attempts",
			Help:    "Send attempts per command",
			Buckets: []float64{1, 2, 3, 5, 8},
		}, []string{"status"}),
		reachable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smartcharge_station_reachable",
			Help: "1 when the station answers commands",
		}, []string{"station_id"}),
	}
	var err error
	if s.allocations, err = register(reg, s.allocations); err != nil {
		return nil, err
	}
	if s.headroom, err = register(reg, s.headroom); err != nil {
		return nil, err
	}
	if s.capacity, err = register(reg, s.capacity); err != nil {
		return nil, err
	}
	if s.commands, err = register(reg, s.commands); err != nil {
		return nil, err
	}
	if s.latency, err = register(reg, s.latency); err != nil {
		return nil, err
	}
	if s.attempts, err = register(reg, s.attempts); err != nil {
		return nil, err
	}
	if s.reachable, err = register(reg, s.reachable); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordAllocation implements coremetrics.AllocationRecorder.
func (s *PromSink) RecordAllocation(ev coremetrics.AllocationEvent) error {
	s.allocations.WithLabelValues(ev.GroupKey, ev.Strategy).Inc()
	s.headroom.WithLabelValues(ev.GroupKey).Set(ev.CapacityKW - ev.TotalKW)
	s.capacity.WithLabelValues(ev.GroupKey).Set(ev.CapacityKW)
	return nil
}

// RecordCommand implements coremetrics.CommandRecorder.
func (s *PromSink) RecordCommand(ev coremetrics.CommandEvent) error {
	s.commands.WithLabelValues(ev.StationID, ev.Status, ev.Reason).Inc()
	if ev.Latency > 0 {
		s.latency.WithLabelValues(ev.Status).Observe(ev.Latency.Seconds())
	}
	if ev.Attempts > 0 {
		s.attempts.WithLabelValues(ev.Status).Observe(float64(ev.Attempts))
	}
	return nil
}

// RecordStation implements coremetrics.StationRecorder.
func (s *PromSink) RecordStation(ev coremetrics.StationEvent) error {
	v := 0.0
	if ev.Reachable {
		v = 1
	}
	s.reachable.WithLabelValues(ev.StationID).Set(v)
	return nil
}
