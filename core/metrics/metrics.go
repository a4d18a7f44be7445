package metrics

import (
	"errors"
	"time"
)

// AllocationEvent summarises one allocation cycle of a group.
type AllocationEvent struct {
	GroupKey   string
	Strategy   string
	CapacityKW float64
	TotalKW    float64
	Connectors int
	Exceeded   int
	Commands   int
	Duration   time.Duration
	Time       time.Time
}

// CommandEvent is the final outcome of a power-limit command.
type CommandEvent struct {
	EventID     string
	StationID   string
	ConnectorID int
	PowerKW     float64
	Reason      string
	Status      string
	Attempts    int
	Clear       bool
	Latency     time.Duration
	Time        time.Time
}

// StationEvent records a reachability change.
type StationEvent struct {
	StationID string
	Reachable bool
	Time      time.Time
}

// AllocationRecorder records allocation cycles.
type AllocationRecorder interface {
	RecordAllocation(ev AllocationEvent) error
}

// CommandRecorder records command outcomes.
type CommandRecorder interface {
	RecordCommand(ev CommandEvent) error
}

// MetricsSink is implemented by every backend.
type MetricsSink interface {
	AllocationRecorder
	CommandRecorder
}

// StationRecorder is optionally implemented by sinks tracking reachability.
type StationRecorder interface {
	RecordStation(ev StationEvent) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) RecordAllocation(AllocationEvent) error { return nil }
func (NopSink) RecordCommand(CommandEvent) error       { return nil }
func (NopSink) RecordStation(StationEvent) error       { return nil }

// MultiSink forwards to several sinks and joins their errors.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink returns a sink writing to all of sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

func (m *MultiSink) RecordAllocation(ev AllocationEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if err := s.RecordAllocation(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordCommand(ev CommandEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if err := s.RecordCommand(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordStation(ev StationEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(StationRecorder); ok {
			if err := r.RecordStation(ev); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close closes the sinks that have a Close method.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.Sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
