package model

import (
	"fmt"
	"strings"
)

// LoadBalancingStrategy selects how a group shares its capacity.
type LoadBalancingStrategy int

const (
	EqualShare LoadBalancingStrategy = iota
	PriorityWeighted
	FirstComeFirstServed
)

// String returns the configuration name of the strategy.
func (s LoadBalancingStrategy) String() string {
	switch s {
	case EqualShare:
		return "EQUAL_SHARE"
	case PriorityWeighted:
		return "PRIORITY_WEIGHTED"
	case FirstComeFirstServed:
		return "FIRST_COME_FIRST_SERVED"
	default:
		return "unknown"
	}
}

// ParseStrategy converts a configuration name into a strategy.
func ParseStrategy(s string) (LoadBalancingStrategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "EQUAL_SHARE":
		return EqualShare, nil
	case "PRIORITY_WEIGHTED":
		return PriorityWeighted, nil
	case "FIRST_COME_FIRST_SERVED", "FCFS":
		return FirstComeFirstServed, nil
	default:
		return EqualShare, fmt.Errorf("unknown load balancing strategy %q", s)
	}
}

// ChargingGroup is a set of stations sharing one power budget.
type ChargingGroup struct {
	ID             string
	Name           string
	MaxPowerKW     float64 // hard capacity of the shared feed
	CurrentPowerKW float64 // sum of member allocations after the last cycle
	Active         bool
	Strategy       LoadBalancingStrategy
}

// ChargingStation is a single charge point. GroupID is empty for ungrouped
// stations, which are bounded only by their own MaxPowerKW.
type ChargingStation struct {
	ID                   string
	Name                 string
	GroupID              string
	MaxPowerKW           float64
	CurrentPowerKW       float64
	PriorityLevel        int // higher wins
	Enabled              bool
	SmartChargingEnabled bool
	// Reachable is cleared when the dispatcher exhausts its retry budget.
	Reachable bool
}

// Grouped reports whether the station belongs to a charging group.
func (s ChargingStation) Grouped() bool { return s.GroupID != "" }

// Allocatable reports whether the station takes part in allocation cycles.
func (s ChargingStation) Allocatable() bool {
	return s.Enabled && s.SmartChargingEnabled && s.Reachable
}

// Validate checks static capacity settings.
func (g ChargingGroup) Validate() error {
	if g.ID == "" {
		return &ConfigurationError{Field: "group.id", Reason: "must not be empty"}
	}
	if g.MaxPowerKW <= 0 {
		return &ConfigurationError{Field: "group.max_power_kw", Reason: fmt.Sprintf("group %s: must be positive", g.ID)}
	}
	return nil
}

// Validate checks static capacity settings.
func (s ChargingStation) Validate() error {
	if s.ID == "" {
		return &ConfigurationError{Field: "station.id", Reason: "must not be empty"}
	}
	if s.MaxPowerKW <= 0 {
		return &ConfigurationError{Field: "station.max_power_kw", Reason: fmt.Sprintf("station %s: must be positive", s.ID)}
	}
	return nil
}
