package model

import (
	"math"
	"time"
)

// AdjustmentReason explains why a power limit was issued.
type AdjustmentReason int

const (
	ReasonLoadBalancing AdjustmentReason = iota
	ReasonGridConstraint
	ReasonUserRequest
	ReasonScheduledProfile
	ReasonDynamicPricing
	ReasonEmergencyReduction
	ReasonSystemMaintenance
	ReasonOptimization
)

var reasonNames = [...]string{
	"LOAD_BALANCING",
	"GRID_CONSTRAINT",
	"USER_REQUEST",
	"SCHEDULED_PROFILE",
	"DYNAMIC_PRICING",
	"EMERGENCY_REDUCTION",
	"SYSTEM_MAINTENANCE",
	"OPTIMIZATION",
}

func (r AdjustmentReason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return "unknown"
	}
	return reasonNames[r]
}

// ParseReason converts a reason name into an AdjustmentReason.
func ParseReason(s string) (AdjustmentReason, bool) {
	for i, n := range reasonNames {
		if n == s {
			return AdjustmentReason(i), true
		}
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler.
func (r AdjustmentReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *AdjustmentReason) UnmarshalText(b []byte) error {
	v, ok := ParseReason(string(b))
	if !ok {
		return &ConfigurationError{Field: "reason", Reason: "unknown reason " + string(b)}
	}
	*r = v
	return nil
}

// CommandStatus is the lifecycle state of a PowerDistributionCommand.
type CommandStatus int

const (
	StatusQueued CommandStatus = iota
	StatusPendingAck
	StatusAcknowledged
	StatusTimedOut
	StatusRejected
	StatusSuperseded
	StatusExpired
	StatusCancelled
)

func (s CommandStatus) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusPendingAck:
		return "PENDING_ACK"
	case StatusAcknowledged:
		return "ACKNOWLEDGED"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusRejected:
		return "REJECTED"
	case StatusSuperseded:
		return "SUPERSEDED"
	case StatusExpired:
		return "EXPIRED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s CommandStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusSuperseded, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (s CommandStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *CommandStatus) UnmarshalText(b []byte) error {
	for c := StatusQueued; c <= StatusCancelled; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return &ConfigurationError{Field: "status", Reason: "unknown command status " + string(b)}
}

// AckStatus is the station's answer to a power-limit command.
type AckStatus int

const (
	AckAccepted AckStatus = iota
	AckRejected
	AckNotSupported
)

func (a AckStatus) String() string {
	switch a {
	case AckAccepted:
		return "Accepted"
	case AckRejected:
		return "Rejected"
	case AckNotSupported:
		return "NotSupported"
	default:
		return "unknown"
	}
}

// ParseAckStatus converts a transport status string.
func ParseAckStatus(s string) (AckStatus, bool) {
	switch s {
	case "Accepted", "ACCEPTED", "accepted":
		return AckAccepted, true
	case "Rejected", "REJECTED", "rejected":
		return AckRejected, true
	case "NotSupported", "NOT_SUPPORTED", "not_supported":
		return AckNotSupported, true
	}
	return 0, false
}

// PowerDistributionCommand is one outbound power-limit change.
type PowerDistributionCommand struct {
	EventID         string           `json:"event_id"`
	StationID       string           `json:"station_id"`
	ConnectorID     *int             `json:"connector_id,omitempty"`
	PowerLimitKW    float64          `json:"power_limit_kw"`
	Clear           bool             `json:"clear,omitempty"`
	Temporary       bool             `json:"temporary"`
	DurationSeconds int              `json:"duration_seconds,omitempty"`
	Reason          AdjustmentReason `json:"reason"`
	Priority        int              `json:"priority"`
	TransactionID   string           `json:"transaction_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`

	Status   CommandStatus `json:"status"`
	Attempts int           `json:"attempts"`
}

// Scope returns the scope the command targets.
func (c PowerDistributionCommand) Scope() Scope {
	if c.ConnectorID == nil {
		return StationScope(c.StationID)
	}
	return ConnectorScope(c.StationID, *c.ConnectorID)
}

// Validate checks invariants that must hold before dispatch.
func (c PowerDistributionCommand) Validate() error {
	if c.StationID == "" {
		return &ConfigurationError{Field: "command.station_id", Reason: "must not be empty"}
	}
	if c.PowerLimitKW < 0 || math.IsNaN(c.PowerLimitKW) {
		return &ConfigurationError{Field: "command.power_limit_kw", Reason: "must be a non-negative number"}
	}
	if c.Temporary && c.DurationSeconds <= 0 {
		return &ConfigurationError{Field: "command.duration_seconds", Reason: "required for temporary limits"}
	}
	return nil
}

// ExpiresAt returns the expiry of a temporary command measured from ackAt.
func (c PowerDistributionCommand) ExpiresAt(ackAt time.Time) time.Time {
	if !c.Temporary {
		return time.Time{}
	}
	return ackAt.Add(time.Duration(c.DurationSeconds) * time.Second)
}
