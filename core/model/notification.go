package model

import "time"

// NotificationType classifies power-control notifications.
type NotificationType int

const (
	LimitSet NotificationType = iota
	LimitCleared
	LimitExpired
	LimitFailed
)

func (t NotificationType) String() string {
	switch t {
	case LimitSet:
		return "LIMIT_SET"
	case LimitCleared:
		return "LIMIT_CLEARED"
	case LimitExpired:
		return "LIMIT_EXPIRED"
	case LimitFailed:
		return "LIMIT_FAILED"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t NotificationType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// PowerControlNotification is sent best-effort to the operational dashboard.
type PowerControlNotification struct {
	Type         NotificationType `json:"type"`
	StationID    string           `json:"station_id"`
	StationName  string           `json:"station_name,omitempty"`
	ConnectorID  *int             `json:"connector_id,omitempty"`
	PowerLimitKW float64          `json:"power_limit_kw"`
	Temporary    bool             `json:"temporary"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
	Reason       AdjustmentReason `json:"reason"`
	Success      bool             `json:"success"`
	Error        string           `json:"error,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// NotificationFor builds a notification describing cmd.
func NotificationFor(t NotificationType, cmd PowerDistributionCommand, success bool, at time.Time) PowerControlNotification {
	n := PowerControlNotification{
		Type:         t,
		StationID:    cmd.StationID,
		ConnectorID:  cmd.ConnectorID,
		PowerLimitKW: cmd.PowerLimitKW,
		Temporary:    cmd.Temporary,
		Reason:       cmd.Reason,
		Success:      success,
		Timestamp:    at,
	}
	if cmd.Temporary {
		exp := cmd.ExpiresAt(at)
		n.ExpiresAt = &exp
	}
	return n
}
