package mqtt

import (
	"fmt"
	"strings"
	"time"

	"github.com/kilianp07/smartcharge/core/model"
)

// Default topics. %s is replaced by the station id.
const (
	DefaultCommandTopic      = "station/%s/power-limit"
	DefaultAckTopic          = "station/+/power-limit/ack"
	DefaultSessionTopic      = "station/+/session"
	DefaultMeterTopic        = "station/+/meter"
	DefaultNotificationTopic = "smartcharging/notifications"
)

// CommandMessage is the payload published to a station.
type CommandMessage struct {
	CommandID       string  `json:"command_id"`
	EventID         string  `json:"event_id"`
	StationID       string  `json:"station_id"`
	ConnectorID     *int    `json:"connector_id,omitempty"`
	PowerLimitKW    float64 `json:"power_limit_kw"`
	Clear           bool    `json:"clear,omitempty"`
	Temporary       bool    `json:"temporary"`
	DurationSeconds int     `json:"duration_seconds,omitempty"`
	Reason          string  `json:"reason"`
	Priority        int     `json:"priority"`
	TransactionID   string  `json:"transaction_id,omitempty"`
	Timestamp       int64   `json:"timestamp"`
}

// NewCommandMessage encodes cmd under commandID.
func NewCommandMessage(commandID string, cmd model.PowerDistributionCommand, at time.Time) CommandMessage {
	return CommandMessage{
		CommandID:       commandID,
		EventID:         cmd.EventID,
		StationID:       cmd.StationID,
		ConnectorID:     cmd.ConnectorID,
		PowerLimitKW:    cmd.PowerLimitKW,
		Clear:           cmd.Clear,
		Temporary:       cmd.Temporary,
		DurationSeconds: cmd.DurationSeconds,
		Reason:          cmd.Reason.String(),
		Priority:        cmd.Priority,
		TransactionID:   cmd.TransactionID,
		Timestamp:       at.UnixMilli(),
	}
}

// AckMessage is a station's answer to a command.
type AckMessage struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
}

// SessionMessage announces the start or end of a charging session.
type SessionMessage struct {
	Event         string  `json:"event"` // started or ended
	ConnectorID   int     `json:"connector_id"`
	RequestedKW   float64 `json:"requested_kw,omitempty"`
	TransactionID string  `json:"transaction_id,omitempty"`
}

// MeterMessage carries a live draw sample.
type MeterMessage struct {
	ConnectorID int     `json:"connector_id"`
	CurrentKW   float64 `json:"current_kw"`
}

// CommandTopic returns the command topic of a station.
func CommandTopic(pattern, stationID string) string {
	return fmt.Sprintf(pattern, stationID)
}

// StationFromTopic extracts the station id from topics shaped like
// station/{id}/... .
func StationFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "station" || parts[1] == "" {
		return "", fmt.Errorf("unexpected topic %q", topic)
	}
	return parts[1], nil
}
