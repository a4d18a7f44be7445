package events

import (
	"time"

	"github.com/kilianp07/smartcharge/core/model"
)

// Event is implemented by every type published on the engine bus.
type Event interface {
	Kind() string
}

// AllocationEvent is published after each applied allocation cycle.
type AllocationEvent struct {
	GroupKey string             `json:"group_key"`
	Targets  map[string]float64 `json:"targets"`
	TotalKW  float64            `json:"total_kw"`
	Exceeded []string           `json:"capacity_exceeded,omitempty"`
	Commands int                `json:"commands"`
	At       time.Time          `json:"at"`
}

func (AllocationEvent) Kind() string { return "allocation" }

// CommandEvent is published when a command reaches a reportable status.
type CommandEvent struct {
	Command model.PowerDistributionCommand `json:"command"`
	Status  model.CommandStatus            `json:"status"`
	Err     string                         `json:"error,omitempty"`
}

func (CommandEvent) Kind() string { return "command" }

// StationEvent reports a reachability change.
type StationEvent struct {
	StationID string    `json:"station_id"`
	Reachable bool      `json:"reachable"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

func (StationEvent) Kind() string { return "station" }

// NotificationEvent carries a power-control notification.
type NotificationEvent struct {
	Notification model.PowerControlNotification `json:"notification"`
}

func (NotificationEvent) Kind() string { return "notification" }
