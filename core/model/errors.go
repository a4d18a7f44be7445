package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels allow errors.Is matching on the error taxonomy.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrInvalidOverride  = errors.New("invalid override")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrDispatchTimeout  = errors.New("dispatch timeout")
	ErrDispatchRejected = errors.New("dispatch rejected")
	ErrStaleState       = errors.New("stale state")

	ErrUnknownStation  = errors.New("unknown station")
	ErrUnknownGroup    = errors.New("unknown group")
	ErrStationDisabled = errors.New("station disabled")
)

// ConfigurationError reports an invalid or ambiguous profile, topology or
// command. It is raised at admission and never reaches allocation.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// InvalidOverrideError reports an override that cannot be registered.
type InvalidOverrideError struct {
	Reason string
}

func (e *InvalidOverrideError) Error() string { return "invalid override: " + e.Reason }

func (e *InvalidOverrideError) Is(target error) bool {
	return target == ErrInvalidOverride || target == ErrConfiguration
}

// CapacityExceededError flags a connector that could not receive its minimum.
type CapacityExceededError struct {
	Scope       Scope
	RequiredKW  float64
	AllocatedKW float64
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded for %s: required %.2f kW, allocated %.2f kW", e.Scope, e.RequiredKW, e.AllocatedKW)
}

func (e *CapacityExceededError) Is(target error) bool { return target == ErrCapacityExceeded }

// DispatchTimeoutError reports a command that was not acknowledged in time.
type DispatchTimeoutError struct {
	EventID  string
	Scope    Scope
	Attempts int
	Timeout  time.Duration
}

func (e *DispatchTimeoutError) Error() string {
	return fmt.Sprintf("command %s to %s not acknowledged after %d attempt(s) of %s", e.EventID, e.Scope, e.Attempts, e.Timeout)
}

func (e *DispatchTimeoutError) Is(target error) bool { return target == ErrDispatchTimeout }

// DispatchRejectedError reports an explicit refusal by the station.
type DispatchRejectedError struct {
	EventID string
	Scope   Scope
	Status  AckStatus
}

func (e *DispatchRejectedError) Error() string {
	return fmt.Sprintf("command %s to %s rejected: %s", e.EventID, e.Scope, e.Status)
}

func (e *DispatchRejectedError) Is(target error) bool { return target == ErrDispatchRejected }

// StaleStateError reports that the inputs of an allocation cycle changed
// while it was being computed.
type StaleStateError struct {
	GroupKey string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("allocation inputs for %s changed during computation", e.GroupKey)
}

func (e *StaleStateError) Is(target error) bool { return target == ErrStaleState }
