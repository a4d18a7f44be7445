package model

import "time"

// ConnectorDemand is the live state of one connector with an active session.
type ConnectorDemand struct {
	StationID     string
	ConnectorID   int
	TransactionID string
	RequestedKW   float64 // 0 means the vehicle did not announce a rate
	CurrentKW     float64 // last metered draw
	AllocatedKW   float64 // last acknowledged limit
	StartedAt     time.Time
}

// Scope returns the connector scope of the demand.
func (d ConnectorDemand) Scope() Scope { return ConnectorScope(d.StationID, d.ConnectorID) }
