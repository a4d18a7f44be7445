package model

import (
	"fmt"
	"sort"
)

// StationWide is the connector id used for limits that apply to a whole station.
const StationWide = 0

// Scope addresses either a whole station or one of its connectors.
type Scope struct {
	StationID   string `json:"station_id"`
	ConnectorID int    `json:"connector_id,omitempty"`
}

// StationScope returns the whole-station scope for id.
func StationScope(id string) Scope { return Scope{StationID: id} }

// ConnectorScope returns the scope of a single connector.
func ConnectorScope(stationID string, connectorID int) Scope {
	return Scope{StationID: stationID, ConnectorID: connectorID}
}

// IsStationWide reports whether the scope covers all connectors.
func (s Scope) IsStationWide() bool { return s.ConnectorID == StationWide }

// Connector returns the connector id as a pointer, nil for station-wide scopes.
func (s Scope) Connector() *int {
	if s.IsStationWide() {
		return nil
	}
	c := s.ConnectorID
	return &c
}

func (s Scope) String() string {
	if s.IsStationWide() {
		return s.StationID
	}
	return fmt.Sprintf("%s/%d", s.StationID, s.ConnectorID)
}

// Less orders scopes by station then connector id.
func (s Scope) Less(o Scope) bool {
	if s.StationID != o.StationID {
		return s.StationID < o.StationID
	}
	return s.ConnectorID < o.ConnectorID
}

// SortScopes sorts scopes in place and returns them.
func SortScopes(scopes []Scope) []Scope {
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Less(scopes[j]) })
	return scopes
}
