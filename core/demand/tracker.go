// Package demand records which connectors have an active session and how
// much power they request and draw. It reports ground truth only.
package demand

import (
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/smartcharge/core/model"
)

// Tracker holds live connector demand per station.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[model.Scope]model.ConnectorDemand
	versions map[string]uint64
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[model.Scope]model.ConnectorDemand),
		versions: make(map[string]uint64),
	}
}

// SessionStarted registers an active session on a connector. Starting a
// session on a connector that already has one replaces it.
func (t *Tracker) SessionStarted(stationID string, connectorID int, requestedKW float64, transactionID string, at time.Time) {
	if requestedKW < 0 {
		requestedKW = 0
	}
	scope := model.ConnectorScope(stationID, connectorID)
	t.mu.Lock()
	t.sessions[scope] = model.ConnectorDemand{
		StationID:     stationID,
		ConnectorID:   connectorID,
		TransactionID: transactionID,
		RequestedKW:   requestedKW,
		StartedAt:     at,
	}
	t.versions[stationID]++
	t.mu.Unlock()
}

// SessionEnded removes the session on a connector. It reports whether a
// session existed.
func (t *Tracker) SessionEnded(stationID string, connectorID int) bool {
	scope := model.ConnectorScope(stationID, connectorID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[scope]; !ok {
		return false
	}
	delete(t.sessions, scope)
	t.versions[stationID]++
	return true
}

// MeterValue records the metered draw. Readings for connectors without a
// session are ignored. The demand version is not bumped because allocation
// does not depend on metered draw.
func (t *Tracker) MeterValue(stationID string, connectorID int, currentKW float64) bool {
	scope := model.ConnectorScope(stationID, connectorID)
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.sessions[scope]
	if !ok {
		return false
	}
	d.CurrentKW = currentKW
	t.sessions[scope] = d
	return true
}

// UpdateRequested changes the requested rate of a running session.
func (t *Tracker) UpdateRequested(stationID string, connectorID int, requestedKW float64) bool {
	scope := model.ConnectorScope(stationID, connectorID)
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.sessions[scope]
	if !ok || d.RequestedKW == requestedKW {
		return false
	}
	d.RequestedKW = requestedKW
	t.sessions[scope] = d
	t.versions[stationID]++
	return true
}

// SetAllocated records an acknowledged limit for a connector.
func (t *Tracker) SetAllocated(scope model.Scope, kw float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.sessions[scope]
	if !ok {
		return
	}
	d.AllocatedKW = kw
	t.sessions[scope] = d
}

// ActiveDemand returns the connectors of a station with an active session,
// sorted by connector id.
func (t *Tracker) ActiveDemand(stationID string) []model.ConnectorDemand {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []model.ConnectorDemand
	for scope, d := range t.sessions {
		if scope.StationID == stationID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out
}

// Session returns the demand on one connector.
func (t *Tracker) Session(scope model.Scope) (model.ConnectorDemand, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.sessions[scope]
	return d, ok
}

// Version returns the demand mutation counter of a station.
func (t *Tracker) Version(stationID string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.versions[stationID]
}
