package simulator

import (
	"math"
	"sync"

	"github.com/kilianp07/smartcharge/core/model"
)

type session struct {
	requestedKW   float64
	transactionID string
}

// Station is the simulated state of one charge point: accepted limits and
// running sessions.
type Station struct {
	ID string

	mu       sync.Mutex
	limits   map[int]float64
	sessions map[int]session
	received int
}

func newStation(id string) *Station {
	return &Station{ID: id, limits: map[int]float64{}, sessions: map[int]session{}}
}

// ApplyLimit records an accepted limit. A nil connector targets the station.
func (s *Station) ApplyLimit(connector *int, kw float64, clear bool) {
	key := model.StationWide
	if connector != nil {
		key = *connector
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if clear {
		delete(s.limits, key)
		return
	}
	s.limits[key] = kw
}

// Limit returns the limit in force on a connector and whether there is one.
func (s *Station) Limit(connector int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kw, ok := s.limits[connector]
	return kw, ok
}

// Draw is what the connector consumes: its request capped by any connector
// and station-wide limit.
func (s *Station) Draw(connector int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[connector]
	if !ok {
		return 0
	}
	draw := sess.requestedKW
	if kw, ok := s.limits[connector]; ok {
		draw = math.Min(draw, kw)
	}
	if kw, ok := s.limits[model.StationWide]; ok {
		draw = math.Min(draw, kw)
	}
	return draw
}

// Received counts the commands the station has seen, answered or not.
func (s *Station) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *Station) connectors() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.sessions))
	for c := range s.sessions {
		out = append(out, c)
	}
	return out
}
