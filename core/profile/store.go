// Package profile holds time-windowed power limit rules and resolves the rule
// that applies to a station at a given instant.
package profile

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/smartcharge/core/model"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// Target identifies the station whose limit is resolved. GroupID is the
// station's group, empty for ungrouped stations.
type Target struct {
	StationID string
	GroupID   string
}

// Limit is the outcome of a successful resolution.
type Limit struct {
	ProfileID string
	MinKW     float64
	MaxKW     float64
	PriceTier model.PriceTier
	// StationScoped is false when the limit came from the group profile.
	StationScoped bool
}

// Store keeps validated profiles indexed by scope.
type Store struct {
	mu        sync.RWMutex
	byStation map[string][]model.PowerProfile
	byGroup   map[string][]model.PowerProfile
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{byStation: map[string][]model.PowerProfile{}, byGroup: map[string][]model.PowerProfile{}}
}

// Load validates and installs profiles, replacing the current set. When a
// profile is invalid or two profiles of the same scope overlap, a
// *model.ConfigurationError is returned and the current set stays in place.
func (s *Store) Load(profiles []model.PowerProfile) error {
	byStation := make(map[string][]model.PowerProfile)
	byGroup := make(map[string][]model.PowerProfile)
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		if p.StationID != "" {
			byStation[p.StationID] = append(byStation[p.StationID], p)
		} else {
			byGroup[p.GroupID] = append(byGroup[p.GroupID], p)
		}
	}
	for id, ps := range byStation {
		if err := checkOverlap("station "+id, ps); err != nil {
			return err
		}
		sortNewestFirst(ps)
	}
	for id, ps := range byGroup {
		if err := checkOverlap("group "+id, ps); err != nil {
			return err
		}
		sortNewestFirst(ps)
	}
	s.mu.Lock()
	s.byStation = byStation
	s.byGroup = byGroup
	s.mu.Unlock()
	return nil
}

// Profiles returns a copy of all installed profiles.
func (s *Store) Profiles() []model.PowerProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PowerProfile
	for _, ps := range s.byStation {
		out = append(out, ps...)
	}
	for _, ps := range s.byGroup {
		out = append(out, ps...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveLimit returns the most specific profile limit in force at t. A
// station profile wins over a group profile.
func (s *Store) ResolveLimit(target Target, at time.Time) (Limit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := firstMatch(s.byStation[target.StationID], at); ok {
		return limitOf(p, true), true
	}
	if target.GroupID == "" {
		return Limit{}, false
	}
	if p, ok := firstMatch(s.byGroup[target.GroupID], at); ok {
		return limitOf(p, false), true
	}
	return Limit{}, false
}

// ResolveGroup returns the group profile in force at t, ignoring any station
// profiles. Its MaxKW caps the group total.
func (s *Store) ResolveGroup(groupID string, at time.Time) (Limit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := firstMatch(s.byGroup[groupID], at); ok {
		return limitOf(p, false), true
	}
	return Limit{}, false
}

func limitOf(p model.PowerProfile, station bool) Limit {
	return Limit{ProfileID: p.ID, MinKW: p.MinPowerKW, MaxKW: p.MaxPowerKW, PriceTier: p.PriceTier, StationScoped: station}
}

// firstMatch expects ps sorted newest first, so a later-created profile wins.
func firstMatch(ps []model.PowerProfile, at time.Time) (model.PowerProfile, bool) {
	for _, p := range ps {
		if Applies(p, at) {
			return p, true
		}
	}
	return model.PowerProfile{}, false
}

// Applies reports whether p is in force at t. For a wrapping window the part
// after midnight belongs to the day following a listed day.
func Applies(p model.PowerProfile, t time.Time) bool {
	tod := model.ClockOf(t)
	wd := t.Weekday()
	if !p.Wraps() {
		return hasDay(p.Days, wd) && tod >= p.Start && tod < p.End
	}
	if tod >= p.Start && hasDay(p.Days, wd) {
		return true
	}
	return tod < p.End && hasDay(p.Days, (wd+6)%7)
}

func hasDay(days []time.Weekday, d time.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

func sortNewestFirst(ps []model.PowerProfile) {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.After(ps[j].CreatedAt)
		}
		return ps[i].ID > ps[j].ID
	})
}

type span struct{ from, to time.Duration }

// spans returns the weekly intervals covered by p, measured from Sunday 00:00.
func spans(p model.PowerProfile) []span {
	var out []span
	for _, d := range p.Days {
		base := time.Duration(d) * day
		start := base + time.Duration(p.Start)
		if !p.Wraps() {
			out = append(out, span{start, base + time.Duration(p.End)})
			continue
		}
		out = append(out, span{start, base + day})
		next := (base + day) % week
		out = append(out, span{next, next + time.Duration(p.End)})
	}
	return out
}

func checkOverlap(scope string, ps []model.PowerProfile) error {
	for i := 0; i < len(ps); i++ {
		a := spans(ps[i])
		for j := i + 1; j < len(ps); j++ {
			for _, x := range a {
				for _, y := range spans(ps[j]) {
					if x.from < y.to && y.from < x.to {
						return &model.ConfigurationError{
							Field:  "profile.window",
							Reason: fmt.Sprintf("%s: profiles %s and %s overlap", scope, ps[i].ID, ps[j].ID),
						}
					}
				}
			}
		}
	}
	return nil
}
