// Package topology tracks charging groups and stations with their static
// capacities and flags. It contains no allocation logic.
package topology

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/kilianp07/smartcharge/core/model"
)

const stationKeyPrefix = "station:"

// GroupKey returns the allocation unit a station belongs to: its group id, or
// a synthetic key for ungrouped stations.
func GroupKey(s model.ChargingStation) string {
	if s.Grouped() {
		return s.GroupID
	}
	return stationKeyPrefix + s.ID
}

// UngroupedStation returns the station id behind a synthetic group key.
func UngroupedStation(key string) (string, bool) {
	if strings.HasPrefix(key, stationKeyPrefix) {
		return strings.TrimPrefix(key, stationKeyPrefix), true
	}
	return "", false
}

// Snapshot is the complete configuration delivered by a Source.
type Snapshot struct {
	Groups   []model.ChargingGroup
	Stations []model.ChargingStation
	Profiles []model.PowerProfile
}

// Source loads topology and profiles from the configuration collaborator.
type Source interface {
	Load(ctx context.Context) (Snapshot, error)
}

// GroupView is an immutable copy of one allocation unit.
type GroupView struct {
	Key      string
	Group    model.ChargingGroup
	Stations []model.ChargingStation
	Version  uint64
}

// Registry is a read-mostly store of groups and stations. Every mutation
// bumps the version of the affected allocation unit so that cached or
// in-progress allocations can detect they are stale.
type Registry struct {
	mu       sync.RWMutex
	groups   map[string]model.ChargingGroup
	stations map[string]model.ChargingStation
	versions map[string]uint64
	onChange func(key string)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		groups:   make(map[string]model.ChargingGroup),
		stations: make(map[string]model.ChargingStation),
		versions: make(map[string]uint64),
	}
}

// OnChange registers a callback invoked after each mutation with the
// affected group key. It is called without the registry lock held.
func (r *Registry) OnChange(fn func(key string)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Replace installs a full topology. Reachability of known stations is kept;
// new stations start reachable.
func (r *Registry) Replace(groups []model.ChargingGroup, stations []model.ChargingStation) error {
	gs := make(map[string]model.ChargingGroup, len(groups))
	for _, g := range groups {
		if err := g.Validate(); err != nil {
			return err
		}
		gs[g.ID] = g
	}
	ss := make(map[string]model.ChargingStation, len(stations))
	for _, s := range stations {
		if err := s.Validate(); err != nil {
			return err
		}
		if s.Grouped() {
			if _, ok := gs[s.GroupID]; !ok {
				return &model.ConfigurationError{Field: "station.group_id", Reason: "station " + s.ID + " references unknown group " + s.GroupID}
			}
		}
		ss[s.ID] = s
	}

	r.mu.Lock()
	touched := make(map[string]bool)
	for _, s := range r.stations {
		touched[GroupKey(s)] = true
	}
	for id, s := range ss {
		s.Reachable = true
		if old, ok := r.stations[id]; ok {
			s.Reachable = old.Reachable
		}
		ss[id] = s
		touched[GroupKey(s)] = true
	}
	for id := range gs {
		touched[id] = true
	}
	for id := range r.groups {
		touched[id] = true
	}
	r.groups = gs
	r.stations = ss
	keys := r.bumpLocked(touched)
	fn := r.onChange
	r.mu.Unlock()
	notify(fn, keys)
	return nil
}

// UpsertStation adds or updates a station.
func (r *Registry) UpsertStation(s model.ChargingStation) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	if s.Grouped() {
		if _, ok := r.groups[s.GroupID]; !ok {
			r.mu.Unlock()
			return model.ErrUnknownGroup
		}
	}
	touched := map[string]bool{GroupKey(s): true}
	s.Reachable = true
	if old, ok := r.stations[s.ID]; ok {
		touched[GroupKey(old)] = true
		s.Reachable = old.Reachable
	}
	r.stations[s.ID] = s
	keys := r.bumpLocked(touched)
	fn := r.onChange
	r.mu.Unlock()
	notify(fn, keys)
	return nil
}

// RemoveStation deletes a station.
func (r *Registry) RemoveStation(id string) error {
	return r.mutate(id, func(s *model.ChargingStation) bool { return true }, true)
}

// SetEnabled toggles the station's enabled flag.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	return r.mutate(id, func(s *model.ChargingStation) bool {
		changed := s.Enabled != enabled
		s.Enabled = enabled
		return changed
	}, false)
}

// SetSmartCharging toggles whether the station takes part in allocation.
func (r *Registry) SetSmartCharging(id string, enabled bool) error {
	return r.mutate(id, func(s *model.ChargingStation) bool {
		changed := s.SmartChargingEnabled != enabled
		s.SmartChargingEnabled = enabled
		return changed
	}, false)
}

// SetReachable records the dispatcher's view of the station.
func (r *Registry) SetReachable(id string, reachable bool) error {
	return r.mutate(id, func(s *model.ChargingStation) bool {
		changed := s.Reachable != reachable
		s.Reachable = reachable
		return changed
	}, false)
}

// RecordPower stores derived current power after an allocation cycle. It
// does not bump versions because it is an output, not an input.
func (r *Registry) RecordPower(key string, groupKW float64, stationKW map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[key]; ok {
		g.CurrentPowerKW = groupKW
		r.groups[key] = g
	}
	for id, kw := range stationKW {
		if s, ok := r.stations[id]; ok {
			s.CurrentPowerKW = kw
			r.stations[id] = s
		}
	}
}

func (r *Registry) mutate(id string, fn func(*model.ChargingStation) bool, remove bool) error {
	r.mu.Lock()
	s, ok := r.stations[id]
	if !ok {
		r.mu.Unlock()
		return model.ErrUnknownStation
	}
	if remove {
		delete(r.stations, id)
	} else if !fn(&s) {
		r.mu.Unlock()
		return nil
	} else {
		r.stations[id] = s
	}
	keys := r.bumpLocked(map[string]bool{GroupKey(s): true})
	cb := r.onChange
	r.mu.Unlock()
	notify(cb, keys)
	return nil
}

func (r *Registry) bumpLocked(touched map[string]bool) []string {
	keys := make([]string, 0, len(touched))
	for k := range touched {
		r.versions[k]++
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func notify(fn func(string), keys []string) {
	if fn == nil {
		return
	}
	for _, k := range keys {
		fn(k)
	}
}

// Group returns a group by id.
func (r *Registry) Group(id string) (model.ChargingGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	return g, ok
}

// Station returns a station by id.
func (r *Registry) Station(id string) (model.ChargingStation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stations[id]
	return s, ok
}

// MembersOf returns the stations of a group sorted by id.
func (r *Registry) MembersOf(groupID string) []model.ChargingStation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membersLocked(groupID)
}

func (r *Registry) membersLocked(key string) []model.ChargingStation {
	var out []model.ChargingStation
	if id, ok := UngroupedStation(key); ok {
		if s, ok := r.stations[id]; ok && !s.Grouped() {
			out = append(out, s)
		}
		return out
	}
	for _, s := range r.stations {
		if s.GroupID == key {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CapacityOf returns the hard capacity of a scope: the station maximum for
// station or connector scopes.
func (r *Registry) CapacityOf(scope model.Scope) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stations[scope.StationID]
	if !ok {
		return 0, false
	}
	return s.MaxPowerKW, true
}

// GroupCapacity returns the hard capacity of an allocation unit.
func (r *Registry) GroupCapacity(key string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := UngroupedStation(key); ok {
		s, ok := r.stations[id]
		return s.MaxPowerKW, ok
	}
	g, ok := r.groups[key]
	return g.MaxPowerKW, ok
}

// Keys returns every allocation unit: all groups and all ungrouped stations.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.groups))
	for id := range r.groups {
		keys = append(keys, id)
	}
	for _, s := range r.stations {
		if !s.Grouped() {
			keys = append(keys, GroupKey(s))
		}
	}
	sort.Strings(keys)
	return keys
}

// Version returns the mutation counter of an allocation unit.
func (r *Registry) Version(key string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.versions[key]
}

// Snapshot returns a consistent copy of an allocation unit. Ungrouped
// stations are wrapped in an always-active synthetic group whose capacity is
// the station's own maximum.
func (r *Registry) Snapshot(key string) (GroupView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := GroupView{Key: key, Version: r.versions[key]}
	if id, ok := UngroupedStation(key); ok {
		s, ok := r.stations[id]
		if !ok || s.Grouped() {
			return GroupView{}, false
		}
		v.Group = model.ChargingGroup{ID: key, Name: s.Name, MaxPowerKW: s.MaxPowerKW, Active: true, Strategy: model.EqualShare}
		v.Stations = []model.ChargingStation{s}
		return v, true
	}
	g, ok := r.groups[key]
	if !ok {
		return GroupView{}, false
	}
	v.Group = g
	v.Stations = r.membersLocked(key)
	return v, true
}
