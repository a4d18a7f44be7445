package app

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/kilianp07/smartcharge/core/engine"
)

// TargetStatus is one allocated limit.
type TargetStatus struct {
	Scope   string  `json:"scope"`
	PowerKW float64 `json:"power_kw"`
	Flag    string  `json:"flag,omitempty"`
}

// StationStatus summarises a member station.
type StationStatus struct {
	ID             string  `json:"id"`
	Enabled        bool    `json:"enabled"`
	SmartCharging  bool    `json:"smart_charging"`
	Reachable      bool    `json:"reachable"`
	CurrentPowerKW float64 `json:"current_power_kw"`
}

// GroupReport is the JSON form of engine.GroupStatus.
type GroupReport struct {
	Key            string          `json:"key"`
	Name           string          `json:"name,omitempty"`
	Strategy       string          `json:"strategy"`
	MaxPowerKW     float64         `json:"max_power_kw"`
	CurrentPowerKW float64         `json:"current_power_kw"`
	Stations       []StationStatus `json:"stations"`
	Targets        []TargetStatus  `json:"targets"`
	AllocatedAt    *time.Time      `json:"allocated_at,omitempty"`
}

// Report converts the status of every group, ordered by key.
func Report(e *engine.Engine) []GroupReport {
	keys := e.Topology().Keys()
	sort.Strings(keys)
	out := make([]GroupReport, 0, len(keys))
	for _, key := range keys {
		st, ok := e.GroupStatus(key)
		if !ok {
			continue
		}
		r := GroupReport{
			Key:            key,
			Name:           st.Group.Name,
			Strategy:       st.Group.Strategy.String(),
			MaxPowerKW:     st.Group.MaxPowerKW,
			CurrentPowerKW: st.Group.CurrentPowerKW,
			Stations:       make([]StationStatus, 0, len(st.Stations)),
			Targets:        make([]TargetStatus, 0, len(st.Targets)),
		}
		for _, s := range st.Stations {
			r.Stations = append(r.Stations, StationStatus{
				ID: s.ID, Enabled: s.Enabled, SmartCharging: s.SmartChargingEnabled,
				Reachable: s.Reachable, CurrentPowerKW: s.CurrentPowerKW,
			})
		}
		for scope, kw := range st.Targets {
			t := TargetStatus{Scope: scope.String(), PowerKW: kw}
			if f, ok := st.Flags[scope]; ok {
				t.Flag = f.String()
			}
			r.Targets = append(r.Targets, t)
		}
		sort.Slice(r.Targets, func(i, j int) bool { return r.Targets[i].Scope < r.Targets[j].Scope })
		if !st.At.IsZero() {
			at := st.At
			r.AllocatedAt = &at
		}
		out = append(out, r)
	}
	return out
}

// StatusHandler serves Report as JSON.
func StatusHandler(e *engine.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Report(e))
	})
}
