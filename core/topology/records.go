package topology

import (
	"fmt"
	"strings"

	"github.com/kilianp07/smartcharge/core/model"
	"github.com/kilianp07/smartcharge/core/profile"
)

// GroupRecord is the stored form of a charging group.
type GroupRecord struct {
	ID         string  `yaml:"id" json:"id"`
	Name       string  `yaml:"name" json:"name"`
	MaxPowerKW float64 `yaml:"max_power_kw" json:"max_power_kw"`
	Active     *bool   `yaml:"active" json:"active"`
	Strategy   string  `yaml:"load_balancing_strategy" json:"load_balancing_strategy"`
}

// StationRecord is the stored form of a charging station.
type StationRecord struct {
	ID                   string  `yaml:"id" json:"id"`
	Name                 string  `yaml:"name" json:"name"`
	GroupID              string  `yaml:"group_id" json:"group_id"`
	MaxPowerKW           float64 `yaml:"max_power_kw" json:"max_power_kw"`
	PriorityLevel        int     `yaml:"priority_level" json:"priority_level"`
	Enabled              *bool   `yaml:"enabled" json:"enabled"`
	SmartChargingEnabled *bool   `yaml:"smart_charging_enabled" json:"smart_charging_enabled"`
}

// ProfileRecord is the stored form of a power profile. Days use the
// comma-separated ISO weekday list, times "HH:MM".
type ProfileRecord struct {
	ID         string  `yaml:"id" json:"id"`
	StationID  string  `yaml:"station_id" json:"station_id"`
	GroupID    string  `yaml:"group_id" json:"group_id"`
	DayOfWeek  string  `yaml:"day_of_week" json:"day_of_week"`
	StartTime  string  `yaml:"start_time" json:"start_time"`
	EndTime    string  `yaml:"end_time" json:"end_time"`
	MinPowerKW float64 `yaml:"min_power_kw" json:"min_power_kw"`
	MaxPowerKW float64 `yaml:"max_power_kw" json:"max_power_kw"`
	PriceTier  string  `yaml:"price_tier" json:"price_tier"`
}

// Records is a complete stored configuration.
type Records struct {
	Groups   []GroupRecord   `yaml:"groups" json:"groups"`
	Stations []StationRecord `yaml:"stations" json:"stations"`
	Profiles []ProfileRecord `yaml:"profiles" json:"profiles"`
}

func orTrue(b *bool) bool { return b == nil || *b }

// Group converts the record. Active defaults to true.
func (r GroupRecord) Group() (model.ChargingGroup, error) {
	strategy, err := model.ParseStrategy(r.Strategy)
	if err != nil {
		return model.ChargingGroup{}, &model.ConfigurationError{Field: "group.load_balancing_strategy", Reason: fmt.Sprintf("group %s: %v", r.ID, err)}
	}
	return model.ChargingGroup{
		ID:         strings.TrimSpace(r.ID),
		Name:       r.Name,
		MaxPowerKW: r.MaxPowerKW,
		Active:     orTrue(r.Active),
		Strategy:   strategy,
	}, nil
}

// Station converts the record. Both enable flags default to true and a new
// station counts as reachable.
func (r StationRecord) Station() model.ChargingStation {
	return model.ChargingStation{
		ID:                   strings.TrimSpace(r.ID),
		Name:                 r.Name,
		GroupID:              strings.TrimSpace(r.GroupID),
		MaxPowerKW:           r.MaxPowerKW,
		PriorityLevel:        r.PriorityLevel,
		Enabled:              orTrue(r.Enabled),
		SmartChargingEnabled: orTrue(r.SmartChargingEnabled),
		Reachable:            true,
	}
}

// Profile converts the record.
func (r ProfileRecord) Profile() (model.PowerProfile, error) {
	days, err := profile.ParseDays(r.DayOfWeek)
	if err != nil {
		return model.PowerProfile{}, &model.ConfigurationError{Field: "profile.day_of_week", Reason: fmt.Sprintf("profile %s: %v", r.ID, err)}
	}
	start, err := model.ParseTimeOfDay(r.StartTime)
	if err != nil {
		return model.PowerProfile{}, &model.ConfigurationError{Field: "profile.start_time", Reason: fmt.Sprintf("profile %s: %v", r.ID, err)}
	}
	end, err := model.ParseTimeOfDay(r.EndTime)
	if err != nil {
		return model.PowerProfile{}, &model.ConfigurationError{Field: "profile.end_time", Reason: fmt.Sprintf("profile %s: %v", r.ID, err)}
	}
	tier, err := model.ParsePriceTier(r.PriceTier)
	if err != nil {
		return model.PowerProfile{}, &model.ConfigurationError{Field: "profile.price_tier", Reason: fmt.Sprintf("profile %s: %v", r.ID, err)}
	}
	return model.PowerProfile{
		ID:         r.ID,
		StationID:  strings.TrimSpace(r.StationID),
		GroupID:    strings.TrimSpace(r.GroupID),
		Days:       days,
		Start:      start,
		End:        end,
		MinPowerKW: r.MinPowerKW,
		MaxPowerKW: r.MaxPowerKW,
		PriceTier:  tier,
	}, nil
}

// Snapshot converts every record, stopping at the first invalid one.
func (r Records) Snapshot() (Snapshot, error) {
	var snap Snapshot
	for _, g := range r.Groups {
		mg, err := g.Group()
		if err != nil {
			return Snapshot{}, err
		}
		snap.Groups = append(snap.Groups, mg)
	}
	for _, s := range r.Stations {
		snap.Stations = append(snap.Stations, s.Station())
	}
	for _, p := range r.Profiles {
		mp, err := p.Profile()
		if err != nil {
			return Snapshot{}, err
		}
		snap.Profiles = append(snap.Profiles, mp)
	}
	return snap, nil
}
