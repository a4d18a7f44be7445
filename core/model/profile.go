package model

import (
	"fmt"
	"strings"
	"time"
)

// PriceTier tags a profile window with the tariff in force.
type PriceTier int

const (
	TierUnspecified PriceTier = iota
	TierPeak
	TierStandard
	TierOffPeak
)

func (t PriceTier) String() string {
	switch t {
	case TierPeak:
		return "PEAK"
	case TierStandard:
		return "STANDARD"
	case TierOffPeak:
		return "OFF_PEAK"
	default:
		return "UNSPECIFIED"
	}
}

// Preference ranks tiers for PRIORITY_WEIGHTED ordering. Cheaper energy is
// preferred, so off-peak windows rank first.
func (t PriceTier) Preference() int {
	switch t {
	case TierOffPeak:
		return 3
	case TierStandard:
		return 2
	case TierPeak:
		return 1
	default:
		return 0
	}
}

// ParsePriceTier converts a configuration name into a PriceTier.
func ParsePriceTier(s string) (PriceTier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "UNSPECIFIED":
		return TierUnspecified, nil
	case "PEAK":
		return TierPeak, nil
	case "STANDARD", "MID_PEAK":
		return TierStandard, nil
	case "OFF_PEAK", "OFFPEAK":
		return TierOffPeak, nil
	default:
		return TierUnspecified, fmt.Errorf("unknown price tier %q", s)
	}
}

// TimeOfDay is a local wall-clock time expressed as an offset from midnight.
type TimeOfDay time.Duration

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return TimeOfDay(time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

// ClockOf returns the time of day of t in its own location.
func ClockOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

func (d TimeOfDay) String() string {
	dur := time.Duration(d)
	return fmt.Sprintf("%02d:%02d", int(dur.Hours()), int(dur.Minutes())%60)
}

// PowerProfile is a time-windowed power limit rule. Exactly one of StationID
// and GroupID is set.
type PowerProfile struct {
	ID         string
	StationID  string
	GroupID    string
	Days       []time.Weekday
	Start      TimeOfDay
	End        TimeOfDay // Start > End wraps past midnight
	MinPowerKW float64
	MaxPowerKW float64
	PriceTier  PriceTier
	CreatedAt  time.Time
}

// Wraps reports whether the window crosses midnight.
func (p PowerProfile) Wraps() bool { return p.Start > p.End }

// Validate checks the profile in isolation.
func (p PowerProfile) Validate() error {
	if (p.StationID == "") == (p.GroupID == "") {
		return &ConfigurationError{Field: "profile.scope", Reason: fmt.Sprintf("profile %s: exactly one of station and group must be set", p.ID)}
	}
	if len(p.Days) == 0 {
		return &ConfigurationError{Field: "profile.day_of_week", Reason: fmt.Sprintf("profile %s: no days", p.ID)}
	}
	if p.Start == p.End {
		return &ConfigurationError{Field: "profile.window", Reason: fmt.Sprintf("profile %s: empty time window", p.ID)}
	}
	if p.MinPowerKW < 0 || p.MaxPowerKW < 0 {
		return &ConfigurationError{Field: "profile.power", Reason: fmt.Sprintf("profile %s: negative power", p.ID)}
	}
	if p.MinPowerKW > p.MaxPowerKW {
		return &ConfigurationError{Field: "profile.power", Reason: fmt.Sprintf("profile %s: min %.2f exceeds max %.2f", p.ID, p.MinPowerKW, p.MaxPowerKW)}
	}
	return nil
}
