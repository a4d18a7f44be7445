package profile

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/smartcharge/core/model"
)

func tod(t *testing.T, s string) model.TimeOfDay {
	t.Helper()
	v, err := model.ParseTimeOfDay(s)
	require.NoError(t, err)
	return v
}

// 2025-01-06 is a Monday.
func at(day int, hh, mm int) time.Time {
	return time.Date(2025, 1, 5+day, hh, mm, 0, 0, time.UTC)
}

func TestParseDays(t *testing.T) {
	days, err := ParseDays("1, 2,3,7")
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday}, days)
	assert.Equal(t, "7,1,2,3", FormatDays(days))

	days, err = ParseDays("sat,SUNDAY")
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Sunday, time.Saturday}, days)

	_, err = ParseDays("8")
	assert.Error(t, err)
	_, err = ParseDays("funday")
	assert.Error(t, err)
}

func TestResolveStationBeatsGroup(t *testing.T) {
	s := NewStore()
	weekdays, _ := ParseDays("1,2,3,4,5")
	err := s.Load([]model.PowerProfile{
		{ID: "g", GroupID: "G1", Days: weekdays, Start: tod(t, "00:00"), End: tod(t, "23:59"), MaxPowerKW: 22, PriceTier: model.TierStandard},
		{ID: "s", StationID: "S1", Days: weekdays, Start: tod(t, "08:00"), End: tod(t, "12:00"), MinPowerKW: 3, MaxPowerKW: 11, PriceTier: model.TierPeak},
	})
	require.NoError(t, err)

	lim, ok := s.ResolveLimit(Target{StationID: "S1", GroupID: "G1"}, at(1, 9, 0))
	require.True(t, ok)
	assert.Equal(t, "s", lim.ProfileID)
	assert.True(t, lim.StationScoped)
	assert.Equal(t, 3.0, lim.MinKW)
	assert.Equal(t, model.TierPeak, lim.PriceTier)

	lim, ok = s.ResolveLimit(Target{StationID: "S1", GroupID: "G1"}, at(1, 13, 0))
	require.True(t, ok)
	assert.Equal(t, "g", lim.ProfileID)
	assert.False(t, lim.StationScoped)

	_, ok = s.ResolveLimit(Target{StationID: "S1", GroupID: "G1"}, at(6, 13, 0))
	assert.False(t, ok, "saturday has no profile")

	_, ok = s.ResolveLimit(Target{StationID: "S1"}, at(1, 13, 0))
	assert.False(t, ok, "ungrouped station falls back to nothing")

	// the group profile stays visible while a station profile is in force
	lim, ok = s.ResolveGroup("G1", at(1, 9, 0))
	require.True(t, ok)
	assert.Equal(t, "g", lim.ProfileID)
	assert.Equal(t, 22.0, lim.MaxKW)
	assert.False(t, lim.StationScoped)

	_, ok = s.ResolveGroup("G2", at(1, 9, 0))
	assert.False(t, ok)
}

func TestResolveWrapsMidnight(t *testing.T) {
	s := NewStore()
	fri, _ := ParseDays("5")
	require.NoError(t, s.Load([]model.PowerProfile{
		{ID: "night", StationID: "S1", Days: fri, Start: tod(t, "22:00"), End: tod(t, "06:00"), MaxPowerKW: 50, PriceTier: model.TierOffPeak},
	}))

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"friday before window", at(5, 21, 59), false},
		{"friday late", at(5, 23, 0), true},
		{"saturday early", at(6, 5, 59), true},
		{"saturday at end", at(6, 6, 0), false},
		{"thursday late", at(4, 23, 0), false},
		{"friday early belongs to thursday", at(5, 1, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := s.ResolveLimit(Target{StationID: "S1"}, tc.at)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestLoadRejectsOverlap(t *testing.T) {
	s := NewStore()
	mon, _ := ParseDays("1")
	sun, _ := ParseDays("7")
	good := []model.PowerProfile{{ID: "a", StationID: "S1", Days: mon, Start: tod(t, "08:00"), End: tod(t, "10:00"), MaxPowerKW: 10}}
	require.NoError(t, s.Load(good))

	err := s.Load([]model.PowerProfile{
		good[0],
		{ID: "b", StationID: "S1", Days: mon, Start: tod(t, "09:00"), End: tod(t, "11:00"), MaxPowerKW: 5},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConfiguration))
	var cerr *model.ConfigurationError
	assert.True(t, errors.As(err, &cerr))

	// the previous set survives a failed load
	lim, ok := s.ResolveLimit(Target{StationID: "S1"}, at(1, 9, 0))
	require.True(t, ok)
	assert.Equal(t, "a", lim.ProfileID)

	// sunday night wrapping into monday morning collides with monday 00:00-01:00
	err = s.Load([]model.PowerProfile{
		{ID: "late", StationID: "S1", Days: sun, Start: tod(t, "23:00"), End: tod(t, "02:00"), MaxPowerKW: 10},
		{ID: "early", StationID: "S1", Days: mon, Start: tod(t, "00:00"), End: tod(t, "01:00"), MaxPowerKW: 10},
	})
	assert.True(t, errors.Is(err, model.ErrConfiguration))

	// the same window in different scopes is fine
	assert.NoError(t, s.Load([]model.PowerProfile{
		{ID: "x", StationID: "S1", Days: mon, Start: tod(t, "08:00"), End: tod(t, "10:00"), MaxPowerKW: 10},
		{ID: "y", StationID: "S2", Days: mon, Start: tod(t, "08:00"), End: tod(t, "10:00"), MaxPowerKW: 10},
		{ID: "z", GroupID: "G1", Days: mon, Start: tod(t, "08:00"), End: tod(t, "10:00"), MaxPowerKW: 10},
	}))
	assert.Len(t, s.Profiles(), 3)
}

func TestLoadRejectsInvalidProfile(t *testing.T) {
	mon, _ := ParseDays("1")
	cases := map[string]model.PowerProfile{
		"both scopes": {ID: "p", StationID: "S", GroupID: "G", Days: mon, Start: 0, End: model.TimeOfDay(time.Hour), MaxPowerKW: 1},
		"no scope":    {ID: "p", Days: mon, Start: 0, End: model.TimeOfDay(time.Hour), MaxPowerKW: 1},
		"no days":     {ID: "p", StationID: "S", Start: 0, End: model.TimeOfDay(time.Hour), MaxPowerKW: 1},
		"empty":       {ID: "p", StationID: "S", Days: mon, MaxPowerKW: 1},
		"min > max":   {ID: "p", StationID: "S", Days: mon, End: model.TimeOfDay(time.Hour), MinPowerKW: 5, MaxPowerKW: 1},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			err := NewStore().Load([]model.PowerProfile{p})
			assert.True(t, errors.Is(err, model.ErrConfiguration), "got %v", err)
		})
	}
}
