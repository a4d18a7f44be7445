package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeStringAndOrder(t *testing.T) {
	assert.Equal(t, "cs-1", StationScope("cs-1").String())
	assert.Equal(t, "cs-1/2", ConnectorScope("cs-1", 2).String())
	assert.Nil(t, StationScope("cs-1").Connector())
	require.NotNil(t, ConnectorScope("cs-1", 2).Connector())
	assert.Equal(t, 2, *ConnectorScope("cs-1", 2).Connector())

	got := SortScopes([]Scope{ConnectorScope("cs-2", 1), ConnectorScope("cs-1", 2), StationScope("cs-1")})
	assert.Equal(t, []Scope{StationScope("cs-1"), ConnectorScope("cs-1", 2), ConnectorScope("cs-2", 1)}, got)
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]LoadBalancingStrategy{
		"":                        EqualShare,
		"equal_share":             EqualShare,
		"PRIORITY_WEIGHTED":       PriorityWeighted,
		"FIRST_COME_FIRST_SERVED": FirstComeFirstServed,
		"fcfs":                    FirstComeFirstServed,
	} {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStrategy("round_robin")
	assert.Error(t, err)
}

func TestPriceTierPreference(t *testing.T) {
	assert.Greater(t, TierOffPeak.Preference(), TierStandard.Preference())
	assert.Greater(t, TierStandard.Preference(), TierPeak.Preference())
	assert.Greater(t, TierPeak.Preference(), TierUnspecified.Preference())

	tier, err := ParsePriceTier("off_peak")
	require.NoError(t, err)
	assert.Equal(t, TierOffPeak, tier)
	_, err = ParsePriceTier("free")
	assert.Error(t, err)
}

func TestTimeOfDay(t *testing.T) {
	d, err := ParseTimeOfDay("22:30")
	require.NoError(t, err)
	assert.Equal(t, "22:30", d.String())
	d, err = ParseTimeOfDay("06:15:30")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay(6*time.Hour+15*time.Minute+30*time.Second), d)
	_, err = ParseTimeOfDay("25:00")
	assert.Error(t, err)

	at := time.Date(2024, 3, 4, 7, 45, 0, 0, time.UTC)
	assert.Equal(t, TimeOfDay(7*time.Hour+45*time.Minute), ClockOf(at))
}

func TestPowerProfileValidate(t *testing.T) {
	ok := PowerProfile{ID: "p", StationID: "cs-1", Days: []time.Weekday{time.Monday}, Start: 0, End: TimeOfDay(time.Hour), MaxPowerKW: 10}
	require.NoError(t, ok.Validate())
	assert.False(t, ok.Wraps())

	cases := map[string]func(p *PowerProfile){
		"both scopes":   func(p *PowerProfile) { p.GroupID = "g" },
		"no scope":      func(p *PowerProfile) { p.StationID = "" },
		"no days":       func(p *PowerProfile) { p.Days = nil },
		"empty window":  func(p *PowerProfile) { p.End = p.Start },
		"negative":      func(p *PowerProfile) { p.MinPowerKW = -1 },
		"min above max": func(p *PowerProfile) { p.MinPowerKW = 11 },
	}
	for name, mutate := range cases {
		p := ok
		mutate(&p)
		err := p.Validate()
		assert.ErrorIs(t, err, ErrConfiguration, name)
	}
}

func TestOverrideLifetime(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	persistent := Override{ID: "a"}
	assert.True(t, persistent.Persistent())
	assert.True(t, persistent.ActiveAt(now.Add(1000*time.Hour)))
	assert.Zero(t, persistent.Remaining(now))

	temp := Override{ID: "b", ValidUntil: now.Add(time.Hour)}
	assert.True(t, temp.ActiveAt(now))
	assert.False(t, temp.ActiveAt(now.Add(time.Hour)))
	assert.Equal(t, time.Hour, temp.Remaining(now))

	temp.SupersededBy = "c"
	assert.False(t, temp.ActiveAt(now))
}

func TestCommandValidateAndExpiry(t *testing.T) {
	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	cmd := PowerDistributionCommand{StationID: "cs-1", PowerLimitKW: 7.4}
	require.NoError(t, cmd.Validate())
	assert.True(t, cmd.ExpiresAt(at).IsZero())
	assert.Equal(t, StationScope("cs-1"), cmd.Scope())

	cmd.Temporary = true
	assert.ErrorIs(t, cmd.Validate(), ErrConfiguration)
	cmd.DurationSeconds = 60
	require.NoError(t, cmd.Validate())
	assert.Equal(t, at.Add(time.Minute), cmd.ExpiresAt(at))

	cmd.PowerLimitKW = -1
	assert.ErrorIs(t, cmd.Validate(), ErrConfiguration)
	assert.ErrorIs(t, PowerDistributionCommand{PowerLimitKW: 1}.Validate(), ErrConfiguration)
}

func TestReasonText(t *testing.T) {
	b, err := ReasonEmergencyReduction.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "EMERGENCY_REDUCTION", string(b))

	var r AdjustmentReason
	require.NoError(t, r.UnmarshalText([]byte("DYNAMIC_PRICING")))
	assert.Equal(t, ReasonDynamicPricing, r)
	assert.True(t, errors.Is(r.UnmarshalText([]byte("PANIC")), ErrConfiguration))
}
