package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/smartcharge/infra/topofile"
)

func TestPrintStations(t *testing.T) {
	doc, err := topofile.Parse([]byte(`groups:
  - id: depot
    max_power_kw: 50
    load_balancing_strategy: PRIORITY_WEIGHTED
stations:
  - id: cs-2
    group_id: depot
    max_power_kw: 22
    priority_level: 2
  - id: cs-1
    group_id: depot
    max_power_kw: 11
    enabled: false
  - id: solo
    max_power_kw: 7.4
`))
	require.NoError(t, err)
	snap, err := doc.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printStations(&buf, snap))
	out := buf.String()

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Contains(t, string(lines[0]), "STATION")
	assert.Contains(t, string(lines[1]), "solo")
	assert.Contains(t, string(lines[2]), "cs-1")
	assert.Contains(t, string(lines[2]), "false")
	assert.Contains(t, string(lines[3]), "cs-2")
	assert.Contains(t, out, "depot (50.0 kW, PRIORITY_WEIGHTED)")
	assert.Contains(t, out, "1 groups, 3 stations, 0 profiles")
}

func TestPrintStationsUnknownGroup(t *testing.T) {
	doc, err := topofile.Parse([]byte("stations:\n  - id: cs-9\n    group_id: ghost\n"))
	require.NoError(t, err)
	snap, err := doc.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printStations(&buf, snap))
	assert.Contains(t, buf.String(), "ghost (unknown)")
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["simulate"])
	assert.True(t, names["stations"])
	assert.True(t, names["commands"])
}
