package scenarios

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/smartcharge/core/dispatch"
	"github.com/kilianp07/smartcharge/core/engine"
	"github.com/kilianp07/smartcharge/core/model"
	"github.com/kilianp07/smartcharge/core/transport"
)

// scriptedClient answers commands per station.
type scriptedClient struct {
	mu     sync.Mutex
	sent   int
	reject map[string]bool
	silent map[string]bool
}

func (c *scriptedClient) SendPowerLimit(cmd model.PowerDistributionCommand) (string, error) {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	return cmd.StationID, nil
}

func (c *scriptedClient) WaitForAck(_ context.Context, stationID string, _ time.Duration) (model.AckStatus, error) {
	switch {
	case c.silent[stationID]:
		return 0, transport.ErrAckTimeout
	case c.reject[stationID]:
		return model.AckNotSupported, nil
	}
	return model.AckAccepted, nil
}

func set(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// RunScenario runs one allocation cycle for every group and checks the
// expectations of sc.
func RunScenario(t *testing.T, sc *Scenario) {
	t.Helper()
	client := &scriptedClient{reject: set(sc.Reject), silent: set(sc.Silent)}
	cfg := engine.Config{Dispatch: dispatch.Config{
		AckTimeout:   10 * time.Millisecond,
		MaxRetries:   sc.MaxRetries,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
	}}
	e, err := engine.New(cfg, client, engine.WithClock(func() time.Time { return sc.At }))
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	snap, err := sc.Snapshot()
	require.NoError(t, err)
	require.NoError(t, e.ApplyTopology(snap))
	for _, s := range sc.Sessions {
		require.NoError(t, e.SessionStarted(s.StationID, s.ConnectorID, s.RequestedKW, s.TransactionID))
	}
	for _, o := range sc.Overrides {
		req, err := o.Request(sc.At)
		require.NoError(t, err)
		_, err = e.CreateOverride(req)
		require.NoError(t, err)
	}

	ctx := context.Background()
	require.NoError(t, e.RecomputeAll(ctx))
	e.Dispatcher().Wait()

	targets := map[model.Scope]float64{}
	exceeded := map[model.Scope]bool{}
	for _, key := range e.Topology().Keys() {
		st, ok := e.GroupStatus(key)
		require.True(t, ok)
		for scope, kw := range st.Targets {
			targets[scope] = kw
		}
		for scope := range st.Flags {
			exceeded[scope] = true
		}
	}
	exp := sc.Expected
	for s, kw := range exp.Targets {
		scope, err := ParseScope(s)
		require.NoError(t, err)
		got, ok := targets[scope]
		assert.True(t, ok, "no target for %s", s)
		assert.InDelta(t, kw, got, 1e-6, "target for %s", s)
	}
	for _, s := range exp.Exceeded {
		scope, err := ParseScope(s)
		require.NoError(t, err)
		assert.True(t, exceeded[scope], "%s not flagged", s)
	}
	assert.Len(t, exceeded, len(exp.Exceeded))
	for _, s := range exp.Rejected {
		scope, err := ParseScope(s)
		require.NoError(t, err)
		assert.True(t, e.Dispatcher().Rejected(scope), "%s not rejected", s)
	}
	for _, id := range exp.Unreachable {
		assert.True(t, e.Dispatcher().Unreachable(id), "%s still reachable", id)
		st, ok := e.Topology().Station(id)
		require.True(t, ok)
		assert.False(t, st.Reachable, "%s reachable in topology", id)
	}
	if exp.Commands != nil {
		client.mu.Lock()
		assert.Equal(t, *exp.Commands, client.sent)
		client.mu.Unlock()
	}
}
