package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/smartcharge/core/model"
	"github.com/kilianp07/smartcharge/core/transport"
)

// fakeClient answers immediately through answer, or waits for a manual ack
// when answer is nil.
type fakeClient struct {
	mu       sync.Mutex
	answer   func(model.PowerDistributionCommand) (model.AckStatus, error)
	honorCtx bool
	sent     []model.PowerDistributionCommand
	byID     map[string]model.PowerDistributionCommand
	acks     map[string]chan model.AckStatus
	sentCh   chan model.PowerDistributionCommand
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		byID:   make(map[string]model.PowerDistributionCommand),
		acks:   make(map[string]chan model.AckStatus),
		sentCh: make(chan model.PowerDistributionCommand, 64),
	}
}

func accepting() *fakeClient {
	f := newFakeClient()
	f.answer = func(model.PowerDistributionCommand) (model.AckStatus, error) { return model.AckAccepted, nil }
	return f
}

func (f *fakeClient) SendPowerLimit(cmd model.PowerDistributionCommand) (string, error) {
	f.mu.Lock()
	id := fmt.Sprintf("%s#%d", cmd.EventID, cmd.Attempts)
	f.sent = append(f.sent, cmd)
	f.byID[id] = cmd
	f.acks[id] = make(chan model.AckStatus, 1)
	f.mu.Unlock()
	f.sentCh <- cmd
	return id, nil
}

func (f *fakeClient) WaitForAck(ctx context.Context, id string, timeout time.Duration) (model.AckStatus, error) {
	f.mu.Lock()
	cmd, ch := f.byID[id], f.acks[id]
	f.mu.Unlock()
	if f.answer != nil {
		return f.answer(cmd)
	}
	if f.honorCtx {
		select {
		case st := <-ch:
			return st, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return <-ch, nil
}

func (f *fakeClient) ack(cmd model.PowerDistributionCommand, st model.AckStatus) {
	f.mu.Lock()
	ch := f.acks[fmt.Sprintf("%s#%d", cmd.EventID, cmd.Attempts)]
	f.mu.Unlock()
	ch <- st
}

func (f *fakeClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeClient) nextSent(t *testing.T) model.PowerDistributionCommand {
	t.Helper()
	select {
	case c := <-f.sentCh:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no command sent")
		return model.PowerDistributionCommand{}
	}
}

type recorder struct {
	NopListener
	mu          sync.Mutex
	acked       []model.PowerDistributionCommand
	cleared     []model.PowerDistributionCommand
	rejected    []*model.DispatchRejectedError
	expired     []model.PowerDistributionCommand
	unreachable []*model.DispatchTimeoutError
}

func (r *recorder) OnAcknowledged(c model.PowerDistributionCommand) {
	r.mu.Lock()
	r.acked = append(r.acked, c)
	r.mu.Unlock()
}

func (r *recorder) OnCleared(c model.PowerDistributionCommand) {
	r.mu.Lock()
	r.cleared = append(r.cleared, c)
	r.mu.Unlock()
}

func (r *recorder) OnRejected(_ model.PowerDistributionCommand, err *model.DispatchRejectedError) {
	r.mu.Lock()
	r.rejected = append(r.rejected, err)
	r.mu.Unlock()
}

func (r *recorder) OnExpired(c model.PowerDistributionCommand) {
	r.mu.Lock()
	r.expired = append(r.expired, c)
	r.mu.Unlock()
}

func (r *recorder) OnUnreachable(_ string, _ model.PowerDistributionCommand, err *model.DispatchTimeoutError) {
	r.mu.Lock()
	r.unreachable = append(r.unreachable, err)
	r.mu.Unlock()
}

func newDispatcher(t *testing.T, c transport.Client, cfg Config, opts ...Option) (*Dispatcher, *recorder) {
	t.Helper()
	ResetMetrics(nil)
	rec := &recorder{}
	d, err := New(cfg, c, append([]Option{WithListener(rec)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, rec
}

func connector(st string, id int) model.Scope { return model.ConnectorScope(st, id) }

func TestApplyIsIdempotent(t *testing.T) {
	c := accepting()
	d, rec := newDispatcher(t, c, Config{})
	targets := []Target{
		{Scope: connector("S1", 1), KW: 10},
		{Scope: connector("S2", 1), KW: 5, Reason: model.ReasonScheduledProfile},
	}
	cmds := d.Apply(targets, []string{"S1", "S2"})
	require.Len(t, cmds, 2)
	d.Wait()

	acked := d.LastAcknowledged()
	assert.Equal(t, 10.0, acked[connector("S1", 1)].KW())
	assert.Equal(t, 5.0, acked[connector("S2", 1)].KW())
	assert.Len(t, rec.acked, 2)

	assert.Empty(t, d.Apply(targets, []string{"S1", "S2"}))
	d.Wait()
	assert.Equal(t, 2, c.sentCount())
}

func TestApplyCoalescesWithQueuedWork(t *testing.T) {
	c := newFakeClient()
	d, _ := newDispatcher(t, c, Config{})
	scope := connector("S1", 1)

	require.Len(t, d.Apply([]Target{{Scope: scope, KW: 10}}, []string{"S1"}), 1)
	first := c.nextSent(t)
	// same value as the in-flight command: nothing new
	assert.Empty(t, d.Apply([]Target{{Scope: scope, KW: 10}}, []string{"S1"}))
	c.ack(first, model.AckAccepted)
	d.Wait()
	assert.Equal(t, 1, c.sentCount())
}

func TestTimeoutRetriesThenUnreachable(t *testing.T) {
	c := newFakeClient()
	c.answer = func(model.PowerDistributionCommand) (model.AckStatus, error) { return 0, transport.ErrAckTimeout }
	d, rec := newDispatcher(t, c, Config{AckTimeout: 10 * time.Millisecond, MaxRetries: 2, RetryInitial: time.Millisecond, RetryMax: 2 * time.Millisecond})

	cmd, err := d.Submit(model.PowerDistributionCommand{StationID: "S1", PowerLimitKW: 7})
	require.NoError(t, err)
	d.Wait()

	assert.Equal(t, 3, c.sentCount(), "one attempt plus two retries")
	assert.True(t, d.Unreachable("S1"))
	require.Len(t, rec.unreachable, 1)
	assert.Equal(t, 3, rec.unreachable[0].Attempts)
	assert.True(t, errors.Is(rec.unreachable[0], model.ErrDispatchTimeout))
	st, _ := d.Status(cmd.EventID)
	assert.Equal(t, model.StatusTimedOut, st)

	_, err = d.Submit(model.PowerDistributionCommand{StationID: "S1", PowerLimitKW: 3})
	assert.ErrorIs(t, err, ErrStationUnreachable)
	assert.Empty(t, d.Apply([]Target{{Scope: model.StationScope("S1"), KW: 3}}, []string{"S1"}))

	d.Reset("S1")
	assert.False(t, d.Unreachable("S1"))
	_, err = d.Submit(model.PowerDistributionCommand{StationID: "S1", PowerLimitKW: 3})
	assert.NoError(t, err)
	d.Wait()
}

func TestUnreachableCancelsQueue(t *testing.T) {
	gate := make(chan struct{})
	c := newFakeClient()
	c.answer = func(model.PowerDistributionCommand) (model.AckStatus, error) {
		<-gate
		return 0, transport.ErrAckTimeout
	}
	d, _ := newDispatcher(t, c, Config{AckTimeout: time.Second})

	first, err := d.Submit(model.PowerDistributionCommand{StationID: "S1", ConnectorID: intp(1), PowerLimitKW: 7})
	require.NoError(t, err)
	c.nextSent(t)
	queued, err := d.Submit(model.PowerDistributionCommand{StationID: "S1", ConnectorID: intp(2), PowerLimitKW: 3})
	require.NoError(t, err)
	close(gate)
	d.Wait()

	assert.Equal(t, 1, c.sentCount())
	st, _ := d.Status(first.EventID)
	assert.Equal(t, model.StatusTimedOut, st)
	st, _ = d.Status(queued.EventID)
	assert.Equal(t, model.StatusCancelled, st)
}

func TestSupersedeDiscardsLateAck(t *testing.T) {
	c := newFakeClient()
	d, rec := newDispatcher(t, c, Config{})
	scope := connector("S1", 1)

	low, err := d.Submit(model.PowerDistributionCommand{StationID: "S1", ConnectorID: intp(1), PowerLimitKW: 5, Priority: 1})
	require.NoError(t, err)
	lowSent := c.nextSent(t)

	high, err := d.Submit(model.PowerDistributionCommand{StationID: "S1", ConnectorID: intp(1), PowerLimitKW: 7, Priority: 2, Reason: model.ReasonEmergencyReduction})
	require.NoError(t, err)
	st, _ := d.Status(low.EventID)
	assert.Equal(t, model.StatusSuperseded, st)

	// the station answers the old command late
	c.ack(lowSent, model.AckAccepted)
	highSent := c.nextSent(t)
	assert.Equal(t, high.EventID, highSent.EventID)
	c.ack(highSent, model.AckAccepted)
	d.Wait()

	lim, ok := d.Acknowledged(scope)
	require.True(t, ok)
	assert.Equal(t, 7.0, lim.KW())
	st, _ = d.Status(low.EventID)
	assert.Equal(t, model.StatusSuperseded, st)
	require.Len(t, rec.acked, 1)
	assert.Equal(t, high.EventID, rec.acked[0].EventID)
}

func TestLowerPriorityQueuesBehindInFlight(t *testing.T) {
	c := newFakeClient()
	d, _ := newDispatcher(t, c, Config{})

	high, err := d.Submit(model.PowerDistributionCommand{StationID: "S1", PowerLimitKW: 5, Priority: 5})
	require.NoError(t, err)
	first := c.nextSent(t)
	_, err = d.Submit(model.PowerDistributionCommand{StationID: "S1", PowerLimitKW: 3, Priority: 1})
	require.NoError(t, err)

	st, _ := d.Status(high.EventID)
	assert.Equal(t, model.StatusPendingAck, st)
	assert.Len(t, d.InFlight(), 1)

	c.ack(first, model.AckAccepted)
	second := c.nextSent(t)
	c.ack(second, model.AckAccepted)
	d.Wait()

	lim, _ := d.Acknowledged(model.StationScope("S1"))
	assert.Equal(t, 3.0, lim.KW())
}

func TestStationsDispatchConcurrently(t *testing.T) {
	c := newFakeClient()
	d, _ := newDispatcher(t, c, Config{})
	d.Apply([]Target{{Scope: connector("S1", 1), KW: 1}, {Scope: connector("S2", 1), KW: 2}}, nil)

	a := c.nextSent(t)
	b := c.nextSent(t)
	assert.Len(t, d.InFlight(), 2, "a slow station does not hold back another")
	c.ack(a, model.AckAccepted)
	c.ack(b, model.AckAccepted)
	d.Wait()
	assert.Len(t, d.LastAcknowledged(), 2)
}

func TestRejectedIsNotRetried(t *testing.T) {
	c := newFakeClient()
	c.answer = func(model.PowerDistributionCommand) (model.AckStatus, error) { return model.AckNotSupported, nil }
	d, rec := newDispatcher(t, c, Config{MaxRetries: 3})
	scope := connector("S1", 2)

	d.Apply([]Target{{Scope: scope, KW: 4}}, []string{"S1"})
	d.Wait()
	assert.Equal(t, 1, c.sentCount())
	assert.True(t, d.Rejected(scope))
	require.Len(t, rec.rejected, 1)
	assert.Equal(t, model.AckNotSupported, rec.rejected[0].Status)
	assert.ErrorIs(t, rec.rejected[0], model.ErrDispatchRejected)

	assert.Empty(t, d.Apply([]Target{{Scope: scope, KW: 4}}, []string{"S1"}), "refused scopes are not re-sent")
	d.Release(scope)
	c.answer = func(model.PowerDistributionCommand) (model.AckStatus, error) { return model.AckAccepted, nil }
	assert.Len(t, d.Apply([]Target{{Scope: scope, KW: 4}}, []string{"S1"}), 1)
	d.Wait()
	assert.False(t, d.Rejected(scope))
}

func TestApplyClearsVanishedScopes(t *testing.T) {
	c := accepting()
	d, rec := newDispatcher(t, c, Config{})
	d.Apply([]Target{{Scope: connector("S1", 1), KW: 10}, {Scope: connector("S1", 2), KW: 10}}, []string{"S1"})
	d.Wait()

	cmds := d.Apply([]Target{{Scope: connector("S1", 1), KW: 10}}, []string{"S1"})
	require.Len(t, cmds, 1)
	assert.True(t, cmds[0].Clear)
	assert.Equal(t, connector("S1", 2), cmds[0].Scope())
	d.Wait()

	_, ok := d.Acknowledged(connector("S1", 2))
	assert.False(t, ok)
	assert.Len(t, rec.cleared, 1)

	// unmanaged stations are never cleared
	assert.Empty(t, d.Apply(nil, nil))
}

func TestSweepExpiredTemporaryLimits(t *testing.T) {
	now := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	c := accepting()
	d, rec := newDispatcher(t, c, Config{}, WithClock(func() time.Time { return now }))

	_, err := d.Submit(model.PowerDistributionCommand{StationID: "S1", PowerLimitKW: 2, Temporary: true, DurationSeconds: 60})
	require.NoError(t, err)
	d.Wait()

	assert.Empty(t, d.SweepExpired(now.Add(30*time.Second)))
	expired := d.SweepExpired(now.Add(time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, model.StatusExpired, expired[0].Status)
	assert.Empty(t, d.LastAcknowledged())
	assert.Len(t, rec.expired, 1)
}

func TestSubmitValidates(t *testing.T) {
	d, _ := newDispatcher(t, accepting(), Config{})
	_, err := d.Submit(model.PowerDistributionCommand{StationID: "S1", PowerLimitKW: -1})
	assert.ErrorIs(t, err, model.ErrConfiguration)
	_, err = d.Submit(model.PowerDistributionCommand{StationID: "S1", PowerLimitKW: 1, Temporary: true})
	assert.ErrorIs(t, err, model.ErrConfiguration)

	require.NoError(t, d.Close())
	_, err = d.Submit(model.PowerDistributionCommand{StationID: "S1", PowerLimitKW: 1})
	assert.ErrorIs(t, err, ErrClosed)
}

func intp(v int) *int { return &v }
