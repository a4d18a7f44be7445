package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/smartcharge/core/events"
	"github.com/kilianp07/smartcharge/core/factory"
	coremetrics "github.com/kilianp07/smartcharge/core/metrics"
	"github.com/kilianp07/smartcharge/core/model"
	"github.com/kilianp07/smartcharge/internal/eventbus"
)

func TestPromSinkRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	require.NoError(t, sink.RecordAllocation(coremetrics.AllocationEvent{GroupKey: "g1", Strategy: "EQUAL_SHARE", CapacityKW: 50, TotalKW: 30}))
	require.NoError(t, sink.RecordAllocation(coremetrics.AllocationEvent{GroupKey: "g1", Strategy: "EQUAL_SHARE", CapacityKW: 50, TotalKW: 45}))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.allocations.WithLabelValues("g1", "EQUAL_SHARE")))
	assert.Equal(t, 5.0, testutil.ToFloat64(sink.headroom.WithLabelValues("g1")))
	assert.Equal(t, 50.0, testutil.ToFloat64(sink.capacity.WithLabelValues("g1")))

	require.NoError(t, sink.RecordCommand(coremetrics.CommandEvent{StationID: "cs-1", Status: "TIMED_OUT", Reason: "LOAD_BALANCING", Attempts: 3, Latency: time.Second}))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.commands.WithLabelValues("cs-1", "TIMED_OUT", "LOAD_BALANCING")))

	require.NoError(t, sink.RecordStation(coremetrics.StationEvent{StationID: "cs-1", Reachable: false}))
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.reachable.WithLabelValues("cs-1")))
	require.NoError(t, sink.RecordStation(coremetrics.StationEvent{StationID: "cs-1", Reachable: true}))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.reachable.WithLabelValues("cs-1")))
}

func TestPromSinkReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	b, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	require.NoError(t, a.RecordAllocation(coremetrics.AllocationEvent{GroupKey: "g", Strategy: "FCFS"}))
	require.NoError(t, b.RecordAllocation(coremetrics.AllocationEvent{GroupKey: "g", Strategy: "FCFS"}))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.allocations.WithLabelValues("g", "FCFS")))
}

func TestSinkFactory(t *testing.T) {
	s, err := coremetrics.NewMetricsSink([]factory.ModuleConfig{{Type: "nop"}})
	require.NoError(t, err)
	assert.IsType(t, coremetrics.NopSink{}, s)

	s, err = coremetrics.NewMetricsSink([]factory.ModuleConfig{{Type: "nop"}, {Type: "prometheus"}})
	require.NoError(t, err)
	multi, ok := s.(*coremetrics.MultiSink)
	require.True(t, ok)
	assert.Len(t, multi.Sinks, 2)

	_, err = coremetrics.NewMetricsSink([]factory.ModuleConfig{{Type: "statsd"}})
	assert.Error(t, err)
	assert.Subset(t, coremetrics.SinkTypes(), []string{"influx", "nop", "prometheus"})
}

func TestEventCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := eventbus.NewTyped[events.Event]()
	c, err := NewEventCollector(bus, reg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, bus)
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.NotificationEvent{Notification: model.PowerControlNotification{Type: model.LimitFailed}})
	bus.Publish(events.StationEvent{StationID: "cs-1", Reachable: false})
	bus.Publish(events.AllocationEvent{GroupKey: "g"})

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(c.notifications.WithLabelValues("LIMIT_FAILED", "false")) == 1 &&
			testutil.ToFloat64(c.transitions.WithLabelValues("false")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.dropped))
}
