package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/smartcharge/core/events"
	"github.com/kilianp07/smartcharge/internal/eventbus"
)

// EventCollector counts engine bus traffic that no sink sees directly.
type EventCollector struct {
	notifications *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	dropped       prometheus.GaugeFunc
}

// NewEventCollector registers the collector metrics on reg.
func NewEventCollector(bus *eventbus.TypedBus[events.Event], reg prometheus.Registerer) (*EventCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &EventCollector{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartcharge_notifications_total",
			Help: "Power-control notifications published",
		}, []string{"type", "success"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartcharge_station_transitions_total",
			Help: "Station reachability changes",
		}, []string{"reachable"}),
		dropped: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "smartcharge_bus_dropped_events",
			Help: "Events skipped because a subscriber was full",
		}, func() float64 { return float64(bus.Dropped()) }),
	}
	var err error
	if c.notifications, err = register(reg, c.notifications); err != nil {
		return nil, err
	}
	if c.transitions, err = register(reg, c.transitions); err != nil {
		return nil, err
	}
	if c.dropped, err = register(reg, c.dropped); err != nil {
		return nil, err
	}
	return c, nil
}

// Run consumes bus events until ctx is done or the bus closes.
func (c *EventCollector) Run(ctx context.Context, bus *eventbus.TypedBus[events.Event]) {
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			c.observe(ev)
		}
	}
}

func (c *EventCollector) observe(ev events.Event) {
	switch e := ev.(type) {
	case events.NotificationEvent:
		c.notifications.WithLabelValues(e.Notification.Type.String(), strconv.FormatBool(e.Notification.Success)).Inc()
	case events.StationEvent:
		c.transitions.WithLabelValues(strconv.FormatBool(e.Reachable)).Inc()
	}
}
