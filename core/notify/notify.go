// Package notify forwards power-control notifications to the dashboard
// collaborator. Delivery is best-effort: failures are logged and dropped.
package notify

import (
	"context"
	"time"

	"github.com/kilianp07/smartcharge/core/events"
	"github.com/kilianp07/smartcharge/core/logger"
	"github.com/kilianp07/smartcharge/core/model"
	"github.com/kilianp07/smartcharge/internal/eventbus"
)

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, n model.PowerControlNotification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n model.PowerControlNotification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n model.PowerControlNotification) error {
	return f(ctx, n)
}

// Forwarder subscribes to the engine bus and hands notification events to
// every configured Notifier.
type Forwarder struct {
	bus       *eventbus.TypedBus[events.Event]
	notifiers []Notifier
	timeout   time.Duration
	log       logger.Logger
}

// NewForwarder creates a Forwarder. timeout bounds each delivery.
func NewForwarder(bus *eventbus.TypedBus[events.Event], log logger.Logger, timeout time.Duration, notifiers ...Notifier) *Forwarder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Forwarder{bus: bus, notifiers: notifiers, timeout: timeout, log: logger.OrNop(log)}
}

// Run forwards notifications until ctx is done or the bus closes.
func (f *Forwarder) Run(ctx context.Context) {
	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			ne, isNote := ev.(events.NotificationEvent)
			if !isNote {
				continue
			}
			f.deliver(ctx, ne.Notification)
		}
	}
}

func (f *Forwarder) deliver(ctx context.Context, n model.PowerControlNotification) {
	for _, nt := range f.notifiers {
		cctx, cancel := context.WithTimeout(ctx, f.timeout)
		if err := nt.Notify(cctx, n); err != nil {
			f.log.Warnf("notify: %s for %s dropped: %v", n.Type, n.StationID, err)
		}
		cancel()
	}
}
