package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/smartcharge/core/events"
	"github.com/kilianp07/smartcharge/core/model"
	"github.com/kilianp07/smartcharge/internal/eventbus"
)

func TestForwarderDeliversNotificationsOnly(t *testing.T) {
	bus := eventbus.NewTyped[events.Event]()
	var mu sync.Mutex
	var got []model.PowerControlNotification
	done := make(chan struct{}, 4)
	ok := NotifierFunc(func(_ context.Context, n model.PowerControlNotification) error {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	failing := NotifierFunc(func(context.Context, model.PowerControlNotification) error {
		return errors.New("dashboard down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := NewForwarder(bus, nil, time.Second, failing, ok)
	go f.Run(ctx)
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.StationEvent{StationID: "S1"})
	bus.Publish(events.NotificationEvent{Notification: model.PowerControlNotification{Type: model.LimitSet, StationID: "S1", Success: true}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, model.LimitSet, got[0].Type)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, n model.PowerControlNotification) error {
	return m.Called(ctx, n).Error(0)
}

func TestForwarderPassesDeadline(t *testing.T) {
	bus := eventbus.NewTyped[events.Event]()
	note := model.PowerControlNotification{Type: model.LimitFailed, StationID: "S2", Error: "refused"}
	called := make(chan struct{})
	m := &mockNotifier{}
	m.On("Notify", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	}), note).Return(nil).Once().Run(func(mock.Arguments) { close(called) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewForwarder(bus, nil, 50*time.Millisecond, m).Run(ctx)
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.NotificationEvent{Notification: note})
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("notifier not called")
	}
	m.AssertExpectations(t)
}
