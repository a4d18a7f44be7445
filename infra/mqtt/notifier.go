package mqtt

import (
	"context"
	"encoding/json"

	"github.com/kilianp07/smartcharge/core/model"
	"github.com/kilianp07/smartcharge/core/notify"
)

// Publisher publishes raw payloads.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Notifier publishes power-control notifications on a single topic.
type Notifier struct {
	pub   Publisher
	topic string
}

var _ notify.Notifier = (*Notifier)(nil)

// NewNotifier creates a Notifier. An empty topic uses DefaultNotificationTopic.
func NewNotifier(pub Publisher, topic string) *Notifier {
	if topic == "" {
		topic = DefaultNotificationTopic
	}
	return &Notifier{pub: pub, topic: topic}
}

// Notify implements notify.Notifier.
func (n *Notifier) Notify(ctx context.Context, note model.PowerControlNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return n.pub.Publish(n.topic, 0, b)
}
