package mqtt

import (
	"encoding/json"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/smartcharge/core/logger"
)

// SessionHandler receives the inbound station events. *engine.Engine
// satisfies it.
type SessionHandler interface {
	SessionStarted(stationID string, connectorID int, requestedKW float64, transactionID string) error
	SessionEnded(stationID string, connectorID int) bool
	MeterValue(stationID string, connectorID int, currentKW float64) bool
}

// Subscriber is the part of PahoClient the telemetry bridge needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler paho.MessageHandler) error
}

// Telemetry decodes session and meter messages and hands them to a
// SessionHandler.
type Telemetry struct {
	h   SessionHandler
	log logger.Logger
}

// NewTelemetry creates a bridge to h.
func NewTelemetry(h SessionHandler, log logger.Logger) *Telemetry {
	return &Telemetry{h: h, log: logger.OrNop(log)}
}

// Attach subscribes to the session and meter topics of cfg.
func (t *Telemetry) Attach(sub Subscriber, cfg Config) error {
	if err := sub.Subscribe(cfg.SessionTopic, cfg.qos("session"), t.onSession); err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.SessionTopic, err)
	}
	if err := sub.Subscribe(cfg.MeterTopic, cfg.qos("meter"), t.onMeter); err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.MeterTopic, err)
	}
	return nil
}

func (t *Telemetry) onSession(_ paho.Client, msg paho.Message) {
	if err := t.HandleSession(msg.Topic(), msg.Payload()); err != nil {
		t.log.Warnf("session message on %s: %v", msg.Topic(), err)
	}
}

func (t *Telemetry) onMeter(_ paho.Client, msg paho.Message) {
	if err := t.HandleMeter(msg.Topic(), msg.Payload()); err != nil {
		t.log.Warnf("meter message on %s: %v", msg.Topic(), err)
	}
}

// HandleSession processes one session payload received on topic.
func (t *Telemetry) HandleSession(topic string, payload []byte) error {
	stationID, err := StationFromTopic(topic)
	if err != nil {
		return err
	}
	var m SessionMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	switch m.Event {
	case "started":
		return t.h.SessionStarted(stationID, m.ConnectorID, m.RequestedKW, m.TransactionID)
	case "ended":
		if !t.h.SessionEnded(stationID, m.ConnectorID) {
			t.log.Debugf("no session on %s#%d to end", stationID, m.ConnectorID)
		}
		return nil
	default:
		return fmt.Errorf("unknown session event %q", m.Event)
	}
}

// HandleMeter processes one meter payload received on topic.
func (t *Telemetry) HandleMeter(topic string, payload []byte) error {
	stationID, err := StationFromTopic(topic)
	if err != nil {
		return err
	}
	var m MeterMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if m.CurrentKW < 0 {
		return fmt.Errorf("negative draw %.2f kW", m.CurrentKW)
	}
	if !t.h.MeterValue(stationID, m.ConnectorID, m.CurrentKW) {
		t.log.Debugf("meter value for idle connector %s#%d", stationID, m.ConnectorID)
	}
	return nil
}
