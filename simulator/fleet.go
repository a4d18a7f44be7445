// Package simulator runs fake charging stations against an MQTT broker. A
// station answers power-limit commands according to an AckStrategy, applies
// the limits it accepts and reports sessions and meter values.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/smartcharge/core/logger"
	"github.com/kilianp07/smartcharge/infra/mqtt"
	"github.com/kilianp07/smartcharge/infra/topofile"
)

// Broker is the part of a paho client the fleet uses.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// Fleet dispatches commands to its stations and publishes on their behalf.
type Fleet struct {
	broker   Broker
	strategy AckStrategy
	log      logger.Logger

	mu       sync.RWMutex
	stations map[string]*Station
	pending  sync.WaitGroup
}

// NewFleet creates an empty fleet.
func NewFleet(b Broker, strategy AckStrategy, log logger.Logger) *Fleet {
	if strategy == nil {
		strategy = AutoAck{}
	}
	return &Fleet{broker: b, strategy: strategy, log: logger.OrNop(log), stations: map[string]*Station{}}
}

// AddStation registers id, returning the existing station if any.
func (f *Fleet) AddStation(id string) *Station {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stations[id]; ok {
		return s
	}
	s := newStation(id)
	f.stations[id] = s
	return s
}

// Station returns a registered station.
func (f *Fleet) Station(id string) (*Station, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.stations[id]
	return s, ok
}

// IDs lists the registered stations in order.
func (f *Fleet) IDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.stations))
	for id := range f.stations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start subscribes to the command topic of every station.
func (f *Fleet) Start() error {
	topic := mqtt.CommandTopic(mqtt.DefaultCommandTopic, "+")
	tok := f.broker.Subscribe(topic, 1, f.handleCommand)
	tok.Wait()
	return tok.Error()
}

func (f *Fleet) handleCommand(_ paho.Client, msg paho.Message) {
	var cmd mqtt.CommandMessage
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		f.log.Warnf("simulator: bad command on %s: %v", msg.Topic(), err)
		return
	}
	id, err := mqtt.StationFromTopic(msg.Topic())
	if err != nil {
		f.log.Warnf("simulator: %v", err)
		return
	}
	st, ok := f.Station(id)
	if !ok {
		return
	}
	st.mu.Lock()
	st.received++
	st.mu.Unlock()

	d := f.strategy.Decide(cmd)
	if d.Drop {
		f.log.Debugf("simulator: %s drops command %s", id, cmd.CommandID)
		return
	}
	answer := func() {
		if d.Status == "Accepted" {
			st.ApplyLimit(cmd.ConnectorID, cmd.PowerLimitKW, cmd.Clear)
		}
		if err := f.publishJSON(id+"/power-limit/ack", mqtt.AckMessage{CommandID: cmd.CommandID, Status: d.Status}); err != nil {
			f.log.Errorf("simulator: ack %s: %v", cmd.CommandID, err)
		}
	}
	if d.Delay <= 0 {
		answer()
		return
	}
	f.pending.Add(1)
	time.AfterFunc(d.Delay, func() {
		defer f.pending.Done()
		answer()
	})
}

// StartSession announces a session and records it on the station.
func (f *Fleet) StartSession(stationID string, connector int, requestedKW float64, txID string) error {
	st := f.AddStation(stationID)
	st.mu.Lock()
	st.sessions[connector] = session{requestedKW: requestedKW, transactionID: txID}
	st.mu.Unlock()
	return f.publishJSON(stationID+"/session", mqtt.SessionMessage{
		Event: "started", ConnectorID: connector, RequestedKW: requestedKW, TransactionID: txID,
	})
}

// EndSession announces the end of a session.
func (f *Fleet) EndSession(stationID string, connector int) error {
	st, ok := f.Station(stationID)
	if !ok {
		return fmt.Errorf("unknown station %s", stationID)
	}
	st.mu.Lock()
	sess, ok := st.sessions[connector]
	delete(st.sessions, connector)
	st.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session on %s/%d", stationID, connector)
	}
	return f.publishJSON(stationID+"/session", mqtt.SessionMessage{
		Event: "ended", ConnectorID: connector, TransactionID: sess.transactionID,
	})
}

// PublishMeters sends the current draw of every running session.
func (f *Fleet) PublishMeters() error {
	for _, id := range f.IDs() {
		st, _ := f.Station(id)
		conns := st.connectors()
		sort.Ints(conns)
		for _, c := range conns {
			if err := f.publishJSON(id+"/meter", mqtt.MeterMessage{ConnectorID: c, CurrentKW: st.Draw(c)}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Seed adds the stations of doc and starts its sessions.
func (f *Fleet) Seed(doc topofile.Document) error {
	for _, s := range doc.Stations {
		f.AddStation(strings.TrimSpace(s.ID))
	}
	for _, s := range doc.Sessions {
		if err := f.StartSession(s.StationID, s.ConnectorID, s.RequestedKW, s.TransactionID); err != nil {
			return err
		}
	}
	return nil
}

// Run publishes meter values every interval until ctx is done, then waits
// for delayed acks.
func (f *Fleet) Run(ctx context.Context, interval time.Duration) error {
	defer f.pending.Wait()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := f.PublishMeters(); err != nil {
				f.log.Errorf("simulator: meter: %v", err)
			}
		}
	}
}

// Wait blocks until delayed acks have been sent.
func (f *Fleet) Wait() { f.pending.Wait() }

// publishJSON publishes v under station/{suffix}.
func (f *Fleet) publishJSON(suffix string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tok := f.broker.Publish("station/"+suffix, 1, false, b)
	tok.Wait()
	return tok.Error()
}
