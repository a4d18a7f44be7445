// Package mqtt carries power-limit commands, acknowledgements, session
// telemetry and notifications over an MQTT broker using Eclipse Paho.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kilianp07/smartcharge/core/logger"
	"github.com/kilianp07/smartcharge/core/model"
	"github.com/kilianp07/smartcharge/core/transport"
)

// Config defines the connection parameters and topics.
type Config struct {
	Broker            string          `json:"broker"`
	ClientID          string          `json:"client_id"`
	Username          string          `json:"username"`
	Password          string          `json:"password"`
	CommandTopic      string          `json:"command_topic"`
	AckTopic          string          `json:"ack_topic"`
	SessionTopic      string          `json:"session_topic"`
	MeterTopic        string          `json:"meter_topic"`
	NotificationTopic string          `json:"notification_topic"`
	UseTLS            bool            `json:"use_tls"`
	ClientCert        string          `json:"client_cert"`
	ClientKey         string          `json:"client_key"`
	CABundle          string          `json:"ca_bundle"`
	QoS               map[string]byte `json:"qos"`
	LWTTopic          string          `json:"lwt_topic"`
	LWTPayload        string          `json:"lwt_payload"`
	MaxRetries        int             `json:"max_retries"`
	BackoffMS         int             `json:"backoff_ms"`
	TLSConfig         *tls.Config     `json:"-"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Broker == "" {
		c.Broker = "tcp://localhost:1883"
	}
	if c.ClientID == "" {
		c.ClientID = "smartcharge-" + uuid.NewString()[:8]
	}
	if c.CommandTopic == "" {
		c.CommandTopic = DefaultCommandTopic
	}
	if c.AckTopic == "" {
		c.AckTopic = DefaultAckTopic
	}
	if c.SessionTopic == "" {
		c.SessionTopic = DefaultSessionTopic
	}
	if c.MeterTopic == "" {
		c.MeterTopic = DefaultMeterTopic
	}
	if c.NotificationTopic == "" {
		c.NotificationTopic = DefaultNotificationTopic
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
}

func (c Config) qos(kind string) byte {
	if q, ok := c.QoS[kind]; ok {
		return q
	}
	return 1
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

type subscription struct {
	topic   string
	qos     byte
	handler paho.MessageHandler
}

// PahoClient implements transport.Client. Acknowledgements are correlated by
// a command id generated per publish, so a retried command never matches the
// answer of an earlier attempt.
type PahoClient struct {
	cfg Config
	cli pahoClient
	log logger.Logger

	mu   sync.Mutex
	acks map[string]chan model.AckStatus
	subs []subscription
}

var _ transport.Client = (*PahoClient)(nil)

// NewPahoClient connects to the broker and subscribes to the ack topic. Every
// subscription is restored on reconnect.
func NewPahoClient(cfg Config, log logger.Logger) (*PahoClient, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	pc := &PahoClient{
		cfg:  cfg,
		log:  logger.OrNop(log),
		acks: make(map[string]chan model.AckStatus),
	}
	pc.subs = append(pc.subs, subscription{topic: cfg.AckTopic, qos: cfg.qos("ack"), handler: pc.onAck})

	opts.OnConnect = func(c paho.Client) {
		pc.log.Infof("MQTT connected to %s", cfg.Broker)
		pc.mu.Lock()
		subs := append([]subscription(nil), pc.subs...)
		pc.mu.Unlock()
		for _, s := range subs {
			if token := c.Subscribe(s.topic, s.qos, s.handler); token.Wait() && token.Error() != nil {
				pc.log.Errorf("subscribe %s: %v", s.topic, token.Error())
			}
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		pc.log.Errorf("MQTT connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		pc.log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	pc.cli = c
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	return pc, nil
}

// NewClientOptions builds paho options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	opts.SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, 1, false)
	}
	return opts, nil
}

// LoadTLSConfig loads the client certificate and CA bundle.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("ca bundle %s holds no certificate", c.CABundle)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (p *PahoClient) onAck(_ paho.Client, msg paho.Message) {
	var m AckMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		p.log.Errorf("decode ack on %s: %v", msg.Topic(), err)
		return
	}
	status, ok := model.ParseAckStatus(m.Status)
	if !ok {
		p.log.Warnf("ack %s has unknown status %q", m.CommandID, m.Status)
		return
	}
	p.mu.Lock()
	ch, found := p.acks[m.CommandID]
	p.mu.Unlock()
	if !found {
		p.log.Debugf("ack for unknown or expired command %s", m.CommandID)
		return
	}
	select {
	case ch <- status:
	default:
	}
}

// SendPowerLimit publishes cmd on the station's command topic. Publish
// failures are retried with exponential backoff.
func (p *PahoClient) SendPowerLimit(cmd model.PowerDistributionCommand) (string, error) {
	if p.cli == nil || !p.cli.IsConnected() {
		return "", transport.ErrNotConnected
	}
	commandID := uuid.NewString()
	payload, err := json.Marshal(NewCommandMessage(commandID, cmd, time.Now()))
	if err != nil {
		return "", err
	}
	topic := CommandTopic(p.cfg.CommandTopic, cmd.StationID)

	// register first so an immediate answer is not lost
	p.mu.Lock()
	p.acks[commandID] = make(chan model.AckStatus, 1)
	p.mu.Unlock()

	attempt := 0
	publish := func() error {
		attempt++
		token := p.cli.Publish(topic, p.cfg.qos("command"), false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Warnf("publish %s attempt %d failed: %v", topic, attempt, err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(publish, backoff.WithMaxRetries(p.publishBackOff(), uint64(p.cfg.MaxRetries))); err != nil {
		p.forget(commandID)
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	p.log.Debugw("power limit published", map[string]any{"command_id": commandID, "event_id": cmd.EventID, "topic": topic, "kw": cmd.PowerLimitKW})
	return commandID, nil
}

func (p *PahoClient) publishBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(p.cfg.BackoffMS) * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// WaitForAck blocks until the answer for commandID arrives, timeout elapses
// (transport.ErrAckTimeout) or ctx is cancelled.
func (p *PahoClient) WaitForAck(ctx context.Context, commandID string, timeout time.Duration) (model.AckStatus, error) {
	p.mu.Lock()
	ch := p.acks[commandID]
	p.mu.Unlock()
	if ch == nil {
		return 0, fmt.Errorf("unknown command %s", commandID)
	}
	defer p.forget(commandID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case st := <-ch:
		return st, nil
	case <-timer.C:
		return 0, transport.ErrAckTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *PahoClient) forget(commandID string) {
	p.mu.Lock()
	delete(p.acks, commandID)
	p.mu.Unlock()
}

// Subscribe registers a handler that survives reconnects.
func (p *PahoClient) Subscribe(topic string, qos byte, handler paho.MessageHandler) error {
	p.mu.Lock()
	p.subs = append(p.subs, subscription{topic: topic, qos: qos, handler: handler})
	p.mu.Unlock()
	token := p.cli.Subscribe(topic, qos, handler)
	token.Wait()
	return token.Error()
}

// Publish sends a raw payload.
func (p *PahoClient) Publish(topic string, qos byte, payload []byte) error {
	if p.cli == nil || !p.cli.IsConnected() {
		return transport.ErrNotConnected
	}
	token := p.cli.Publish(topic, qos, false, payload)
	token.Wait()
	return token.Error()
}

// Config returns the effective configuration.
func (p *PahoClient) Config() Config { return p.cfg }

// Disconnect closes the connection.
func (p *PahoClient) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
