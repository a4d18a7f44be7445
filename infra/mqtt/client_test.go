package mqtt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/smartcharge/core/model"
	"github.com/kilianp07/smartcharge/core/transport"
)

func generateCert(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "test"}, NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	caFile = filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(caFile, certPEM, 0o600))
	return
}

func withMock(t *testing.T, mc *mockClient) {
	t.Helper()
	prev := newMQTTClient
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() { newMQTTClient = prev })
}

func TestLoadTLSConfig(t *testing.T) {
	cert, key, ca := generateCert(t)
	cfg := Config{UseTLS: true, ClientCert: cert, ClientKey: key, CABundle: ca}
	tlsCfg, err := cfg.LoadTLSConfig()
	require.NoError(t, err)
	assert.Len(t, tlsCfg.Certificates, 1)
	assert.NotNil(t, tlsCfg.RootCAs)

	_, err = Config{UseTLS: true, ClientCert: cert}.LoadTLSConfig()
	assert.Error(t, err)
}

func TestNewClientOptionsAuth(t *testing.T) {
	opts, err := NewClientOptions(Config{Broker: "tcp://localhost:1883", ClientID: "id", Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, "u", opts.Username)
	assert.Equal(t, "p", opts.Password)
}

func TestLWTConfigured(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{ClientID: "id", LWTTopic: "lwt", LWTPayload: "bye"}, nil)
	require.NoError(t, err)
	assert.True(t, mc.opts.WillEnabled)
	assert.Equal(t, "lwt", mc.opts.WillTopic)
	assert.Equal(t, "bye", string(mc.opts.WillPayload))
	cli.Disconnect()
	assert.Empty(t, mc.published)
}

func TestSendPowerLimitPublishesCommand(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{ClientID: "id", QoS: map[string]byte{"command": 2, "ack": 1}}, nil)
	require.NoError(t, err)
	require.Len(t, mc.subscribed, 1)
	assert.Equal(t, DefaultAckTopic, mc.subscribed[0].topic)
	assert.Equal(t, byte(1), mc.subscribed[0].qos)

	conn := 2
	cmd := model.PowerDistributionCommand{
		EventID: "ev-1", StationID: "cs-1", ConnectorID: &conn, PowerLimitKW: 7.4,
		Reason: model.ReasonLoadBalancing, Priority: 3, TransactionID: "tx-9",
	}
	id, err := cli.SendPowerLimit(cmd)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, mc.published, 1)
	pub := mc.published[0]
	assert.Equal(t, "station/cs-1/power-limit", pub.topic)
	assert.Equal(t, byte(2), pub.qos)

	var msg CommandMessage
	require.NoError(t, json.Unmarshal(pub.payload, &msg))
	assert.Equal(t, id, msg.CommandID)
	assert.Equal(t, "ev-1", msg.EventID)
	require.NotNil(t, msg.ConnectorID)
	assert.Equal(t, 2, *msg.ConnectorID)
	assert.InDelta(t, 7.4, msg.PowerLimitKW, 1e-9)
	assert.Equal(t, "tx-9", msg.TransactionID)
	assert.Equal(t, model.ReasonLoadBalancing.String(), msg.Reason)
}

func TestAckIsCorrelatedByCommandID(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{ClientID: "id"}, nil)
	require.NoError(t, err)

	id, err := cli.SendPowerLimit(model.PowerDistributionCommand{EventID: "e", StationID: "cs-1", PowerLimitKW: 11})
	require.NoError(t, err)

	cli.onAck(nil, mockMessage{topic: "station/cs-1/power-limit/ack", p: []byte(`{"command_id":"other","status":"Accepted"}`)})
	cli.onAck(nil, mockMessage{topic: "station/cs-1/power-limit/ack", p: []byte(`{"command_id":"` + id + `","status":"Rejected"}`)})

	st, err := cli.WaitForAck(context.Background(), id, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, model.AckRejected, st)

	_, err = cli.WaitForAck(context.Background(), id, time.Millisecond)
	assert.Error(t, err, "a consumed command is forgotten")
}

func TestWaitForAckTimeoutAndCancel(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{ClientID: "id"}, nil)
	require.NoError(t, err)

	id, err := cli.SendPowerLimit(model.PowerDistributionCommand{EventID: "e", StationID: "cs-1", PowerLimitKW: 1})
	require.NoError(t, err)
	_, err = cli.WaitForAck(context.Background(), id, time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrAckTimeout)

	id, err = cli.SendPowerLimit(model.PowerDistributionCommand{EventID: "e2", StationID: "cs-1", PowerLimitKW: 1})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cli.WaitForAck(ctx, id, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublishRetry(t *testing.T) {
	mc := &mockClient{publishErrs: []error{errors.New("net fail"), nil}}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{ClientID: "id", MaxRetries: 1, BackoffMS: 1}, nil)
	require.NoError(t, err)
	_, err = cli.SendPowerLimit(model.PowerDistributionCommand{EventID: "e", StationID: "cs-1", PowerLimitKW: 1})
	require.NoError(t, err)
	assert.Len(t, mc.published, 2)

	mc.publishErrs = []error{errors.New("a"), errors.New("b")}
	_, err = cli.SendPowerLimit(model.PowerDistributionCommand{EventID: "e", StationID: "cs-1", PowerLimitKW: 1})
	assert.Error(t, err)
	assert.Empty(t, cli.acks)
}

func TestPublishGivesUpAfterMaxRetries(t *testing.T) {
	last := errors.New("broker gone")
	mc := &mockClient{publishErrs: []error{errors.New("a"), errors.New("b"), last, nil}}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{ClientID: "id", MaxRetries: 2, BackoffMS: 1}, nil)
	require.NoError(t, err)

	_, err = cli.SendPowerLimit(model.PowerDistributionCommand{EventID: "e", StationID: "cs-1", PowerLimitKW: 1})
	assert.ErrorIs(t, err, last)
	assert.Len(t, mc.published, 3, "one attempt plus two retries")
	assert.Len(t, mc.publishErrs, 1)
	assert.Empty(t, cli.acks)
}

func TestSendWhileDisconnected(t *testing.T) {
	mc := &mockClient{disconnected: true}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{ClientID: "id"}, nil)
	require.NoError(t, err)
	_, err = cli.SendPowerLimit(model.PowerDistributionCommand{EventID: "e", StationID: "cs-1"})
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestSubscriptionsRestoredOnReconnect(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	cli, err := NewPahoClient(Config{ClientID: "id"}, nil)
	require.NoError(t, err)
	require.NoError(t, cli.Subscribe("station/+/meter", 0, func(paho.Client, paho.Message) {}))
	require.Len(t, mc.subscribed, 2)

	mc.opts.OnConnect(mc)
	assert.Len(t, mc.subscribed, 4)
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type subscribed struct {
	topic   string
	qos     byte
	handler paho.MessageHandler
}

// mockClient implements paho.Client for tests.
type mockClient struct {
	mu           sync.Mutex
	opts         *paho.ClientOptions
	subscribed   []subscribed
	published    []published
	publishErrs  []error
	disconnected bool
}

func (m *mockClient) IsConnected() bool { return !m.disconnected }
func (m *mockClient) Connect() paho.Token {
	if m.opts != nil && m.opts.OnConnect != nil {
		m.opts.OnConnect(m)
	}
	return &dummyToken{}
}
func (m *mockClient) Disconnect(uint) {}
func (m *mockClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, _ := payload.([]byte)
	m.published = append(m.published, published{topic, qos, b})
	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		return &dummyToken{err: err}
	}
	return &dummyToken{}
}
func (m *mockClient) Subscribe(topic string, qos byte, h paho.MessageHandler) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = append(m.subscribed, subscribed{topic, qos, h})
	return &dummyToken{}
}
func (m *mockClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &dummyToken{}
}
func (m *mockClient) Unsubscribe(...string) paho.Token        { return &dummyToken{} }
func (m *mockClient) AddRoute(string, paho.MessageHandler)    {}
func (m *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (m *mockClient) IsConnectionOpen() bool                  { return !m.disconnected }

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }

type mockMessage struct {
	topic string
	p     []byte
}

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return m.topic }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.p }
func (m mockMessage) Ack()              {}
