package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := write(t, "config.yaml", `engine:
  tick_interval: 15s
  base_priority: 1
dispatch:
  ack_timeout: 10s
  max_retries: 2
mqtt:
  broker: "tcp://broker:1883"
  client_id: "cli"
  use_tls: false
metrics:
  listen: ":9100"
  sinks:
    - type: "nop"
audit:
  type: sqlite
  conf:
    path: /tmp/audit.db
topology:
  source: postgres
  dsn: postgres://sc@db/sc
redis:
  addr: "redis:6379"
notify:
  ws_path: /ws
api:
  token: secret
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, 1, cfg.Engine.BasePriority)
	assert.Equal(t, 10*time.Second, cfg.Engine.Dispatch.AckTimeout)
	assert.Equal(t, 2, cfg.Engine.Dispatch.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.Dispatch.RetryInitial)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "cli", cfg.MQTT.ClientID)
	assert.Equal(t, "station/%s/power-limit", cfg.MQTT.CommandTopic)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
	require.Len(t, cfg.Metrics.Sinks, 1)
	assert.Equal(t, "nop", cfg.Metrics.Sinks[0].Type)
	assert.Equal(t, "sqlite", cfg.Audit.Type)
	assert.Equal(t, "/tmp/audit.db", cfg.Audit.Conf["path"])
	assert.Equal(t, "postgres", cfg.Topology.Source)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "smartcharge:acked", cfg.Redis.Key)
	assert.Equal(t, "/ws", cfg.Notify.WSPath)
	assert.True(t, cfg.Notify.MQTTEnabled())
	assert.Equal(t, "secret", cfg.API.Token)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(write(t, "config.json", `{}`))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.Engine.Dispatch.AckTimeout)
	assert.Equal(t, 3, cfg.Engine.Dispatch.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Engine.Dispatch.RetryMax)
	assert.Equal(t, "jsonl", cfg.Audit.Type)
	assert.Equal(t, "file", cfg.Topology.Source)
	assert.Equal(t, "topology.yaml", cfg.Topology.File)
	assert.Equal(t, "prometheus", cfg.Metrics.Sinks[0].Type)
	assert.Equal(t, 5*time.Second, cfg.Notify.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SC_MQTT__BROKER", "tcp://env:1883")
	t.Setenv("SC_TOPOLOGY__FILE", "/etc/sc/topology.yaml")
	cfg, err := Load(write(t, "config.yaml", "mqtt:\n  broker: tcp://file:1883\n"))
	require.NoError(t, err)
	assert.Equal(t, "tcp://env:1883", cfg.MQTT.Broker)
	assert.Equal(t, "/etc/sc/topology.yaml", cfg.Topology.File)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(write(t, "config.toml", ""))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	cases := map[string]string{
		"source":    "topology:\n  source: etcd\n",
		"dsn":       "topology:\n  source: postgres\n",
		"audit":     "audit:\n  type: kafka\n",
		"ws path":   "notify:\n  ws_path: ws\n",
		"retry":     "dispatch:\n  retry_initial: 20s\n  retry_max: 1s\n",
		"drop rate": "simulator:\n  drop_rate: 2\n",
		"parallel":  "engine:\n  parallelism: -1\n",
	}
	for name, data := range cases {
		_, err := Load(write(t, "config.yaml", data))
		assert.Error(t, err, name)
	}
}
