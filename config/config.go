// Package config loads the service configuration from a YAML or JSON file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/smartcharge/core/dispatch"
	"github.com/kilianp07/smartcharge/core/engine"
	"github.com/kilianp07/smartcharge/core/factory"
	"github.com/kilianp07/smartcharge/core/metrics"
	"github.com/kilianp07/smartcharge/infra/logger"
	"github.com/kilianp07/smartcharge/infra/mqtt"
	"github.com/kilianp07/smartcharge/infra/redis"
	"github.com/kilianp07/smartcharge/simulator"
)

// EnvPrefix marks environment overrides. SC_MQTT__BROKER sets mqtt.broker.
const EnvPrefix = "SC_"

type Config struct {
	Engine    engine.Config        `json:"engine"`
	Dispatch  dispatch.Config      `json:"dispatch"`
	MQTT      mqtt.Config          `json:"mqtt"`
	Metrics   metrics.Config       `json:"metrics"`
	Audit     factory.ModuleConfig `json:"audit"`
	Topology  TopologyConfig       `json:"topology"`
	Redis     redis.Config         `json:"redis"`
	Notify    NotifyConfig         `json:"notify"`
	API       APIConfig            `json:"api"`
	Logging   logger.Config        `json:"logging"`
	Simulator simulator.Config     `json:"simulator"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	return Config{
		Dispatch: dispatch.Config{MaxRetries: 3},
		Audit:    factory.ModuleConfig{Type: "jsonl"},
	}
}

// Load reads path, applies SC_ environment overrides, fills defaults and
// validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}
	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// SetDefaults fills every section. The top-level dispatch section is the
// one the engine runs with.
func (c *Config) SetDefaults() {
	c.Dispatch.SetDefaults()
	c.Engine.Dispatch = c.Dispatch
	c.Engine.SetDefaults()
	c.MQTT.SetDefaults()
	c.Metrics.SetDefaults()
	c.Topology.SetDefaults()
	c.Redis.SetDefaults()
	c.Notify.SetDefaults()
	c.Logging.SetDefaults()
	c.Simulator.SetDefaults()
}

// Validate reports every invalid section at once.
func (c Config) Validate() error {
	return errors.Join(
		c.Engine.Validate(),
		c.Topology.Validate(),
		c.Notify.Validate(),
		validateAudit(c.Audit),
		c.Simulator.Validate(),
	)
}
