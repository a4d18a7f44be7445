package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kilianp07/smartcharge/core/factory"
	"github.com/kilianp07/smartcharge/infra/audit"
)

// TopologyConfig selects where groups, stations and profiles come from.
type TopologyConfig struct {
	// Source is "file" or "postgres".
	Source string `json:"source"`
	File   string `json:"file"`
	DSN    string `json:"dsn"`
	// Migrate creates the PostgreSQL tables on start.
	Migrate bool `json:"migrate"`
	// Refresh re-reads the source periodically; zero loads once.
	Refresh time.Duration `json:"refresh"`
}

func (c *TopologyConfig) SetDefaults() {
	if c.Source == "" {
		c.Source = "file"
	}
	if c.Source == "file" && c.File == "" {
		c.File = "topology.yaml"
	}
}

func (c TopologyConfig) Validate() error {
	switch c.Source {
	case "file":
		if c.File == "" {
			return fmt.Errorf("topology.file is required")
		}
	case "postgres":
		if c.DSN == "" {
			return fmt.Errorf("topology.dsn is required for the postgres source")
		}
	default:
		return fmt.Errorf("unknown topology source %q", c.Source)
	}
	if c.Refresh < 0 {
		return fmt.Errorf("topology.refresh must not be negative")
	}
	return nil
}

// NotifyConfig controls notification delivery.
type NotifyConfig struct {
	// Timeout bounds a single notifier call.
	Timeout time.Duration `json:"timeout"`
	// MQTT publishes notifications on the mqtt notification topic.
	MQTT *bool `json:"mqtt"`
	// WSPath mounts the dashboard WebSocket next to /metrics; empty disables it.
	WSPath string `json:"ws_path"`
}

func (c *NotifyConfig) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MQTT == nil {
		on := true
		c.MQTT = &on
	}
}

func (c NotifyConfig) Validate() error {
	if c.WSPath != "" && !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("notify.ws_path must start with /")
	}
	return nil
}

// MQTTEnabled reports whether notifications go to the broker.
func (c NotifyConfig) MQTTEnabled() bool { return c.MQTT == nil || *c.MQTT }

// APIConfig protects the HTTP query endpoints.
type APIConfig struct {
	// Token is the bearer token required by /api/commands; empty allows all.
	Token string `json:"token"`
}

func validateAudit(c factory.ModuleConfig) error {
	t := strings.ToLower(c.Type)
	if t == "" || t == "none" || slices.Contains(audit.Types(), t) {
		return nil
	}
	return fmt.Errorf("unknown audit type %q", c.Type)
}
