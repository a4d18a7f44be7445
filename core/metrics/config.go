package metrics

import "github.com/kilianp07/smartcharge/core/factory"

// Config selects the metrics backends.
type Config struct {
	Sinks []factory.ModuleConfig `json:"sinks"`
	// Listen is the address of the /metrics endpoint; empty disables it.
	Listen string `json:"listen"`
}

func (c *Config) SetDefaults() {
	if len(c.Sinks) == 0 {
		c.Sinks = []factory.ModuleConfig{{Type: "prometheus"}}
	}
}
