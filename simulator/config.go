package simulator

import (
	"fmt"
	"time"
)

// Config holds the simulator parameters.
type Config struct {
	Broker        string        `json:"broker"`
	AckLatency    time.Duration `json:"ack_latency"`
	DropRate      float64       `json:"drop_rate"`
	RejectAboveKW float64       `json:"reject_above_kw"`
	MeterInterval time.Duration `json:"meter_interval"`
	Seed          int64         `json:"seed"`
}

func (c *Config) SetDefaults() {
	if c.Broker == "" {
		c.Broker = "tcp://localhost:1883"
	}
	if c.MeterInterval <= 0 {
		c.MeterInterval = 10 * time.Second
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("drop rate must be in [0,1], got %v", c.DropRate)
	}
	if c.AckLatency < 0 {
		return fmt.Errorf("ack latency must be >= 0")
	}
	if c.RejectAboveKW < 0 {
		return fmt.Errorf("reject_above_kw must be >= 0")
	}
	return nil
}

// Strategy builds the ack strategy described by c.
func (c Config) Strategy() AckStrategy {
	var s AckStrategy = AutoAck{Delay: c.AckLatency}
	if c.DropRate > 0 {
		s = NewRandomAck(c.AckLatency, c.DropRate, c.Seed)
	}
	if c.RejectAboveKW > 0 {
		s = RejectAbove{LimitKW: c.RejectAboveKW, Next: s}
	}
	return s
}
