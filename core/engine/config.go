package engine

import (
	"fmt"
	"time"

	"github.com/kilianp07/smartcharge/core/dispatch"
)

// Config tunes the recompute loop.
type Config struct {
	// TickInterval is the period of the override sweep and of the periodic
	// reallocation that picks up profile window boundaries.
	TickInterval time.Duration `json:"tick_interval"`
	// BasePriority is the priority of profile-derived limits. Overrides below
	// it are ignored.
	BasePriority int `json:"base_priority"`
	// Parallelism bounds concurrent group recomputes; 0 means one per group.
	Parallelism int             `json:"parallelism"`
	Dispatch    dispatch.Config `json:"dispatch"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	c.Dispatch.SetDefaults()
}

// Validate checks the configuration after defaults were applied.
func (c Config) Validate() error {
	if c.Parallelism < 0 {
		return fmt.Errorf("engine.parallelism must not be negative")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("engine.dispatch.max_retries must not be negative")
	}
	if c.Dispatch.RetryMax < c.Dispatch.RetryInitial {
		return fmt.Errorf("engine.dispatch.retry_max must be >= retry_initial")
	}
	return nil
}
