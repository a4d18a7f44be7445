// Package scenarios replays YAML charging scenarios against the engine with
// scripted station behaviour.
package scenarios

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/smartcharge/core/model"
	"github.com/kilianp07/smartcharge/core/override"
	"github.com/kilianp07/smartcharge/infra/topofile"
)

type OverrideDef struct {
	Scope    string        `yaml:"scope"`
	PowerKW  float64       `yaml:"power_kw"`
	Reason   string        `yaml:"reason"`
	Priority int           `yaml:"priority"`
	Duration time.Duration `yaml:"duration"`
}

// Request converts the definition; a zero duration is persistent.
func (o OverrideDef) Request(at time.Time) (override.Request, error) {
	scope, err := ParseScope(o.Scope)
	if err != nil {
		return override.Request{}, err
	}
	reason := model.ReasonUserRequest
	if o.Reason != "" {
		r, ok := model.ParseReason(o.Reason)
		if !ok {
			return override.Request{}, fmt.Errorf("unknown reason %q", o.Reason)
		}
		reason = r
	}
	req := override.Request{Scope: scope, PowerLimitKW: o.PowerKW, Reason: reason, Priority: o.Priority}
	if o.Duration > 0 {
		req.ValidUntil = at.Add(o.Duration)
	}
	return req, nil
}

type Expected struct {
	// Targets maps "station" or "station/connector" to kW.
	Targets     map[string]float64 `yaml:"targets"`
	Exceeded    []string           `yaml:"exceeded"`
	Rejected    []string           `yaml:"rejected"`
	Unreachable []string           `yaml:"unreachable"`
	// Commands is the number of commands sent, when set.
	Commands *int `yaml:"commands"`
}

type Scenario struct {
	Name              string    `yaml:"name"`
	Description       string    `yaml:"description,omitempty"`
	At                time.Time `yaml:"at"`
	topofile.Document `yaml:",inline"`
	Overrides         []OverrideDef `yaml:"overrides"`
	// Reject lists stations answering NotSupported; Silent lists stations
	// that never answer.
	Reject     []string `yaml:"reject"`
	Silent     []string `yaml:"silent"`
	MaxRetries int      `yaml:"max_retries"`
	Expected   Expected `yaml:"expected"`
}

func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if sc.At.IsZero() {
		sc.At = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	}
	return &sc, nil
}

// ParseScope reads "cs-1" or "cs-1/2".
func ParseScope(s string) (model.Scope, error) {
	id, conn, found := strings.Cut(strings.TrimSpace(s), "/")
	if id == "" {
		return model.Scope{}, fmt.Errorf("empty scope")
	}
	if !found {
		return model.StationScope(id), nil
	}
	c, err := strconv.Atoi(conn)
	if err != nil || c < 0 {
		return model.Scope{}, fmt.Errorf("bad connector in scope %q", s)
	}
	return model.ConnectorScope(id, c), nil
}
