// Package override registers externally requested power limits and expires
// them on a periodic sweep.
package override

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/smartcharge/core/logger"
	"github.com/kilianp07/smartcharge/core/model"
)

// Request is an inbound create-override call.
type Request struct {
	Scope        model.Scope            `json:"scope"`
	PowerLimitKW float64                `json:"power_limit_kw"`
	Reason       model.AdjustmentReason `json:"reason"`
	Priority     int                    `json:"priority"`
	// ValidUntil zero registers a persistent override.
	ValidUntil time.Time `json:"valid_until,omitempty"`
}

// Manager holds active overrides. It has no timers: expiry happens in Sweep.
type Manager struct {
	mu     sync.Mutex
	active map[string]model.Override
	now    func() time.Time
	log    logger.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(m *Manager) { m.log = logger.OrNop(l) } }

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{active: make(map[string]model.Override), now: time.Now, log: logger.Nop{}}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create validates and registers an override. An active override of the same
// priority on the same scope is superseded by the new one and returned so the
// caller can audit it. Nothing changes when validation fails.
func (m *Manager) Create(req Request) (model.Override, []model.Override, error) {
	now := m.now()
	if err := validate(req, now); err != nil {
		return model.Override{}, nil, err
	}
	o := model.Override{
		ID:           uuid.NewString(),
		Scope:        req.Scope,
		PowerLimitKW: req.PowerLimitKW,
		Reason:       req.Reason,
		Priority:     req.Priority,
		ValidUntil:   req.ValidUntil,
		CreatedAt:    now,
	}

	m.mu.Lock()
	var superseded []model.Override
	for id, prev := range m.active {
		if prev.Scope == o.Scope && prev.Priority == o.Priority {
			prev.SupersededBy = o.ID
			superseded = append(superseded, prev)
			delete(m.active, id)
		}
	}
	m.active[o.ID] = o
	m.mu.Unlock()

	for _, s := range superseded {
		m.log.Infow("override superseded", map[string]any{"override_id": s.ID, "superseded_by": o.ID, "scope": s.Scope.String()})
	}
	return o, superseded, nil
}

func validate(req Request, now time.Time) error {
	switch {
	case req.Scope.StationID == "":
		return &model.InvalidOverrideError{Reason: "station id is required"}
	case req.Scope.ConnectorID < 0:
		return &model.InvalidOverrideError{Reason: "connector id must not be negative"}
	case req.PowerLimitKW < 0 || math.IsNaN(req.PowerLimitKW) || math.IsInf(req.PowerLimitKW, 0):
		return &model.InvalidOverrideError{Reason: "power limit must be a non-negative number"}
	case !req.ValidUntil.IsZero() && !req.ValidUntil.After(now):
		return &model.InvalidOverrideError{Reason: "valid_until is in the past"}
	}
	return nil
}

// Clear removes an override before its expiry.
func (m *Manager) Clear(id string) (model.Override, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	return o, ok
}

// Get returns a registered override.
func (m *Manager) Get(id string) (model.Override, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.active[id]
	return o, ok
}

// Active returns overrides in effect at now, highest priority first.
func (m *Manager) Active(now time.Time) []model.Override {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterLocked(func(o model.Override) bool { return o.ActiveAt(now) })
}

// ForStation returns the overrides in effect at now on any scope of a station.
func (m *Manager) ForStation(stationID string, now time.Time) []model.Override {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterLocked(func(o model.Override) bool {
		return o.Scope.StationID == stationID && o.ActiveAt(now)
	})
}

// Sweep removes overrides that have expired at now and returns them.
func (m *Manager) Sweep(now time.Time) []model.Override {
	m.mu.Lock()
	expired := m.filterLocked(func(o model.Override) bool { return !o.ActiveAt(now) })
	for _, o := range expired {
		delete(m.active, o.ID)
	}
	m.mu.Unlock()
	for _, o := range expired {
		m.log.Infow("override expired", map[string]any{"override_id": o.ID, "scope": o.Scope.String()})
	}
	return expired
}

// NextExpiry returns the earliest expiry among active overrides.
func (m *Manager) NextExpiry() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next time.Time
	for _, o := range m.active {
		if o.Persistent() {
			continue
		}
		if next.IsZero() || o.ValidUntil.Before(next) {
			next = o.ValidUntil
		}
	}
	return next, !next.IsZero()
}

func (m *Manager) filterLocked(keep func(model.Override) bool) []model.Override {
	var out []model.Override
	for _, o := range m.active {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
