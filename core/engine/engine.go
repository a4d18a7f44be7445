// Package engine runs the reactive allocation loop. Inbound session,
// telemetry, topology and override events update the owned state and trigger
// a recompute of the affected group; a periodic tick sweeps expired overrides
// and temporary limits and reallocates every group so that profile window
// boundaries take effect.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/smartcharge/core/allocation"
	"github.com/kilianp07/smartcharge/core/demand"
	"github.com/kilianp07/smartcharge/core/dispatch"
	"github.com/kilianp07/smartcharge/core/events"
	"github.com/kilianp07/smartcharge/core/logger"
	"github.com/kilianp07/smartcharge/core/metrics"
	"github.com/kilianp07/smartcharge/core/model"
	"github.com/kilianp07/smartcharge/core/override"
	"github.com/kilianp07/smartcharge/core/profile"
	"github.com/kilianp07/smartcharge/core/topology"
	"github.com/kilianp07/smartcharge/core/transport"
	"github.com/kilianp07/smartcharge/internal/eventbus"
)

// Engine wires the state components to the allocator and the dispatcher.
// It also implements dispatch.Listener to react to command outcomes.
type Engine struct {
	cfg       Config
	topo      *topology.Registry
	profiles  *profile.Store
	demand    *demand.Tracker
	overrides *override.Manager
	disp      *dispatch.Dispatcher
	bus       *eventbus.TypedBus[events.Event]
	sink      metrics.MetricsSink
	log       logger.Logger
	now       func() time.Time

	dispatchOpts []dispatch.Option

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	pinMu  sync.Mutex
	pinned map[model.Scope]float64

	lastMu sync.RWMutex
	last   map[string]GroupResult

	trigMu   sync.Mutex
	trigKeys map[string]bool
	trigAll  bool
	wake     chan struct{}

	// afterAllocate runs between allocation and commit. Tests use it to
	// change inputs mid-cycle.
	afterAllocate func(key string)
}

// GroupResult is the last committed cycle of a group.
type GroupResult struct {
	Result allocation.Result
	At     time.Time
}

// GroupStatus describes a group and its last committed allocation.
type GroupStatus struct {
	Key      string
	Group    model.ChargingGroup
	Stations []model.ChargingStation
	Targets  map[model.Scope]float64
	Flags    map[model.Scope]allocation.Flag
	At       time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger of the engine and of the components it creates.
func WithLogger(l logger.Logger) Option { return func(e *Engine) { e.log = logger.OrNop(l) } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithBus publishes engine events on bus.
func WithBus(bus *eventbus.TypedBus[events.Event]) Option { return func(e *Engine) { e.bus = bus } }

// WithMetricsSink records cycles and command outcomes on s.
func WithMetricsSink(s metrics.MetricsSink) Option { return func(e *Engine) { e.sink = s } }

// WithRegistry uses an existing topology registry.
func WithRegistry(r *topology.Registry) Option { return func(e *Engine) { e.topo = r } }

// WithProfileStore uses an existing profile store.
func WithProfileStore(s *profile.Store) Option { return func(e *Engine) { e.profiles = s } }

// WithDispatchOptions passes extra options (ack store, audit store) to the dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(e *Engine) { e.dispatchOpts = append(e.dispatchOpts, opts...) }
}

// New creates an Engine sending commands through client.
func New(cfg Config, client transport.Client, opts ...Option) (*Engine, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		log:      logger.Nop{},
		now:      time.Now,
		sink:     metrics.NopSink{},
		locks:    make(map[string]*sync.Mutex),
		pinned:   make(map[model.Scope]float64),
		last:     make(map[string]GroupResult),
		trigKeys: make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(e)
	}
	if e.topo == nil {
		e.topo = topology.NewRegistry()
	}
	if e.profiles == nil {
		e.profiles = profile.NewStore()
	}
	if e.bus == nil {
		e.bus = eventbus.NewTyped[events.Event]()
	}
	e.demand = demand.NewTracker()
	e.overrides = override.NewManager(override.WithClock(e.now), override.WithLogger(e.log))

	dopts := append([]dispatch.Option{
		dispatch.WithLogger(e.log),
		dispatch.WithListener(e),
		dispatch.WithClock(e.now),
	}, e.dispatchOpts...)
	d, err := dispatch.New(cfg.Dispatch, client, dopts...)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.disp = d
	e.topo.OnChange(e.Trigger)
	return e, nil
}

// Topology returns the registry owned by the engine.
func (e *Engine) Topology() *topology.Registry { return e.topo }

// Profiles returns the profile store.
func (e *Engine) Profiles() *profile.Store { return e.profiles }

// Demand returns the demand tracker.
func (e *Engine) Demand() *demand.Tracker { return e.demand }

// Overrides returns the override manager.
func (e *Engine) Overrides() *override.Manager { return e.overrides }

// Dispatcher returns the command dispatcher.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.disp }

// Bus returns the event bus.
func (e *Engine) Bus() *eventbus.TypedBus[events.Event] { return e.bus }

// SessionStarted records a new charging session. Sessions on disabled
// stations are refused.
func (e *Engine) SessionStarted(stationID string, connectorID int, requestedKW float64, transactionID string) error {
	s, ok := e.topo.Station(stationID)
	if !ok {
		return fmt.Errorf("session start on %s: %w", stationID, model.ErrUnknownStation)
	}
	if !s.Enabled {
		return fmt.Errorf("session start on %s: %w", stationID, model.ErrStationDisabled)
	}
	if connectorID <= 0 {
		return &model.ConfigurationError{Field: "connector_id", Reason: "must be positive"}
	}
	e.stationAlive(stationID)
	scope := model.ConnectorScope(stationID, connectorID)
	e.unpin(scope)
	e.demand.SessionStarted(stationID, connectorID, requestedKW, transactionID, e.now())
	e.log.Debugw("session started", map[string]any{"scope": scope.String(), "requested_kw": requestedKW, "transaction_id": transactionID})
	e.Trigger(topology.GroupKey(s))
	return nil
}

// SessionEnded removes a session. It reports whether one was active.
func (e *Engine) SessionEnded(stationID string, connectorID int) bool {
	e.stationAlive(stationID)
	scope := model.ConnectorScope(stationID, connectorID)
	e.unpin(scope)
	if !e.demand.SessionEnded(stationID, connectorID) {
		return false
	}
	e.log.Debugw("session ended", map[string]any{"scope": scope.String()})
	e.triggerStation(stationID)
	return true
}

// MeterValue records live draw. It does not trigger a recompute on its own.
func (e *Engine) MeterValue(stationID string, connectorID int, currentKW float64) bool {
	e.stationAlive(stationID)
	return e.demand.MeterValue(stationID, connectorID, currentKW)
}

// UpdateRequested changes the announced rate of an active session.
func (e *Engine) UpdateRequested(stationID string, connectorID int, requestedKW float64) bool {
	if !e.demand.UpdateRequested(stationID, connectorID, requestedKW) {
		return false
	}
	e.triggerStation(stationID)
	return true
}

// CreateOverride validates and registers an override and triggers a
// recompute of its group. Nothing changes when an error is returned.
func (e *Engine) CreateOverride(req override.Request) (model.Override, error) {
	s, ok := e.topo.Station(req.Scope.StationID)
	if !ok {
		return model.Override{}, &model.InvalidOverrideError{Reason: "unknown station " + req.Scope.StationID}
	}
	if req.PowerLimitKW > s.MaxPowerKW {
		e.log.Warnf("engine: override for %s asks %.2f kW above station maximum %.2f kW, it will be clamped", req.Scope, req.PowerLimitKW, s.MaxPowerKW)
	}
	o, superseded, err := e.overrides.Create(req)
	if err != nil {
		return model.Override{}, err
	}
	for _, old := range superseded {
		e.log.Infof("engine: override %s superseded by %s", old.ID, o.ID)
	}
	e.Trigger(topology.GroupKey(s))
	return o, nil
}

// ClearOverride removes an override before its expiry.
func (e *Engine) ClearOverride(id string) bool {
	o, ok := e.overrides.Clear(id)
	if !ok {
		return false
	}
	e.triggerStation(o.Scope.StationID)
	return true
}

// ApplyTopology installs a complete configuration from the topology
// collaborator. Profiles are validated before anything is replaced, so a
// rejected snapshot leaves the previous configuration in force.
func (e *Engine) ApplyTopology(snap topology.Snapshot) error {
	if err := profile.NewStore().Load(snap.Profiles); err != nil {
		return err
	}
	before := make(map[string]bool)
	for _, key := range e.topo.Keys() {
		if v, ok := e.topo.Snapshot(key); ok {
			for _, s := range v.Stations {
				before[s.ID] = true
			}
		}
	}
	if err := e.topo.Replace(snap.Groups, snap.Stations); err != nil {
		return err
	}
	if err := e.profiles.Load(snap.Profiles); err != nil {
		return err
	}
	kept := make(map[string]bool, len(snap.Stations))
	for _, s := range snap.Stations {
		kept[s.ID] = true
		if !s.Enabled {
			e.disp.CancelStation(s.ID)
		}
	}
	for id := range before {
		if !kept[id] {
			e.disp.CancelStation(id)
		}
	}
	e.log.Infof("engine: topology applied: %d groups, %d stations, %d profiles", len(snap.Groups), len(snap.Stations), len(snap.Profiles))
	e.Trigger("")
	return nil
}

// StationChanged applies a single station update. A disabled station has
// its pending commands cancelled.
func (e *Engine) StationChanged(s model.ChargingStation) error {
	if err := e.topo.UpsertStation(s); err != nil {
		return err
	}
	if !s.Enabled {
		e.disp.CancelStation(s.ID)
	}
	return nil
}

// RemoveStation drops a station and cancels its commands.
func (e *Engine) RemoveStation(id string) error {
	s, ok := e.topo.Station(id)
	if !ok {
		return model.ErrUnknownStation
	}
	e.disp.CancelStation(id)
	if err := e.topo.RemoveStation(id); err != nil {
		return err
	}
	e.forget(topology.GroupKey(s))
	return nil
}

// Trigger schedules a recompute of a group; an empty key schedules every
// group. Triggers are coalesced and never block.
func (e *Engine) Trigger(key string) {
	e.trigMu.Lock()
	if key == "" {
		e.trigAll = true
	} else {
		e.trigKeys[key] = true
	}
	e.trigMu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) triggerStation(stationID string) {
	if s, ok := e.topo.Station(stationID); ok {
		e.Trigger(topology.GroupKey(s))
	}
}

// drainTriggers returns the pending keys, or all=true when every group must
// be recomputed.
func (e *Engine) drainTriggers() (keys []string, all bool) {
	e.trigMu.Lock()
	defer e.trigMu.Unlock()
	all = e.trigAll
	for k := range e.trigKeys {
		keys = append(keys, k)
	}
	e.trigAll = false
	e.trigKeys = make(map[string]bool)
	return keys, all
}

// GroupStatus returns the current state and last allocation of a group.
func (e *Engine) GroupStatus(key string) (GroupStatus, bool) {
	v, ok := e.topo.Snapshot(key)
	if !ok {
		return GroupStatus{}, false
	}
	st := GroupStatus{Key: key, Group: v.Group, Stations: v.Stations}
	e.lastMu.RLock()
	if r, ok := e.last[key]; ok {
		st.Targets = r.Result.Targets
		st.Flags = r.Result.Flags
		st.At = r.At
	}
	e.lastMu.RUnlock()
	return st, true
}

// Close stops the dispatcher.
func (e *Engine) Close() error {
	return e.disp.Close()
}

func (e *Engine) groupLock(key string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

func (e *Engine) forget(key string) {
	e.lastMu.Lock()
	delete(e.last, key)
	e.lastMu.Unlock()
}

func (e *Engine) pin(scope model.Scope, kw float64) {
	e.pinMu.Lock()
	e.pinned[scope] = kw
	e.pinMu.Unlock()
}

func (e *Engine) unpin(scope model.Scope) {
	e.pinMu.Lock()
	_, ok := e.pinned[scope]
	delete(e.pinned, scope)
	e.pinMu.Unlock()
	if ok {
		e.disp.Release(scope)
	}
}

func (e *Engine) pinsFor(stations []model.ChargingStation) map[model.Scope]float64 {
	ids := make(map[string]bool, len(stations))
	for _, s := range stations {
		ids[s.ID] = true
	}
	e.pinMu.Lock()
	defer e.pinMu.Unlock()
	out := make(map[model.Scope]float64)
	for scope, kw := range e.pinned {
		if ids[scope.StationID] {
			out[scope] = kw
		}
	}
	return out
}

// stationAlive handles telemetry from a station the dispatcher gave up on:
// the station is reachable again and rejoins allocation.
func (e *Engine) stationAlive(stationID string) {
	s, ok := e.topo.Station(stationID)
	if !ok || (s.Reachable && !e.disp.Unreachable(stationID)) {
		return
	}
	e.disp.Reset(stationID)
	e.pinMu.Lock()
	for scope := range e.pinned {
		if scope.StationID == stationID {
			delete(e.pinned, scope)
		}
	}
	e.pinMu.Unlock()
	if err := e.topo.SetReachable(stationID, true); err != nil {
		e.log.Warnf("engine: mark %s reachable: %v", stationID, err)
		return
	}
	e.log.Infof("engine: station %s reachable again", stationID)
	at := e.now()
	e.bus.Publish(events.StationEvent{StationID: stationID, Reachable: true, Reason: "telemetry", At: at})
	if r, ok := e.sink.(metrics.StationRecorder); ok {
		if err := r.RecordStation(metrics.StationEvent{StationID: stationID, Reachable: true, Time: at}); err != nil {
			e.log.Warnf("engine: record station: %v", err)
		}
	}
}
