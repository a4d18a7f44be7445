package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/smartcharge/core/allocation"
	"github.com/kilianp07/smartcharge/core/dispatch"
	"github.com/kilianp07/smartcharge/core/events"
	"github.com/kilianp07/smartcharge/core/metrics"
	"github.com/kilianp07/smartcharge/core/model"
	"github.com/kilianp07/smartcharge/core/profile"
	"github.com/kilianp07/smartcharge/core/topology"
)

// inputs is the snapshot one cycle works on, with the versions it was read at.
type inputs struct {
	view     topology.GroupView
	in       allocation.Input
	sessions map[model.Scope]model.ConnectorDemand
	versions map[string]uint64
}

// RecomputeGroup runs one allocation cycle for a group and submits the
// changed limits. A cycle whose inputs change while it computes is discarded
// and retried once; a second failure returns a *model.StaleStateError and
// nothing is applied.
func (e *Engine) RecomputeGroup(ctx context.Context, key string) (allocation.Result, error) {
	lock := e.groupLock(key)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return allocation.Result{}, err
		}
		res, err := e.cycle(key)
		if errors.Is(err, model.ErrStaleState) {
			staleCycles.Inc()
			e.log.Debugf("engine: %v, retrying", err)
			continue
		}
		return res, err
	}
	cyclesTotal.WithLabelValues("stale").Inc()
	return allocation.Result{}, &model.StaleStateError{GroupKey: key}
}

func (e *Engine) cycle(key string) (allocation.Result, error) {
	start := time.Now()
	snap, ok := e.read(key)
	if !ok {
		e.forget(key)
		return allocation.Result{}, nil
	}
	res := allocation.Allocate(snap.in)
	if e.afterAllocate != nil {
		e.afterAllocate(key)
	}
	if !e.unchanged(snap) {
		return allocation.Result{}, &model.StaleStateError{GroupKey: key}
	}

	cmds := e.disp.Apply(e.targets(res, snap.sessions), res.Managed)
	e.commit(key, snap, res, len(cmds), time.Since(start))
	return res, nil
}

// read takes a consistent copy of every allocation input of a group.
func (e *Engine) read(key string) (inputs, bool) {
	view, ok := e.topo.Snapshot(key)
	if !ok {
		return inputs{}, false
	}
	at := e.now()
	s := inputs{
		view:     view,
		sessions: make(map[model.Scope]model.ConnectorDemand),
		versions: make(map[string]uint64, len(view.Stations)),
		in: allocation.Input{
			Group:        view.Group,
			Stations:     view.Stations,
			Demand:       make(map[string][]model.ConnectorDemand, len(view.Stations)),
			Limits:       make(map[string]profile.Limit),
			Pinned:       e.pinsFor(view.Stations),
			BasePriority: e.cfg.BasePriority,
			At:           at,
		},
	}
	for _, st := range view.Stations {
		s.versions[st.ID] = e.demand.Version(st.ID)
		ds := e.demand.ActiveDemand(st.ID)
		s.in.Demand[st.ID] = ds
		for _, d := range ds {
			s.sessions[d.Scope()] = d
		}
		if lim, ok := e.profiles.ResolveLimit(profile.Target{StationID: st.ID, GroupID: st.GroupID}, at); ok {
			s.in.Limits[st.ID] = lim
		}
		s.in.Overrides = append(s.in.Overrides, e.overrides.ForStation(st.ID, at)...)
	}
	if _, ungrouped := topology.UngroupedStation(key); !ungrouped {
		s.in.GroupLimit, s.in.HasGroupLimit = e.profiles.ResolveGroup(view.Group.ID, at)
	}
	return s, true
}

func (e *Engine) unchanged(s inputs) bool {
	if e.topo.Version(s.view.Key) != s.view.Version {
		return false
	}
	for id, v := range s.versions {
		if e.demand.Version(id) != v {
			return false
		}
	}
	return true
}

func (e *Engine) targets(res allocation.Result, sessions map[model.Scope]model.ConnectorDemand) []dispatch.Target {
	out := make([]dispatch.Target, 0, len(res.Targets))
	for _, scope := range res.Scopes() {
		o := res.Origins[scope]
		prio := o.Priority
		if o.OverrideID == "" {
			prio = e.cfg.BasePriority
		}
		out = append(out, dispatch.Target{
			Scope:           scope,
			KW:              res.Targets[scope],
			Reason:          o.Reason,
			Priority:        prio,
			Temporary:       o.Temporary,
			DurationSeconds: o.DurationSeconds,
			TransactionID:   sessions[scope].TransactionID,
		})
	}
	return out
}

func (e *Engine) commit(key string, s inputs, res allocation.Result, commands int, took time.Duration) {
	e.topo.RecordPower(key, res.TotalKW, res.StationKW)
	e.lastMu.Lock()
	e.last[key] = GroupResult{Result: res, At: s.in.At}
	e.lastMu.Unlock()

	strategy := s.view.Group.Strategy.String()
	cycleDuration.WithLabelValues(strategy).Observe(took.Seconds())
	cyclesTotal.WithLabelValues("applied").Inc()
	capacityExceeded.WithLabelValues(key).Set(float64(len(res.Exceeded)))
	groupPower.WithLabelValues(key).Set(res.TotalKW)

	exceeded := make([]string, 0, len(res.Exceeded))
	for _, x := range res.Exceeded {
		e.log.Warnf("engine: %v", x)
		exceeded = append(exceeded, x.Scope.String())
	}
	targets := make(map[string]float64, len(res.Targets))
	for scope, kw := range res.Targets {
		targets[scope.String()] = kw
	}
	e.log.Debugw("allocation cycle", map[string]any{
		"group": key, "strategy": strategy, "targets": targets, "total_kw": res.TotalKW,
		"commands": commands, "duration": took.String(),
	})
	e.bus.Publish(events.AllocationEvent{
		GroupKey: key, Targets: targets, TotalKW: res.TotalKW, Exceeded: exceeded, Commands: commands, At: s.in.At,
	})
	if err := e.sink.RecordAllocation(metrics.AllocationEvent{
		GroupKey:   key,
		Strategy:   strategy,
		CapacityKW: s.view.Group.MaxPowerKW,
		TotalKW:    res.TotalKW,
		Connectors: len(res.Targets),
		Exceeded:   len(res.Exceeded),
		Commands:   commands,
		Duration:   took,
		Time:       s.in.At,
	}); err != nil {
		e.log.Warnf("engine: record allocation for %s: %v", key, err)
	}
}

// RecomputeAll recomputes every group concurrently. A failing group does not
// stop the others; their errors are joined.
func (e *Engine) RecomputeAll(ctx context.Context) error {
	return e.recompute(ctx, e.topo.Keys())
}

func (e *Engine) recompute(ctx context.Context, keys []string) error {
	sort.Strings(keys)
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Parallelism > 0 {
		g.SetLimit(e.cfg.Parallelism)
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	for _, key := range keys {
		g.Go(func() error {
			if _, err := e.RecomputeGroup(gctx, key); err != nil {
				e.log.Warnf("engine: recompute %s: %v", key, err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Tick removes expired overrides and temporary limits and reallocates every
// group, which also applies profile windows that opened or closed since the
// previous tick.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.now()
	for _, o := range e.overrides.Sweep(now) {
		e.log.Infof("engine: override %s on %s expired", o.ID, o.Scope)
	}
	e.disp.SweepExpired(now)
	if next, ok := e.overrides.NextExpiry(); ok {
		e.log.Debugf("engine: next override expiry at %s", next.Format(time.RFC3339))
	}
	return e.RecomputeAll(ctx)
}

// Run recomputes every group once, then serves triggers and ticks until ctx
// is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.Trigger("")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.log.Debugf("engine: tick: %v", err)
			}
		case <-e.wake:
			keys, all := e.drainTriggers()
			if all {
				keys = e.topo.Keys()
			}
			if err := e.recompute(ctx, keys); err != nil {
				e.log.Debugf("engine: triggered recompute: %v", err)
			}
		}
	}
}
