// Package allocation computes per-connector power targets for one allocation
// unit. Allocate is a pure function of its input: it reads no clock and keeps
// no state between calls.
package allocation

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/kilianp07/smartcharge/core/model"
	"github.com/kilianp07/smartcharge/core/profile"
)

// Flag marks a scope that could not be served as requested.
type Flag int

const (
	// FlagCapacityExceeded is set when a connector with demand got less than
	// its minimum, or nothing at all.
	FlagCapacityExceeded Flag = iota + 1
)

func (f Flag) String() string {
	if f == FlagCapacityExceeded {
		return "capacity-exceeded"
	}
	return "unknown"
}

// Input is everything an allocation cycle depends on.
type Input struct {
	Group    model.ChargingGroup
	Stations []model.ChargingStation
	// Demand holds active sessions keyed by station id.
	Demand map[string][]model.ConnectorDemand
	// Limits holds the most specific profile limit resolved for each station
	// at At. Its MinKW is a per-connector floor; a station-scoped MaxKW caps
	// the station total.
	Limits map[string]profile.Limit
	// GroupLimit is the group profile in force at At. Its MaxKW caps the
	// group total.
	GroupLimit    profile.Limit
	HasGroupLimit bool
	// Overrides are the overrides active at At.
	Overrides []model.Override
	// Pinned holds scopes whose last command was refused by the station and
	// must stay at the given value.
	Pinned       map[model.Scope]float64
	BasePriority int
	At           time.Time
}

// Origin describes where a target comes from.
type Origin struct {
	Reason          model.AdjustmentReason
	Priority        int
	OverrideID      string
	Temporary       bool
	DurationSeconds int
}

// Result is the outcome of one allocation cycle.
type Result struct {
	Targets map[model.Scope]float64
	Origins map[model.Scope]Origin
	Flags   map[model.Scope]Flag
	// Exceeded details every flagged connector.
	Exceeded []*model.CapacityExceededError
	// Managed lists the stations whose limits the result fully describes.
	Managed   []string
	StationKW map[string]float64
	TotalKW   float64
}

// Scopes returns the target scopes in deterministic order.
func (r Result) Scopes() []model.Scope {
	out := make([]model.Scope, 0, len(r.Targets))
	for s := range r.Targets {
		out = append(out, s)
	}
	return model.SortScopes(out)
}

const epsilon = 1e-9

// round floors to watt precision so rounding never pushes a sum over a cap.
func round(kw float64) float64 {
	if kw <= 0 {
		return 0
	}
	return math.Floor(kw*1000+1e-6) / 1000
}

// Allocate computes the target map for one allocation unit.
func Allocate(in Input) Result {
	res := Result{
		Targets:   make(map[model.Scope]float64),
		Origins:   make(map[model.Scope]Origin),
		Flags:     make(map[model.Scope]Flag),
		StationKW: make(map[string]float64),
	}
	// an inactive group is left alone: its stations keep their limits
	if !in.Group.Active {
		return res
	}
	// stations outside smart charging keep whatever limit they last had
	for _, s := range in.Stations {
		if s.Allocatable() {
			res.Managed = append(res.Managed, s.ID)
		}
	}
	sort.Strings(res.Managed)

	b := newBudget(in)
	b.pin(in, &res)

	cands := buildCandidates(in, b)
	switch in.Group.Strategy {
	case model.PriorityWeighted:
		sortByPriority(cands)
		greedy(cands, b)
	case model.FirstComeFirstServed:
		sortByArrival(cands)
		greedy(cands, b)
	default:
		waterFill(cands, b)
	}

	for _, c := range cands {
		kw := round(c.alloc)
		scope := c.demand.Scope()
		res.Targets[scope] = kw
		res.Origins[scope] = c.origin
		if kw+epsilon < round(c.floor) || (kw <= epsilon && c.ceil > epsilon) {
			res.Flags[scope] = FlagCapacityExceeded
			required := c.floor
			if required <= 0 {
				required = c.ceil
			}
			res.Exceeded = append(res.Exceeded, &model.CapacityExceededError{Scope: scope, RequiredKW: required, AllocatedKW: kw})
		}
	}
	sort.Slice(res.Exceeded, func(i, j int) bool { return res.Exceeded[i].Scope.Less(res.Exceeded[j].Scope) })

	totals := make([]float64, 0, len(res.Targets))
	for scope, kw := range res.Targets {
		res.StationKW[scope.StationID] += kw
		totals = append(totals, kw)
	}
	res.TotalKW = floats.Sum(totals)
	return res
}

// budget tracks remaining capacity at group and station level. group and
// stations are the physical limits; groupCap and stationCap are what active
// profiles still allow. Pins only answer to the physical limits.
type budget struct {
	group      float64
	stations   map[string]float64
	groupCap   float64
	stationCap map[string]float64
	byID       map[string]model.ChargingStation
	// wide holds stations fully covered by a station-wide pin.
	wide map[string]bool
	// pinned holds connectors removed from strategy allocation.
	pinned map[model.Scope]bool
}

func newBudget(in Input) *budget {
	b := &budget{
		group:      in.Group.MaxPowerKW,
		stations:   make(map[string]float64, len(in.Stations)),
		groupCap:   math.Inf(1),
		stationCap: make(map[string]float64, len(in.Stations)),
		byID:       make(map[string]model.ChargingStation, len(in.Stations)),
		wide:       make(map[string]bool),
		pinned:     make(map[model.Scope]bool),
	}
	if in.HasGroupLimit {
		b.groupCap = in.GroupLimit.MaxKW
	}
	for _, s := range in.Stations {
		b.stations[s.ID] = s.MaxPowerKW
		b.stationCap[s.ID] = math.Inf(1)
		if lim, ok := in.Limits[s.ID]; ok && lim.StationScoped {
			b.stationCap[s.ID] = lim.MaxKW
		}
		b.byID[s.ID] = s
	}
	return b
}

// groupRoom is what the group may still draw under its physical and profile caps.
func (b *budget) groupRoom() float64 { return math.Max(0, math.Min(b.group, b.groupCap)) }

// stationRoom is the station's own remaining room, ignoring the group.
func (b *budget) stationRoom(stationID string) float64 {
	return math.Max(0, math.Min(b.stations[stationID], b.stationCap[stationID]))
}

// room returns what the station may still draw within every cap.
func (b *budget) room(stationID string) float64 {
	return math.Min(b.groupRoom(), b.stationRoom(stationID))
}

// physicalRoom ignores profile caps. Overrides mask profiles, never hardware.
func (b *budget) physicalRoom(stationID string) float64 {
	return math.Max(0, math.Min(b.group, b.stations[stationID]))
}

func (b *budget) take(stationID string, kw float64) {
	b.group -= kw
	b.groupCap -= kw
	b.stations[stationID] -= kw
	b.stationCap[stationID] -= kw
}

type pin struct {
	scope  model.Scope
	kw     float64
	origin Origin
}

// pin fits overrides and refused scopes into the budget before any strategy
// runs, so an override never pushes the group over its capacity.
func (b *budget) pin(in Input, res *Result) {
	var pins []pin

	ovs := make([]model.Override, 0, len(in.Overrides))
	for _, o := range in.Overrides {
		if o.Priority < in.BasePriority || !o.ActiveAt(in.At) {
			continue
		}
		if s, ok := b.byID[o.Scope.StationID]; !ok || !s.Allocatable() {
			continue
		}
		ovs = append(ovs, o)
	}
	sort.SliceStable(ovs, func(i, j int) bool {
		if ovs[i].Priority != ovs[j].Priority {
			return ovs[i].Priority > ovs[j].Priority
		}
		if !ovs[i].CreatedAt.Equal(ovs[j].CreatedAt) {
			return ovs[i].CreatedAt.After(ovs[j].CreatedAt)
		}
		return ovs[i].Scope.Less(ovs[j].Scope)
	})
	seen := make(map[model.Scope]bool)
	for _, o := range ovs {
		if seen[o.Scope] {
			continue
		}
		seen[o.Scope] = true
		origin := Origin{Reason: o.Reason, Priority: o.Priority, OverrideID: o.ID}
		if !o.Persistent() {
			origin.Temporary = true
			origin.DurationSeconds = int(math.Ceil(o.ValidUntil.Sub(in.At).Seconds()))
		}
		pins = append(pins, pin{scope: o.Scope, kw: o.PowerLimitKW, origin: origin})
	}

	refused := make([]model.Scope, 0, len(in.Pinned))
	for scope := range in.Pinned {
		if s, ok := b.byID[scope.StationID]; ok && s.Allocatable() && !seen[scope] {
			refused = append(refused, scope)
		}
	}
	for _, scope := range model.SortScopes(refused) {
		pins = append(pins, pin{scope: scope, kw: in.Pinned[scope], origin: Origin{Reason: model.ReasonLoadBalancing}})
	}

	// station-wide pins take the whole station out of connector allocation
	sort.SliceStable(pins, func(i, j int) bool {
		return pins[i].scope.IsStationWide() && !pins[j].scope.IsStationWide()
	})
	for _, p := range pins {
		st := p.scope.StationID
		if b.wide[st] {
			continue
		}
		kw := round(math.Min(math.Max(p.kw, 0), b.physicalRoom(st)))
		if p.scope.IsStationWide() {
			b.wide[st] = true
		} else {
			b.pinned[p.scope] = true
		}
		b.take(st, kw)
		res.Targets[p.scope] = kw
		res.Origins[p.scope] = p.origin
	}
}

type candidate struct {
	demand   model.ConnectorDemand
	priority int
	tier     int
	floor    float64
	ceil     float64
	alloc    float64
	// starved is set when the minimum did not fit; such connectors get nothing.
	starved bool
	origin  Origin
}

func (c *candidate) headroom() float64 { return c.ceil - c.alloc }

func buildCandidates(in Input, b *budget) []*candidate {
	var out []*candidate
	for _, s := range in.Stations {
		if !s.Allocatable() || b.wide[s.ID] {
			continue
		}
		lim, hasLimit := in.Limits[s.ID]
		for _, d := range in.Demand[s.ID] {
			if b.pinned[d.Scope()] {
				continue
			}
			c := &candidate{
				demand:   d,
				priority: s.PriorityLevel,
				ceil:     s.MaxPowerKW,
				origin:   Origin{Reason: model.ReasonLoadBalancing},
			}
			if hasLimit {
				if lim.StationScoped {
					c.ceil = math.Min(c.ceil, lim.MaxKW)
				}
				c.floor = lim.MinKW
				c.tier = lim.PriceTier.Preference()
				c.origin.Reason = model.ReasonScheduledProfile
			}
			if d.RequestedKW > 0 {
				c.ceil = math.Min(c.ceil, d.RequestedKW)
			}
			c.floor = math.Min(c.floor, c.ceil)
			out = append(out, c)
		}
	}
	sortByScope(out)
	return out
}

func sortByScope(cs []*candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].demand.Scope().Less(cs[j].demand.Scope()) })
}

func sortByPriority(cs []*candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].priority != cs[j].priority {
			return cs[i].priority > cs[j].priority
		}
		if cs[i].tier != cs[j].tier {
			return cs[i].tier > cs[j].tier
		}
		return cs[i].demand.Scope().Less(cs[j].demand.Scope())
	})
}

func sortByArrival(cs []*candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].demand.StartedAt, cs[j].demand.StartedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return cs[i].demand.Scope().Less(cs[j].demand.Scope())
	})
}

// deficit is how far the connector's last acknowledged limit sits below
// what it can use.
func (c *candidate) deficit() float64 { return c.ceil - c.demand.AllocatedKW }

// reserveFloors hands out profile minimums while they fit, smallest deficit
// first so connectors already close to their draw keep it. Connectors whose
// minimum does not fit get nothing and are flagged later.
func reserveFloors(cs []*candidate, b *budget) {
	order := make([]*candidate, len(cs))
	copy(order, cs)
	sort.SliceStable(order, func(i, j int) bool {
		di, dj := order[i].deficit(), order[j].deficit()
		if math.Abs(di-dj) > epsilon {
			return di < dj
		}
		return order[i].demand.Scope().Less(order[j].demand.Scope())
	})
	for _, c := range order {
		if c.floor <= 0 {
			continue
		}
		st := c.demand.StationID
		if c.floor <= b.room(st)+epsilon {
			c.alloc = c.floor
			b.take(st, c.floor)
		} else {
			c.starved = true
		}
	}
}
