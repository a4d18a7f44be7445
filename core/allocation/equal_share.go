package allocation

import (
	"math"
	"sort"
)

const bisectSteps = 64

// waterFill raises every connector towards a common level. A connector stops
// at its ceiling and one that already holds more than the level through its
// minimum keeps it; the capacity they do not take flows to the others. A
// station cap lowers the level for that station's connectors only.
func waterFill(cs []*candidate, b *budget) {
	reserveFloors(cs, b)

	byStation := make(map[string][]*candidate)
	var top float64
	for _, c := range cs {
		if c.starved {
			continue
		}
		byStation[c.demand.StationID] = append(byStation[c.demand.StationID], c)
		top = math.Max(top, c.ceil)
	}
	ids := make([]string, 0, len(byStation))
	for id := range byStation {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	raise := func(c *candidate, level float64) float64 {
		return math.Max(0, math.Min(level, c.ceil)-c.alloc)
	}
	sum := func(group []*candidate, level float64) float64 {
		var s float64
		for _, c := range group {
			s += raise(c, level)
		}
		return s
	}
	// stationLevel caps level so the station stays within its own room.
	stationLevel := func(id string, level float64) float64 {
		room := b.stationRoom(id)
		group := byStation[id]
		if sum(group, level) <= room {
			return level
		}
		lo, hi := 0.0, level
		for i := 0; i < bisectSteps; i++ {
			mid := (lo + hi) / 2
			if sum(group, mid) <= room {
				lo = mid
			} else {
				hi = mid
			}
		}
		return lo
	}
	total := func(level float64) float64 {
		var t float64
		for _, id := range ids {
			t += sum(byStation[id], stationLevel(id, level))
		}
		return t
	}

	avail := b.groupRoom()
	level := top
	if total(top) > avail {
		lo, hi := 0.0, top
		for i := 0; i < bisectSteps; i++ {
			mid := (lo + hi) / 2
			if total(mid) <= avail {
				lo = mid
			} else {
				hi = mid
			}
		}
		level = lo
	}

	for _, id := range ids {
		l := stationLevel(id, level)
		for _, c := range byStation[id] {
			give := raise(c, l)
			c.alloc += give
			b.take(id, give)
		}
	}
}
