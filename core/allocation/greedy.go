package allocation

import "math"

// greedy serves candidates in the given order, each up to its ceiling, until
// capacity runs out. A connector whose minimum no longer fits gets nothing
// and is flagged; later connectors with smaller minimums may still be served.
func greedy(cs []*candidate, b *budget) {
	for _, c := range cs {
		st := c.demand.StationID
		room := b.room(st)
		if c.floor > 0 && room+epsilon < c.floor {
			c.starved = true
			continue
		}
		give := math.Min(c.headroom(), room)
		if give <= epsilon {
			continue
		}
		c.alloc += give
		b.take(st, give)
	}
}
