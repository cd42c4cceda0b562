package identity

import (
	"sort"
	"time"
)

// CycleClock remembers the start times of recent cycles so that
// missed cycles can be counted even when cycles are delivered out of
// order. Not safe for concurrent writes; reads may run concurrently
// once registration for a cycle is done.
type CycleClock struct {
	limit  int
	starts []time.Time
	ids    map[string]time.Time
}

func NewCycleClock(limit int) *CycleClock {
	if limit < 2 {
		limit = 2
	}
	return &CycleClock{
		limit: limit,
		ids:   map[string]time.Time{},
	}
}

// Register records a cycle. Registering the same cycle ID again is a
// no-op.
func (c *CycleClock) Register(cycleID string, startedAt time.Time) {
	if _, found := c.ids[cycleID]; found {
		return
	}
	c.ids[cycleID] = startedAt

	i := sort.Search(len(c.starts), func(i int) bool { return c.starts[i].After(startedAt) })
	c.starts = append(c.starts, time.Time{})
	copy(c.starts[i+1:], c.starts[i:])
	c.starts[i] = startedAt

	for len(c.starts) > c.limit {
		oldest := c.starts[0]
		c.starts = c.starts[1:]
		for id, t := range c.ids {
			if t.Equal(oldest) {
				delete(c.ids, id)
			}
		}
	}
}

// Known reports whether a cycle ID is still remembered.
func (c *CycleClock) Known(cycleID string) bool {
	_, found := c.ids[cycleID]
	return found
}

func (c *CycleClock) Latest() time.Time {
	if len(c.starts) == 0 {
		return time.Time{}
	}
	return c.starts[len(c.starts)-1]
}

// Since counts the cycles that started in (from, to]. If from is
// older than anything remembered the count is at least limit.
func (c *CycleClock) Since(from, to time.Time) int {
	if len(c.starts) > 0 && from.Before(c.starts[0]) {
		return c.limit + c.count(from, to)
	}
	return c.count(from, to)
}

func (c *CycleClock) count(from, to time.Time) int {
	lo := sort.Search(len(c.starts), func(i int) bool { return c.starts[i].After(from) })
	hi := sort.Search(len(c.starts), func(i int) bool { return c.starts[i].After(to) })
	if hi < lo {
		return 0
	}
	return hi - lo
}
