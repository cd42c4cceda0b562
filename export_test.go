package analytics

import (
	"roundabout.dev/analytics/accuracy"
	"roundabout.dev/analytics/arrival"
	"roundabout.dev/analytics/identity"
	"roundabout.dev/analytics/model"
)

// PanicInFirstShard makes the engine's first shard panic while
// folding. The returned func restores normal processing.
func PanicInFirstShard(e *Engine) func() {
	orig := processShard
	processShard = func(
		s *shard,
		acc *accuracy.Tracker,
		keys []identity.Key,
		groups map[string][]*model.Observation,
		cycle *arrival.Cycle,
	) *shardResult {
		if s == e.shards[0] {
			panic("corrupt track")
		}
		return orig(s, acc, keys, groups, cycle)
	}
	return func() { processShard = orig }
}
