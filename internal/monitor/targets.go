package monitor

import (
	"cmp"

	"golang.org/x/exp/slices"

	"github.com/dreamware/noderep/internal/shard"
)

// SetTargets returns a provider watching every replica of every shard in set.
func SetTargets(set *shard.Set) func() []Target {
	return func() []Target {
		var out []Target
		for _, sh := range set.Shards() {
			for d, r := range sh.Replicas {
				out = append(out, Target{
					Shard:  sh.ID,
					Domain: d,
					Lag:    func() uint64 { return sh.Log.Lag(r.ID()) },
					Nudge:  r.TrySync,
				})
			}
		}
		return out
	}
}

func sortHealth(hs []ReplicaHealth) {
	slices.SortFunc(hs, func(a, b ReplicaHealth) int {
		if c := cmp.Compare(a.Shard, b.Shard); c != 0 {
			return c
		}
		return cmp.Compare(a.Domain, b.Domain)
	})
}
