package runner

import (
	"math/rand"
	"sort"

	"github.com/loemraw/fast-fstests/internal/model"
)

// DurationSource supplies the most recently observed duration for a
// TestId, as loaded from a prior run's results.jsonl (spec.md §4.6).
type DurationSource interface {
	Duration(id model.TestId) (seconds float64, known bool)
}

// OrderByDuration implements spec.md §4.6's list-scheduling heuristic:
// tests with a known duration sorted largest-first, then tests without a
// known duration in their original input order (or shuffled, if rng is
// non-nil). It is stable and idempotent — ordering an already
// largest-first list is a no-op.
func OrderByDuration(items []*model.WorkItem, source DurationSource, rng *rand.Rand) []*model.WorkItem {
	known := make([]*model.WorkItem, 0, len(items))
	unknown := make([]*model.WorkItem, 0, len(items))

	durations := make(map[*model.WorkItem]float64, len(items))
	for _, w := range items {
		if d, ok := source.Duration(w.Test.Identity()); ok {
			durations[w] = d
			known = append(known, w)
		} else {
			unknown = append(unknown, w)
		}
	}

	sort.SliceStable(known, func(i, j int) bool {
		return durations[known[i]] > durations[known[j]]
	})

	if rng != nil {
		rng.Shuffle(len(unknown), func(i, j int) { unknown[i], unknown[j] = unknown[j], unknown[i] })
	}

	return append(known, unknown...)
}
