package fstests

import (
	"fmt"

	"github.com/loemraw/fast-fstests/internal/model"
)

// Test is the fstests backend's model.Test implementation: a bare
// TestId plus iteration, since the test's config (section, overrides)
// is global to the run rather than per-test (spec.md §4.2's "opaque
// payload" is empty here — the suite-wide Config carries everything a
// Supervisor needs to build the command).
type Test struct {
	id   model.TestId
	iter int
}

// NewTest builds a Test for the given id and 1-based iteration.
func NewTest(id model.TestId, iteration int) Test {
	return Test{id: id, iter: iteration}
}

func (t Test) Identity() model.TestId { return t.id }
func (t Test) Iteration() int         { return t.iter }

// Expanded is the ordered, iteration-expanded set of WorkItems built
// from a Selection's resolved TestIds (spec.md §3: "the same TestId may
// appear multiple times in one run").
func Expanded(ids []model.TestId, iterations int) []*model.WorkItem {
	if iterations < 1 {
		iterations = 1
	}
	items := make([]*model.WorkItem, 0, len(ids)*iterations)
	for _, id := range ids {
		for i := 1; i <= iterations; i++ {
			items = append(items, &model.WorkItem{Test: Test{id: id, iter: i}})
		}
	}
	return items
}

// Command synthesizes the argv xfstests' own `check` harness expects
// for a single test, adapted to one-test-per-invocation so each TestId
// maps to exactly one Supervisor.RunTest call (SPEC_FULL.md §4.8). The
// Supervisor backend wraps this in its own SSH invocation.
func Command(checkPath string, id model.TestId, section string) []string {
	argv := []string{checkPath}
	if section != "" {
		argv = append(argv, "-s", section)
	}
	return append(argv, string(id))
}

func (t Test) String() string {
	return fmt.Sprintf("%s#%d", t.id, t.iter)
}
