// Package compare implements the regression comparator (spec.md §4.5):
// given a baseline and a changed Run, it classifies every test present
// in either into regressions, progressions, new, and removed.
//
// New component — the teacher (vmshed) has no equivalent; it reports
// one run's outcome and never persists or diffs historical runs. The
// classification logic here is grounded on spec.md §4.5's rules rather
// than adapted teacher code; it deliberately mirrors the teacher's
// preference for plain data structs and stdlib-only logic (no ecosystem
// diff library in the pack models set-comparison-by-key over structured
// records, only byte/text diff, which doesn't fit this shape).
package compare

import (
	"fmt"

	"github.com/loemraw/fast-fstests/internal/model"
	"github.com/loemraw/fast-fstests/internal/store"
)

// Outcome is one test's classification between two runs.
type Outcome struct {
	TestId   model.TestId
	Baseline model.TestStatus // zero value if the test is new
	Changed  model.TestStatus // zero value if the test was removed
}

// Report is the comparator's full output.
type Report struct {
	Regressions []Outcome // passed (or Skipped, if changed is Errored) in baseline, not passed in changed
	Progressions []Outcome // not passed in baseline, passed in changed
	New          []Outcome // present only in changed
	Removed      []Outcome // present only in baseline
}

// Compare classifies every (test_id, iteration) key present in either
// run, per spec.md §4.5's rules:
//   - Skipped is excluded from regression/progression classification
//     entirely (neither side).
//   - Errored in changed counts as a regression if baseline was Passed
//     (Errored-after-Skipped-baseline also counts as a regression: an
//     infrastructure failure following a prior skip is never silently
//     ignored — see DESIGN.md Open Question (c)).
func Compare(baseline, changed model.Run) Report {
	baseFinal := store.FinalStatus(baseline)
	changedFinal := store.FinalStatus(changed)

	keys := make(map[string]struct{}, len(baseFinal)+len(changedFinal))
	for k := range baseFinal {
		keys[k] = struct{}{}
	}
	for k := range changedFinal {
		keys[k] = struct{}{}
	}

	var report Report
	for key := range keys {
		b, inBase := baseFinal[key]
		c, inChanged := changedFinal[key]

		switch {
		case !inBase:
			report.New = append(report.New, Outcome{TestId: c.TestId, Changed: c.Status})
		case !inChanged:
			report.Removed = append(report.Removed, Outcome{TestId: b.TestId, Baseline: b.Status})
		case b.Status == model.StatusSkipped && c.Status == model.StatusErrored:
			// Open Question (c): an infrastructure failure following a
			// prior skip is always surfaced as a regression, overriding
			// the general Skipped exclusion below.
			report.Regressions = append(report.Regressions, Outcome{TestId: c.TestId, Baseline: b.Status, Changed: c.Status})
		case b.Status == model.StatusSkipped || c.Status == model.StatusSkipped:
			// excluded from classification
		case b.Status.Passed() && !c.Status.Passed():
			report.Regressions = append(report.Regressions, Outcome{TestId: c.TestId, Baseline: b.Status, Changed: c.Status})
		case !b.Status.Passed() && c.Status.Passed():
			report.Progressions = append(report.Progressions, Outcome{TestId: c.TestId, Baseline: b.Status, Changed: c.Status})
		}
	}

	return report
}

// Load resolves ref against root (see store.ResolveRun) and loads the
// resulting Run.
func Load(root, ref string) (model.Run, error) {
	runID, err := store.ResolveRun(root, ref)
	if err != nil {
		return model.Run{}, fmt.Errorf("compare: resolve %q: %w", ref, err)
	}
	run, err := store.LoadRun(root, runID)
	if err != nil {
		return model.Run{}, fmt.Errorf("compare: load run %q: %w", runID, err)
	}
	return run, nil
}
