package compare

import (
	"testing"

	"github.com/loemraw/fast-fstests/internal/model"
)

func result(id model.TestId, status model.TestStatus) model.TestResult {
	return model.TestResult{TestId: id, IterationIndex: 1, Status: status, AttemptIndex: 1}
}

func findOutcome(t *testing.T, outcomes []Outcome, id model.TestId) Outcome {
	t.Helper()
	for _, o := range outcomes {
		if o.TestId == id {
			return o
		}
	}
	t.Fatalf("no outcome found for %s in %+v", id, outcomes)
	return Outcome{}
}

func TestCompareClassification(t *testing.T) {
	baseline := model.Run{Results: []model.TestResult{
		result("generic/001", model.StatusPassed),   // -> Failed: regression
		result("generic/002", model.StatusFailed),    // -> Passed: progression
		result("generic/003", model.StatusPassed),    // -> Passed: unchanged, no entry
		result("generic/004", model.StatusSkipped),   // -> Skipped: excluded
		result("generic/005", model.StatusSkipped),   // -> Errored: regression (Open Question c)
		result("generic/006", model.StatusPassed),    // removed in changed
	}}
	changed := model.Run{Results: []model.TestResult{
		result("generic/001", model.StatusFailed),
		result("generic/002", model.StatusPassed),
		result("generic/003", model.StatusPassed),
		result("generic/004", model.StatusSkipped),
		result("generic/005", model.StatusErrored),
		result("generic/007", model.StatusPassed), // new in changed
	}}

	report := Compare(baseline, changed)

	if len(report.Regressions) != 2 {
		t.Fatalf("expected 2 regressions, got %d: %+v", len(report.Regressions), report.Regressions)
	}
	findOutcome(t, report.Regressions, "generic/001")
	findOutcome(t, report.Regressions, "generic/005")

	if len(report.Progressions) != 1 {
		t.Fatalf("expected 1 progression, got %d: %+v", len(report.Progressions), report.Progressions)
	}
	findOutcome(t, report.Progressions, "generic/002")

	if len(report.New) != 1 || report.New[0].TestId != "generic/007" {
		t.Fatalf("expected generic/007 as new, got %+v", report.New)
	}
	if len(report.Removed) != 1 || report.Removed[0].TestId != "generic/006" {
		t.Fatalf("expected generic/006 as removed, got %+v", report.Removed)
	}
}

func TestCompare_ErroredAfterSkippedBaseline(t *testing.T) {
	baseline := model.Run{Results: []model.TestResult{result("generic/010", model.StatusSkipped)}}
	changed := model.Run{Results: []model.TestResult{result("generic/010", model.StatusErrored)}}

	report := Compare(baseline, changed)
	if len(report.Regressions) != 1 {
		t.Fatalf("expected Errored-after-Skipped-baseline to be a regression, got %+v", report)
	}
	if report.Regressions[0].TestId != "generic/010" {
		t.Fatalf("unexpected regression entry: %+v", report.Regressions[0])
	}
}

func TestCompare_SkippedBothSidesExcluded(t *testing.T) {
	baseline := model.Run{Results: []model.TestResult{result("generic/011", model.StatusSkipped)}}
	changed := model.Run{Results: []model.TestResult{result("generic/011", model.StatusSkipped)}}

	report := Compare(baseline, changed)
	if len(report.Regressions) != 0 || len(report.Progressions) != 0 || len(report.New) != 0 || len(report.Removed) != 0 {
		t.Fatalf("expected Skipped->Skipped to be excluded entirely, got %+v", report)
	}
}
