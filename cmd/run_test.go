package cmd

import (
	"testing"

	"github.com/loemraw/fast-fstests/internal/model"
)

func TestExitCodeForAllPassed(t *testing.T) {
	results := []model.TestResult{
		{Status: model.StatusPassed},
		{Status: model.StatusSkipped},
	}
	if got := exitCodeFor(results); got != exitOK {
		t.Fatalf("exitCodeFor = %d, want %d", got, exitOK)
	}
}

func TestExitCodeForFailurePreemptedByError(t *testing.T) {
	results := []model.TestResult{
		{Status: model.StatusFailed},
		{Status: model.StatusErrored},
	}
	if got := exitCodeFor(results); got != exitTestError {
		t.Fatalf("exitCodeFor = %d, want %d", got, exitTestError)
	}
}

func TestExitCodeForFailureOnly(t *testing.T) {
	results := []model.TestResult{
		{Status: model.StatusPassed},
		{Status: model.StatusTimedOut},
	}
	if got := exitCodeFor(results); got != exitTestFailure {
		t.Fatalf("exitCodeFor = %d, want %d", got, exitTestFailure)
	}
}

func TestToTestIds(t *testing.T) {
	ids := toTestIds([]string{"generic/001", "xfs/002"})
	if len(ids) != 2 || ids[0] != model.TestId("generic/001") || ids[1] != model.TestId("xfs/002") {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestNewRunTagIsShortAndUnique(t *testing.T) {
	a, err := newRunTag()
	if err != nil {
		t.Fatal(err)
	}
	b, err := newRunTag()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 8 || len(b) != 8 {
		t.Fatalf("expected 8-char tags, got %q, %q", a, b)
	}
	if a == b {
		t.Fatalf("expected distinct run tags, got %q twice", a)
	}
}

func TestDurationMapLookup(t *testing.T) {
	m := durationMap{"generic/001": 12.5}
	d, ok := m.Duration("generic/001")
	if !ok || d != 12.5 {
		t.Fatalf("Duration(generic/001) = %v, %v", d, ok)
	}
	if _, ok := m.Duration("generic/002"); ok {
		t.Fatalf("expected missing id to report ok=false")
	}
}
