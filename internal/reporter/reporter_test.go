package reporter

import (
	"bytes"
	"strings"
	"testing"

	"github.com/loemraw/fast-fstests/internal/compare"
	"github.com/loemraw/fast-fstests/internal/model"
)

func TestSummaryCountsByStatus(t *testing.T) {
	results := []model.TestResult{
		{TestId: "generic/001", Status: model.StatusPassed},
		{TestId: "generic/002", Status: model.StatusFailed},
		{TestId: "generic/003", Status: model.StatusFailed},
		{TestId: "generic/004", Status: model.StatusSkipped},
	}

	var buf bytes.Buffer
	Summary(&buf, results, Options{})
	out := buf.String()

	if !strings.Contains(out, "RESULTS: 4 total") {
		t.Fatalf("expected total count in output, got %q", out)
	}
	if !strings.Contains(out, "Failed     2") {
		t.Fatalf("expected Failed count of 2, got %q", out)
	}
}

func TestSummaryPrintsFailureList(t *testing.T) {
	results := []model.TestResult{
		{TestId: "generic/002", Status: model.StatusFailed},
		{TestId: "generic/001", Status: model.StatusPassed},
	}

	var buf bytes.Buffer
	Summary(&buf, results, Options{PrintFailureList: true})
	out := buf.String()

	if !strings.Contains(out, "FAILURES:") || !strings.Contains(out, "generic/002") {
		t.Fatalf("expected failure list to mention generic/002, got %q", out)
	}
	if strings.Contains(out, "generic/001") {
		t.Fatalf("did not expect passed test in failure list, got %q", out)
	}
}

func TestSummaryPrintsNSlowest(t *testing.T) {
	results := []model.TestResult{
		{TestId: "generic/001", Status: model.StatusPassed, DurationSeconds: 1},
		{TestId: "generic/002", Status: model.StatusPassed, DurationSeconds: 30},
		{TestId: "generic/003", Status: model.StatusPassed, DurationSeconds: 15},
	}

	var buf bytes.Buffer
	Summary(&buf, results, Options{PrintNSlowest: 2})
	out := buf.String()

	idx002 := strings.Index(out, "generic/002")
	idx003 := strings.Index(out, "generic/003")
	if idx002 == -1 || idx003 == -1 || idx002 > idx003 {
		t.Fatalf("expected generic/002 (30s) before generic/003 (15s) in slowest list, got %q", out)
	}
	if strings.Contains(out, "generic/001") {
		t.Fatalf("did not expect generic/001 (1s) in top-2 slowest, got %q", out)
	}
}

func TestRegressionsReport(t *testing.T) {
	report := compare.Report{
		Regressions: []compare.Outcome{
			{TestId: "generic/001", Baseline: model.StatusPassed, Changed: model.StatusFailed},
		},
	}

	var buf bytes.Buffer
	Regressions(&buf, report)
	out := buf.String()
	if !strings.Contains(out, "1 regressions") || !strings.Contains(out, "generic/001") {
		t.Fatalf("expected regression summary to mention generic/001, got %q", out)
	}
}

func TestJUnitEscapesInvalidRunes(t *testing.T) {
	results := []model.TestResult{
		{TestId: "generic/001", Status: model.StatusFailed, StdoutExcerpt: "bad\x01byte", AttemptIndex: 1},
	}

	var buf bytes.Buffer
	if err := JUnit(&buf, results); err != nil {
		t.Fatalf("JUnit: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "\x01") {
		t.Fatalf("expected control byte to be stripped, got %q", out)
	}
	if !strings.Contains(out, "<failure") {
		t.Fatalf("expected a <failure> element for a Failed result, got %q", out)
	}
	if !strings.Contains(out, `tests="1" failures="1"`) {
		t.Fatalf("expected tests/failures counts in testsuite header, got %q", out)
	}
}

func TestJUnitSkippedHasNoFailure(t *testing.T) {
	results := []model.TestResult{
		{TestId: "generic/001", Status: model.StatusSkipped, AttemptIndex: 1},
	}
	var buf bytes.Buffer
	if err := JUnit(&buf, results); err != nil {
		t.Fatalf("JUnit: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "<failure") {
		t.Fatalf("did not expect <failure> for a Skipped result, got %q", out)
	}
	if !strings.Contains(out, "<skipped/>") {
		t.Fatalf("expected <skipped/> marker, got %q", out)
	}
}
