// Package reporter summarizes a completed run (spec.md §4.7): counts by
// status, an optional failure list, the N slowest tests, an optional
// duration histogram, and a regression summary when a comparison was
// requested.
//
// New component (the teacher prints ad-hoc progress lines from
// cmd/test.go's execTests rather than a structured summary). Output is
// plain text written to an io.Writer with fmt; it does not go through
// logrus.
package reporter

import (
	"fmt"
	"io"
	"sort"

	"github.com/loemraw/fast-fstests/internal/compare"
	"github.com/loemraw/fast-fstests/internal/model"
)

// Options are the `output.print_*` reporter toggles (spec.md §6).
type Options struct {
	PrintFailureList  bool
	PrintNSlowest     int
	PrintDurationHist bool
}

// Summary prints a terminal report for results to w.
func Summary(w io.Writer, results []model.TestResult, opts Options) {
	counts := countByStatus(results)

	fmt.Fprintln(w, "===========================================================================")
	fmt.Fprintf(w, "RESULTS: %d total\n", len(results))
	for _, status := range []model.TestStatus{
		model.StatusPassed, model.StatusFailed, model.StatusSkipped,
		model.StatusErrored, model.StatusTimedOut, model.StatusNotRun,
	} {
		if n := counts[status]; n > 0 {
			fmt.Fprintf(w, "  %-10s %d\n", status, n)
		}
	}
	fmt.Fprintln(w, "===========================================================================")

	if opts.PrintFailureList {
		printFailureList(w, results)
	}
	if opts.PrintNSlowest > 0 {
		printNSlowest(w, results, opts.PrintNSlowest)
	}
	if opts.PrintDurationHist {
		printDurationHist(w, results)
	}
}

func countByStatus(results []model.TestResult) map[model.TestStatus]int {
	counts := make(map[model.TestStatus]int)
	for _, r := range results {
		counts[r.Status]++
	}
	return counts
}

func printFailureList(w io.Writer, results []model.TestResult) {
	var failed []model.TestResult
	for _, r := range results {
		if !r.Status.Passed() && r.Status != model.StatusSkipped {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		return
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].TestId < failed[j].TestId })

	fmt.Fprintln(w, "FAILURES:")
	for _, r := range failed {
		fmt.Fprintf(w, "  %-20s %s\n", r.TestId, r.Status)
	}
}

func printNSlowest(w io.Writer, results []model.TestResult, n int) {
	sorted := append([]model.TestResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DurationSeconds > sorted[j].DurationSeconds })
	if n > len(sorted) {
		n = len(sorted)
	}

	fmt.Fprintf(w, "SLOWEST %d:\n", n)
	for _, r := range sorted[:n] {
		fmt.Fprintf(w, "  %-20s %.2fs\n", r.TestId, r.DurationSeconds)
	}
}

// durationBucketCount is the number of histogram buckets printed by
// printDurationHist.
const durationBucketCount = 10

func printDurationHist(w io.Writer, results []model.TestResult) {
	if len(results) == 0 {
		return
	}
	max := results[0].DurationSeconds
	for _, r := range results {
		if r.DurationSeconds > max {
			max = r.DurationSeconds
		}
	}
	if max == 0 {
		return
	}

	buckets := make([]int, durationBucketCount)
	width := max / float64(durationBucketCount)
	for _, r := range results {
		idx := int(r.DurationSeconds / width)
		if idx >= durationBucketCount {
			idx = durationBucketCount - 1
		}
		buckets[idx]++
	}

	fmt.Fprintln(w, "DURATION HISTOGRAM:")
	for i, count := range buckets {
		lo := float64(i) * width
		hi := lo + width
		fmt.Fprintf(w, "  [%6.1fs - %6.1fs) %s (%d)\n", lo, hi, bar(count), count)
	}
}

func bar(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '#'
	}
	return string(b)
}

// Regressions prints a compare.Report to w.
func Regressions(w io.Writer, report compare.Report) {
	fmt.Fprintln(w, "===========================================================================")
	fmt.Fprintf(w, "COMPARISON: %d regressions, %d progressions, %d new, %d removed\n",
		len(report.Regressions), len(report.Progressions), len(report.New), len(report.Removed))
	for _, o := range report.Regressions {
		fmt.Fprintf(w, "  REGRESSION  %-20s %s -> %s\n", o.TestId, o.Baseline, o.Changed)
	}
	for _, o := range report.Progressions {
		fmt.Fprintf(w, "  PROGRESSION %-20s %s -> %s\n", o.TestId, o.Baseline, o.Changed)
	}
	fmt.Fprintln(w, "===========================================================================")
}
