package reporter

import (
	"fmt"
	"io"
	"regexp"

	"github.com/loemraw/fast-fstests/internal/model"
)

// invalidXMLRune matches every character other than tab, newline,
// carriage return and printable ASCII (so control characters and all
// non-ASCII text); writeTestcase replaces each match with a space. It is
// the same filter the teacher's cmd/xml.go applies before writing a
// <system-out> block.
var invalidXMLRune = regexp.MustCompile("[^\t\n\r\x20-\x7e]")

// JUnit writes results as a single JUnit XML testsuite to w, one
// testcase per result (SPEC_FULL.md's reporter output formats).
func JUnit(w io.Writer, results []model.TestResult) error {
	var failures int
	for _, r := range results {
		if !r.Status.Passed() && r.Status != model.StatusSkipped {
			failures++
		}
	}

	if _, err := fmt.Fprintf(w, "<testsuite tests=\"%d\" failures=\"%d\">\n", len(results), failures); err != nil {
		return err
	}

	for _, r := range results {
		if err := writeTestcase(w, r); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "</testsuite>")
	return err
}

func writeTestcase(w io.Writer, r model.TestResult) error {
	if _, err := fmt.Fprintf(w, "<testcase classname=\"fstests.%s\" name=\"%s#%d\" time=\"%.2f\">",
		r.TestId, r.TestId, r.AttemptIndex, r.DurationSeconds); err != nil {
		return err
	}

	if _, err := fmt.Fprint(w, "<system-out><![CDATA[\n"); err != nil {
		return err
	}
	cleanStdout := invalidXMLRune.ReplaceAll([]byte(r.StdoutExcerpt), []byte{' '})
	if _, err := w.Write(cleanStdout); err != nil {
		return err
	}
	if _, err := fmt.Fprint(w, "\n]]></system-out>\n"); err != nil {
		return err
	}

	if r.Status == model.StatusSkipped {
		if _, err := fmt.Fprintf(w, "<skipped/>\n"); err != nil {
			return err
		}
	} else if !r.Status.Passed() {
		if _, err := fmt.Fprintf(w, "<failure message=%q>\n", r.Status); err != nil {
			return err
		}
		cleanStderr := invalidXMLRune.ReplaceAll([]byte(r.StderrExcerpt), []byte{' '})
		if _, err := w.Write(cleanStderr); err != nil {
			return err
		}
		if _, err := fmt.Fprint(w, "\n</failure>\n"); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "</testcase>\n")
	return err
}
