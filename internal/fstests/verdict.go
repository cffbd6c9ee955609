package fstests

import (
	"bytes"

	"github.com/loemraw/fast-fstests/internal/model"
)

// dmesgPanicSignatures are substrings xfstests' own check harness and
// common kernel configs use to flag a fatal fault in the dmesg capture.
// Matching any of these always yields Errored regardless of exit code,
// since a panicked kernel cannot be trusted to report its own test
// result correctly.
var dmesgPanicSignatures = [][]byte{
	[]byte("kernel BUG"),
	[]byte("Kernel panic"),
	[]byte("general protection fault"),
	[]byte("WARNING: CPU:"),
	[]byte("INFO: task"),
	[]byte("list_add corruption"),
}

// Verdict is the raw signal set a Supervisor gathers after running one
// test, handed to Parse for classification (SPEC_FULL.md §4.8).
type Verdict struct {
	ExitCode     int
	Stdout       []byte
	OutBadExists bool // results/<test>.out.bad is present
	Dmesg        []byte
}

// Parse classifies a completed xfstests run per SPEC_FULL.md §4.8:
// a dmesg kernel-panic signature always wins (Errored); otherwise a
// "_notrun" marker in stdout is Skipped; exit 0 with no .out.bad is
// Passed; anything else with .out.bad present is Failed; a nonzero
// exit with no .out.bad (the harness itself couldn't run the test) is
// Errored.
func Parse(v Verdict) model.TestStatus {
	if hasPanicSignature(v.Dmesg) {
		return model.StatusErrored
	}
	if bytes.Contains(v.Stdout, []byte("_notrun")) {
		return model.StatusSkipped
	}
	if v.ExitCode == 0 && !v.OutBadExists {
		return model.StatusPassed
	}
	if v.OutBadExists {
		return model.StatusFailed
	}
	return model.StatusErrored
}

func hasPanicSignature(dmesg []byte) bool {
	if len(dmesg) == 0 {
		return false
	}
	for _, sig := range dmesgPanicSignatures {
		if bytes.Contains(dmesg, sig) {
			return true
		}
	}
	return false
}
