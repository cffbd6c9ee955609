package fstests

import (
	"testing"

	"github.com/loemraw/fast-fstests/internal/model"
)

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name string
		v    Verdict
		want model.TestStatus
	}{
		{"clean pass", Verdict{ExitCode: 0}, model.StatusPassed},
		{"failure with out.bad", Verdict{ExitCode: 1, OutBadExists: true}, model.StatusFailed},
		{"notrun marker", Verdict{ExitCode: 0, Stdout: []byte("001 \t[not run] _notrun reason")}, model.StatusSkipped},
		{"nonzero exit no out.bad", Verdict{ExitCode: 1}, model.StatusErrored},
		{"dmesg panic wins over clean exit", Verdict{ExitCode: 0, Dmesg: []byte("Kernel panic - not syncing")}, model.StatusErrored},
		{"dmesg panic wins over out.bad", Verdict{ExitCode: 1, OutBadExists: true, Dmesg: []byte("kernel BUG at fs/btrfs/extent-tree.c")}, model.StatusErrored},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Parse(tc.v)
			if got != tc.want {
				t.Errorf("Parse(%+v) = %s, want %s", tc.v, got, tc.want)
			}
		})
	}
}

func TestCommandSynthesis(t *testing.T) {
	got := Command("./check", "generic/001", "")
	want := []string{"./check", "generic/001"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	got = Command("./check", "generic/001", "xfs_4k")
	want = []string{"./check", "-s", "xfs_4k", "generic/001"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
