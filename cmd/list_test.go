package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/loemraw/fast-fstests/internal/config"
)

func TestGroupFilePath(t *testing.T) {
	got := groupFilePath("/opt/xfstests")
	want := filepath.Join("/opt/xfstests", "group")
	if got != want {
		t.Fatalf("groupFilePath = %q, want %q", got, want)
	}
}

func TestExpandSelectionMatchesGroup(t *testing.T) {
	dir := t.TempDir()
	groupFile := "generic/001 auto quick\ngeneric/002 auto\nxfs/003 xfs quick\n"
	if err := os.WriteFile(filepath.Join(dir, "group"), []byte(groupFile), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Config{Fstests: dir}
	cfg.TestSelection.Groups = []string{"quick"}

	ids, err := expandSelection(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "generic/001" || ids[1] != "xfs/003" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestExpandSelectionMissingGroupFile(t *testing.T) {
	cfg := config.Config{Fstests: t.TempDir()}
	if _, err := expandSelection(cfg); err == nil {
		t.Fatal("expected an error when the group file is missing")
	}
}

func TestExpandSelectionHonorsExcludeTestsFile(t *testing.T) {
	dir := t.TempDir()
	groupFile := "generic/001 auto quick\ngeneric/002 auto quick\nxfs/003 xfs quick\n"
	if err := os.WriteFile(filepath.Join(dir, "group"), []byte(groupFile), 0o644); err != nil {
		t.Fatal(err)
	}
	excludeFile := filepath.Join(dir, "exclude.txt")
	if err := os.WriteFile(excludeFile, []byte("# comment\ngeneric/002\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Config{Fstests: dir}
	cfg.TestSelection.Groups = []string{"quick"}
	cfg.TestSelection.ExcludeTestsFile = excludeFile

	ids, err := expandSelection(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "generic/001" || ids[1] != "xfs/003" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}
