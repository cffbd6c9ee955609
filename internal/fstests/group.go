// Package fstests is the concrete Test backend for xfstests-style
// regression suites (SPEC_FULL.md §4.8): group/glob/exclude expansion
// of a test selection into concrete TestIds, argv synthesis for the
// per-test `check` invocation, and verdict parsing from exit code and
// xfstests' own results/ artifacts.
//
// Grounded on the teacher's testGroup (cmd/test.go): NrVMs/Tests/
// SameVMs/NeedAllPlatforms, generalized from a fixed TOML-listed test
// set to full xfstests group-file expansion plus glob/exclude, per
// spec.md's test_selection config keys.
package fstests

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/loemraw/fast-fstests/internal/model"
)

// Selection is the test_selection config block (SPEC_FULL.md §4.8):
// explicit tests and glob patterns, named groups, and their excluded
// counterparts, plus the xfstests config section fields. Expand does not
// filter on Section or ExcludeSection.
type Selection struct {
	Tests   []string `toml:"tests"`   // e.g. "generic/001", "btrfs/*"
	Groups  []string `toml:"groups"`  // e.g. "quick", "auto"

	ExcludeTests  []string `toml:"exclude_tests"`
	ExcludeGroups []string `toml:"exclude_groups"`

	Section        string `toml:"section"`         // fs-specific config section, e.g. "xfs_4k"
	ExcludeSection string `toml:"exclude_section"`
}

// GroupFile maps each TestId to the names of the groups it belongs to,
// parsed from the classic xfstests "group" file format: each line is
// "<suite>/<name> group1 group2 ...".
type GroupFile map[model.TestId][]string

// ParseGroupFile reads the classic xfstests group-file format.
func ParseGroupFile(r io.Reader) (GroupFile, error) {
	groups := make(GroupFile)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		fields := splitFields(line)
		if len(fields) == 0 {
			continue
		}
		groups[model.TestId(fields[0])] = fields[1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("fstests: read group file: %w", err)
	}
	return groups, nil
}

func splitFields(line string) []string {
	var fields []string
	start := -1
	for i, r := range line {
		if r == ' ' || r == '\t' {
			if start >= 0 {
				fields = append(fields, line[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, line[start:])
	}
	return fields
}

func (g GroupFile) memberOf(id model.TestId, group string) bool {
	for _, m := range g[id] {
		if m == group {
			return true
		}
	}
	return false
}

// Expand computes the concrete, sorted, de-duplicated list of TestIds a
// Selection resolves to against groups (the parsed group file). Explicit
// "tests" entries may be exact ids or suite/glob patterns (path.Match
// syntax); "groups" entries pull in every id the group file maps to
// that group name. Excludes are applied after inclusion, so a test
// matched by both an include and an exclude is dropped.
func Expand(sel Selection, groups GroupFile) ([]model.TestId, error) {
	included := make(map[model.TestId]bool)

	for _, pattern := range sel.Tests {
		matched, err := matchAny(pattern, groups)
		if err != nil {
			return nil, fmt.Errorf("fstests: test pattern %q: %w", pattern, err)
		}
		for _, id := range matched {
			included[id] = true
		}
	}
	for _, group := range sel.Groups {
		for id := range groups {
			if groups.memberOf(id, group) {
				included[id] = true
			}
		}
	}

	for _, pattern := range sel.ExcludeTests {
		matched, err := matchAny(pattern, groups)
		if err != nil {
			return nil, fmt.Errorf("fstests: exclude pattern %q: %w", pattern, err)
		}
		for _, id := range matched {
			delete(included, id)
		}
	}
	for _, group := range sel.ExcludeGroups {
		for id := range groups {
			if groups.memberOf(id, group) {
				delete(included, id)
			}
		}
	}

	out := make([]model.TestId, 0, len(included))
	for id := range included {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// matchAny resolves one test_selection.tests entry: if it contains no
// glob metacharacters, it matches itself exactly, whether or not the
// group file lists it (lets callers select a test the group file
// doesn't enumerate); otherwise it's matched against every known id via
// path.Match.
func matchAny(pattern string, groups GroupFile) ([]model.TestId, error) {
	if !hasMeta(pattern) {
		return []model.TestId{model.TestId(pattern)}, nil
	}
	var out []model.TestId
	for id := range groups {
		ok, err := path.Match(pattern, string(id))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func hasMeta(pattern string) bool {
	for _, r := range pattern {
		switch r {
		case '*', '?', '[', '\\':
			return true
		}
	}
	return false
}
