package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loemraw/fast-fstests/internal/config"
	"github.com/loemraw/fast-fstests/internal/fstests"
)

func listCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "print the tests test_selection would match and exit without executing",
	}
	v := bindConfigFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(v)
		if err != nil {
			os.Exit(exitConfigError)
		}
		ids, err := expandSelection(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigError)
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}
	return cmd
}

// groupFilePath is the classic xfstests layout: a "group" file sitting
// at the suite root next to the "check" script.
func groupFilePath(fstestsPath string) string {
	return filepath.Join(fstestsPath, "group")
}

func loadGroupFile(fstestsPath string) (fstests.GroupFile, error) {
	f, err := os.Open(groupFilePath(fstestsPath))
	if err != nil {
		return nil, fmt.Errorf("open group file: %w", err)
	}
	defer f.Close()
	return fstests.ParseGroupFile(f)
}

// expandSelection resolves cfg.TestSelection into a sorted TestId list.
func expandSelection(cfg config.Config) ([]string, error) {
	groups, err := loadGroupFile(cfg.Fstests)
	if err != nil {
		return nil, err
	}
	excludeTests := cfg.TestSelection.ExcludeTests
	if cfg.TestSelection.ExcludeTestsFile != "" {
		fromFile, err := readExcludeTestsFile(cfg.TestSelection.ExcludeTestsFile)
		if err != nil {
			return nil, err
		}
		excludeTests = append(append([]string{}, excludeTests...), fromFile...)
	}
	sel := fstests.Selection{
		Tests:          cfg.TestSelection.Tests,
		Groups:         cfg.TestSelection.Groups,
		ExcludeTests:   excludeTests,
		ExcludeGroups:  cfg.TestSelection.ExcludeGroups,
		Section:        cfg.TestSelection.Section,
		ExcludeSection: cfg.TestSelection.ExcludeSection,
	}
	ids, err := fstests.Expand(sel, groups)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out, nil
}

// readExcludeTestsFile reads test_selection.exclude_tests_file: one test
// id or glob pattern per line, blank lines and "#" comments ignored, the
// same format as the xfstests group file's entry column.
func readExcludeTestsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open exclude_tests_file: %w", err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read exclude_tests_file: %w", err)
	}
	return out, nil
}
