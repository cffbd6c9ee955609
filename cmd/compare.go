package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loemraw/fast-fstests/internal/compare"
	"github.com/loemraw/fast-fstests/internal/reporter"
)

func compareCommand() *cobra.Command {
	var baseRef, changedRef string
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "diff two recorded runs and report regressions/progressions",
	}
	v := bindConfigFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(v)
		if err != nil {
			os.Exit(exitConfigError)
		}
		if cfg.Output.ResultsDir == "" {
			fmt.Fprintln(os.Stderr, "compare: output.results_dir is required")
			os.Exit(exitConfigError)
		}

		baseline, err := compare.Load(cfg.Output.ResultsDir, baseRef)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigError)
		}
		changed, err := compare.Load(cfg.Output.ResultsDir, changedRef)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigError)
		}

		report := compare.Compare(baseline, changed)
		reporter.Regressions(os.Stdout, report)

		if len(report.Regressions) > 0 {
			os.Exit(exitTestFailure)
		}
		os.Exit(exitOK)
		return nil
	}

	// spec.md §6: "compare [-a SOURCE] [-b SOURCE]... defaults to -a -2 -b -1"
	cmd.Flags().StringVarP(&baseRef, "a", "a", "-2", "baseline run reference (label, or -k for the k-th most recent recording)")
	cmd.Flags().StringVarP(&changedRef, "b", "b", "-1", "changed run reference")
	return cmd
}
