package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loemraw/fast-fstests/internal/store"
)

func recordCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "record [LABEL]",
		Short: "create a named, never-deleted recording from the latest run",
		Args:  cobra.MaximumNArgs(1),
	}
	v := bindConfigFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(v)
		if err != nil {
			os.Exit(exitConfigError)
		}
		if cfg.Output.ResultsDir == "" {
			fmt.Fprintln(os.Stderr, "record: output.results_dir is required")
			os.Exit(exitConfigError)
		}

		label := recordLabel(args)
		runID, err := store.ResolveRun(cfg.Output.ResultsDir, "")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigError)
		}
		if err := store.Recording(cfg.Output.ResultsDir, label, runID, force); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigError)
		}
		fmt.Printf("recorded %s -> %s\n", label, runID)
		return nil
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing recording with the same label")
	return cmd
}

// recordLabel defaults to a sortable UTC timestamp when no label is
// given, matching the run_id format (spec.md §6: "label = timestamp if
// omitted").
func recordLabel(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return time.Now().UTC().Format("20060102T150405Z")
}
