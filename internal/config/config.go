// Package config is the configuration load/merge layer (spec.md §6,
// §9's "same data object" design note): one Config struct, decoded from
// a TOML document with github.com/BurntSushi/toml and then overridden
// by CLI flags bound through github.com/spf13/viper, so the file and
// the flags populate the same struct rather than two separate ones
// that get reconciled after the fact.
//
// Grounded on the teacher's rootCommand (cmd/vmshed.go): toml.DecodeFile
// into a typed struct, followed by cobra flags read directly into local
// vars. This repo promotes viper (already an indirect dependency of the
// teacher's go.mod via cobra) to a direct one, binding every flag with
// viper.BindPFlag so a flag only overrides the file value when the user
// actually set it.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// TestSelection is the `test_selection.*` config block (spec.md §6).
type TestSelection struct {
	Tests             []string `toml:"tests" mapstructure:"tests"`
	Groups            []string `toml:"groups" mapstructure:"groups"`
	ExcludeTests      []string `toml:"exclude_tests" mapstructure:"exclude_tests"`
	ExcludeTestsFile  string   `toml:"exclude_tests_file" mapstructure:"exclude_tests_file"`
	ExcludeGroups     []string `toml:"exclude_groups" mapstructure:"exclude_groups"`
	Section           string   `toml:"section" mapstructure:"section"`
	ExcludeSection    string   `toml:"exclude_section" mapstructure:"exclude_section"`
	Randomize         bool     `toml:"randomize" mapstructure:"randomize"`
	Iterate           int      `toml:"iterate" mapstructure:"iterate"`
	SlowestFirst      string   `toml:"slowest_first" mapstructure:"slowest_first"`
	RerunFailures     string   `toml:"rerun_failures" mapstructure:"rerun_failures"`
}

// TestRunner is the `test_runner.*` config block (spec.md §6).
type TestRunner struct {
	KeepAlive             bool          `toml:"keep_alive" mapstructure:"keep_alive"`
	TestTimeout           time.Duration `toml:"test_timeout" mapstructure:"test_timeout"`
	ProbeInterval         time.Duration `toml:"probe_interval" mapstructure:"probe_interval"`
	MaxSupervisorRestarts int           `toml:"max_supervisor_restarts" mapstructure:"max_supervisor_restarts"`
	RetryFailures         int           `toml:"retry_failures" mapstructure:"retry_failures"`
	Dmesg                 bool          `toml:"dmesg" mapstructure:"dmesg"`
}

// Output is the `output.*` config block (spec.md §6).
type Output struct {
	ResultsDir        string `toml:"results_dir" mapstructure:"results_dir"`
	PrintFailureList  bool   `toml:"print_failure_list" mapstructure:"print_failure_list"`
	PrintNSlowest     int    `toml:"print_n_slowest" mapstructure:"print_n_slowest"`
	PrintDurationHist bool   `toml:"print_duration_hist" mapstructure:"print_duration_hist"`
	Record            string `toml:"record" mapstructure:"record"`

	// JUnitPath, if set, additionally writes the run's results as a
	// JUnit-style XML testsuite (SPEC_FULL.md §6) for CI consumption,
	// alongside the terminal summary.
	JUnitPath string `toml:"junit_path" mapstructure:"junit_path"`
}

// VMPool is the supervisor-backend config block (spec.md §1: "Supervisor
// backend... specified only via the Supervisor interface" — the core
// never reads this; only cmd/run.go does, to build the vmsupervisor
// pool). Grounded on the teacher's `vm`/`vmSpecification` TOML structs
// (cmd/vmshed.go, cmd/vm.go), collapsed to the single base image this
// backend provisions per slot.
type VMPool struct {
	Count         int      `toml:"count" mapstructure:"count"`
	BaseImage     string   `toml:"base_image" mapstructure:"base_image"`
	Memory        string   `toml:"memory" mapstructure:"memory"`
	VCPUs         uint     `toml:"vcpus" mapstructure:"vcpus"`
	BootCapacity  string   `toml:"boot_capacity" mapstructure:"boot_capacity"`
	Disks         []string `toml:"disks" mapstructure:"disks"`
	NetworkCIDR   string   `toml:"network_cidr" mapstructure:"network_cidr"`
	SSHUser       string   `toml:"ssh_user" mapstructure:"ssh_user"`
	CheckPath     string   `toml:"check_path" mapstructure:"check_path"`
}

// Config is the single decoded/merged configuration object (spec.md §9).
type Config struct {
	Fstests       string        `toml:"fstests" mapstructure:"fstests"`
	TestSelection TestSelection `toml:"test_selection" mapstructure:"test_selection"`
	TestRunner    TestRunner    `toml:"test_runner" mapstructure:"test_runner"`
	Output        Output        `toml:"output" mapstructure:"output"`
	VMPool        VMPool        `toml:"vm_pool" mapstructure:"vm_pool"`
}

// Default returns a Config with spec.md §6's stated defaults
// (max_supervisor_restarts=3, retry_failures=0) plus the same defaults
// BindFlags advertises for its flags (iterate, test_timeout,
// probe_interval, vm_pool.count/network_cidr/ssh_user); everything else
// is zero. Merge seeds these values above the flags' own defaults, so
// they are the effective defaults when neither file nor flag sets a key.
func Default() Config {
	return Config{
		TestSelection: TestSelection{
			Iterate: 1,
		},
		TestRunner: TestRunner{
			TestTimeout:           5 * time.Minute,
			ProbeInterval:         30 * time.Second,
			MaxSupervisorRestarts: 3,
			RetryFailures:         0,
		},
		VMPool: VMPool{
			Count:       1,
			NetworkCIDR: "10.224.0.0/16",
			SSHUser:     "root",
		},
	}
}

// LoadFile decodes path into a Config, rejecting unknown keys (spec.md
// §10's config-error classification; callers in cmd/ map the returned
// error to the configuration-error exit code).
func LoadFile(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config: %s: unknown keys: %v", path, undecoded)
	}
	return cfg, nil
}

// BindFlags registers cmd's flags with v so CLI values override file
// values in the same Config (spec.md §9's "same data object" note),
// using viper.BindPFlag per flag exactly as the teacher's cobra flags
// are declared, generalized to route through viper instead of local
// vars.
func BindFlags(v *viper.Viper, cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("fstests", "", "path to the fstests test-selection input")
	flags.StringSlice("test-selection.tests", nil, "explicit test ids or suite/glob patterns")
	flags.StringSlice("test-selection.groups", nil, "named xfstests groups to include")
	flags.StringSlice("test-selection.exclude-tests", nil, "test ids or patterns to exclude")
	flags.String("test-selection.exclude-tests-file", "", "path to a file of test ids/patterns to exclude, one per line")
	flags.StringSlice("test-selection.exclude-groups", nil, "named groups to exclude")
	flags.String("test-selection.section", "", "fs-specific config section")
	flags.Bool("test-selection.randomize", false, "shuffle unscheduled tests before dispatch")
	flags.Int("test-selection.iterate", 1, "number of iterations per selected test")
	flags.String("test-selection.slowest-first", "", "duration source for largest-first ordering")
	flags.String("test-selection.rerun-failures", "", "restrict to tests Failed/Errored in this source")
	flags.Bool("test-runner.keep-alive", false, "do not stop supervisors after drain")
	flags.Duration("test-runner.test-timeout", 5*time.Minute, "per-test execution budget")
	flags.Duration("test-runner.probe-interval", 30*time.Second, "liveness probe cadence (0 disables)")
	flags.Int("test-runner.max-supervisor-restarts", 3, "per-WorkItem poison-pill cap")
	flags.Int("test-runner.retry-failures", 0, "per-test retry bound for Failed/TimedOut")
	flags.Bool("test-runner.dmesg", false, "collect dmesg diagnostics")
	flags.String("output.results-dir", "", "result store root; required for recordings/comparisons")
	flags.Bool("output.print-failure-list", false, "print the list of failed tests")
	flags.Int("output.print-n-slowest", 0, "print the N slowest tests")
	flags.Bool("output.print-duration-hist", false, "print a duration histogram")
	flags.String("output.record", "", "create a recording with this label after completion")
	flags.String("output.junit-path", "", "additionally write a JUnit-style XML report to this path")
	flags.Int("vm-pool.count", 1, "number of VM supervisors to run in parallel")
	flags.String("vm-pool.base-image", "", "virter base image name for each VM")
	flags.String("vm-pool.network-cidr", "10.224.0.0/16", "first VM subnet; later VMs take the adjacent blocks of the same size")
	flags.String("vm-pool.ssh-user", "root", "SSH user for VM command execution")
	flags.String("vm-pool.check-path", "", "path to the xfstests check script on the VM image")

	for _, key := range []string{
		"fstests",
		"test_selection.tests", "test_selection.groups", "test_selection.exclude_tests",
		"test_selection.exclude_tests_file",
		"test_selection.exclude_groups", "test_selection.section", "test_selection.randomize",
		"test_selection.iterate", "test_selection.slowest_first", "test_selection.rerun_failures",
		"test_runner.keep_alive", "test_runner.test_timeout", "test_runner.probe_interval",
		"test_runner.max_supervisor_restarts", "test_runner.retry_failures", "test_runner.dmesg",
		"output.results_dir", "output.print_failure_list", "output.print_n_slowest",
		"output.print_duration_hist", "output.record", "output.junit_path",
		"vm_pool.count", "vm_pool.base_image", "vm_pool.network_cidr", "vm_pool.ssh_user", "vm_pool.check_path",
	} {
		flagName := dashed(key)
		if err := v.BindPFlag(key, flags.Lookup(flagName)); err != nil {
			return fmt.Errorf("config: bind flag %s: %w", flagName, err)
		}
	}
	return nil
}

// dashed converts a dotted mapstructure key ("test_runner.test_timeout")
// to its flag spelling ("test-runner.test-timeout").
func dashed(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '_' {
			out[i] = '-'
		} else {
			out[i] = key[i]
		}
	}
	return string(out)
}

// Merge decodes v (file values decoded via LoadFile, then overridden by
// any flags the user explicitly set) into a Config.
//
// v.Unmarshal pulls its values from v.AllSettings(), which for every
// key bound with BindPFlag always has *some* answer — the flag's own
// baked-in default if nothing else set it. Left alone that clobbers a
// file-supplied value with the flag default whenever the user didn't
// pass that flag. setDefaultsFromConfig seeds base's values into v at
// viper's "default" precedence tier (below a changed flag, above the
// flag's own baked-in default; see v.SetDefault), so the merge actually
// matches the doc comment on BindFlags: a flag only wins when the user
// set it.
func Merge(v *viper.Viper, base Config) (Config, error) {
	setDefaultsFromConfig(v, base)

	cfg := base
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: merge CLI flags: %w", err)
	}
	return cfg, nil
}

// setDefaultsFromConfig seeds v's defaults from cfg, one key per flag
// BindFlags registers.
func setDefaultsFromConfig(v *viper.Viper, cfg Config) {
	v.SetDefault("fstests", cfg.Fstests)
	v.SetDefault("test_selection.tests", cfg.TestSelection.Tests)
	v.SetDefault("test_selection.groups", cfg.TestSelection.Groups)
	v.SetDefault("test_selection.exclude_tests", cfg.TestSelection.ExcludeTests)
	v.SetDefault("test_selection.exclude_tests_file", cfg.TestSelection.ExcludeTestsFile)
	v.SetDefault("test_selection.exclude_groups", cfg.TestSelection.ExcludeGroups)
	v.SetDefault("test_selection.section", cfg.TestSelection.Section)
	v.SetDefault("test_selection.randomize", cfg.TestSelection.Randomize)
	v.SetDefault("test_selection.iterate", cfg.TestSelection.Iterate)
	v.SetDefault("test_selection.slowest_first", cfg.TestSelection.SlowestFirst)
	v.SetDefault("test_selection.rerun_failures", cfg.TestSelection.RerunFailures)
	v.SetDefault("test_runner.keep_alive", cfg.TestRunner.KeepAlive)
	v.SetDefault("test_runner.test_timeout", cfg.TestRunner.TestTimeout)
	v.SetDefault("test_runner.probe_interval", cfg.TestRunner.ProbeInterval)
	v.SetDefault("test_runner.max_supervisor_restarts", cfg.TestRunner.MaxSupervisorRestarts)
	v.SetDefault("test_runner.retry_failures", cfg.TestRunner.RetryFailures)
	v.SetDefault("test_runner.dmesg", cfg.TestRunner.Dmesg)
	v.SetDefault("output.results_dir", cfg.Output.ResultsDir)
	v.SetDefault("output.print_failure_list", cfg.Output.PrintFailureList)
	v.SetDefault("output.print_n_slowest", cfg.Output.PrintNSlowest)
	v.SetDefault("output.print_duration_hist", cfg.Output.PrintDurationHist)
	v.SetDefault("output.record", cfg.Output.Record)
	v.SetDefault("output.junit_path", cfg.Output.JUnitPath)
	v.SetDefault("vm_pool.count", cfg.VMPool.Count)
	v.SetDefault("vm_pool.base_image", cfg.VMPool.BaseImage)
	v.SetDefault("vm_pool.network_cidr", cfg.VMPool.NetworkCIDR)
	v.SetDefault("vm_pool.ssh_user", cfg.VMPool.SSHUser)
	v.SetDefault("vm_pool.check_path", cfg.VMPool.CheckPath)
}
