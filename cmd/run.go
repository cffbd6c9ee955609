package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nightlyone/lockfile"
	"github.com/rck/errorlog"
	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loemraw/fast-fstests/internal/config"
	"github.com/loemraw/fast-fstests/internal/events"
	"github.com/loemraw/fast-fstests/internal/fstests"
	"github.com/loemraw/fast-fstests/internal/model"
	"github.com/loemraw/fast-fstests/internal/reporter"
	"github.com/loemraw/fast-fstests/internal/runner"
	"github.com/loemraw/fast-fstests/internal/store"
	"github.com/loemraw/fast-fstests/internal/vmsupervisor"
)

func runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the matched tests across a pool of disposable VMs (default subcommand)",
	}
	v := bindConfigFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		os.Exit(doRun(v))
		return nil
	}
	return cmd
}

// doRun drives one full invocation: load config, expand the test
// selection, provision the VM pool, dispatch, persist, report. It
// returns the process exit code spec.md §6 specifies instead of calling
// os.Exit itself.
func doRun(v *viper.Viper) int {
	cfg, err := loadConfig(v)
	if err != nil {
		log.Error(err)
		return exitConfigError
	}

	ids, err := expandSelection(cfg)
	if err != nil {
		log.Error(err)
		return exitConfigError
	}
	if cfg.TestSelection.Randomize {
		rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	}

	iterate := cfg.TestSelection.Iterate
	if iterate < 1 {
		iterate = 1
	}
	items := fstests.Expanded(toTestIds(ids), iterate)

	if cfg.Output.ResultsDir != "" && cfg.TestSelection.SlowestFirst != "" {
		source, err := slowestFirstSource(cfg)
		if err != nil {
			log.Warnf("slowest_first: %v; falling back to input order", err)
		} else {
			items = runner.OrderByDuration(items, source, nil)
		}
	}
	if cfg.Output.ResultsDir != "" && cfg.TestSelection.RerunFailures != "" {
		items, err = filterRerunFailures(cfg, items)
		if err != nil {
			log.Error(err)
			return exitConfigError
		}
	}

	runTag, err := newRunTag()
	if err != nil {
		log.Error(err)
		return exitConfigError
	}

	locks, err := acquireSlotLocks(cfg.VMPool.Count)
	if err != nil {
		log.Error(err)
		return exitConfigError
	}
	defer releaseSlotLocks(locks)

	supervisors, err := buildSupervisorPool(cfg.VMPool, cfg.TestRunner.Dmesg, cfg.TestSelection.Section, runTag)
	if err != nil {
		log.Error(err)
		return exitConfigError
	}

	var st *store.Store
	runID := time.Now().UTC().Format("20060102T150405Z")
	if cfg.Output.ResultsDir != "" {
		st, err = store.Open(cfg.Output.ResultsDir, runID)
		if err != nil {
			log.Error(err)
			return exitConfigError
		}
		defer st.Close()
	}

	sink := events.NewSink(256)
	doneLogging := make(chan struct{})
	go func() {
		defer close(doneLogging)
		for ev := range sink.Events() {
			log.WithFields(log.Fields{
				"kind":       ev.Kind,
				"test":       ev.TestId,
				"supervisor": ev.SupervisorId,
			}).Debug("event")
		}
	}()

	policy := runner.Policy{
		TestTimeout:           cfg.TestRunner.TestTimeout,
		ProbeInterval:         cfg.TestRunner.ProbeInterval,
		MaxSupervisorRestarts: cfg.TestRunner.MaxSupervisorRestarts,
		RetryFailures:         cfg.TestRunner.RetryFailures,
		KeepAlive:             cfg.TestRunner.KeepAlive,
	}

	var recorder runner.Recorder = noopRecorder{}
	artifacts := runner.ArtifactCollector(func(test model.Test, attempt int) (string, string, string) {
		return "", "", ""
	})
	if st != nil {
		recorder = st
		artifacts = func(test model.Test, attempt int) (string, string, string) {
			return st.ArtifactDestDir(test.Identity()), "", ""
		}
	}

	dispatcher := runner.New(policy, sink, recorder, artifacts, log.StandardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	cancelledCh := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			close(cancelledCh)
			cancel()
		case <-ctx.Done():
		}
	}()
	defer signal.Stop(sigCh)

	summary, runErr := dispatcher.Run(ctx, supervisors, items)
	cancel()
	sink.Close()
	<-doneLogging

	if runErr != nil {
		log.Error(runErr)
		return exitConfigError
	}

	errs := errorlog.NewErrorLog()
	for _, e := range summary.Errors {
		errs.Append(e)
	}
	if errs.Len() > 0 {
		log.Warnf("%d non-fatal errors during the run:", errs.Len())
		for _, e := range errs.Errs() {
			log.Warn(e)
		}
	}

	if st != nil {
		if err := st.PublishLatest(); err != nil {
			log.Error(err)
		}
		if cfg.Output.Record != "" {
			if err := store.Recording(cfg.Output.ResultsDir, cfg.Output.Record, runID, false); err != nil {
				log.Error(err)
			}
		}
	}

	reporter.Summary(os.Stdout, summary.Results, reporter.Options{
		PrintFailureList:  cfg.Output.PrintFailureList,
		PrintNSlowest:     cfg.Output.PrintNSlowest,
		PrintDurationHist: cfg.Output.PrintDurationHist,
	})

	if cfg.Output.JUnitPath != "" {
		if err := writeJUnitReport(cfg.Output.JUnitPath, summary.Results); err != nil {
			log.Warnf("junit_path: %v", err)
		}
	}

	select {
	case <-cancelledCh:
		return exitSignalCancelled
	default:
		return exitCodeFor(summary.Results)
	}
}

// writeJUnitReport writes results as a JUnit-style XML testsuite to path,
// the CI-facing sibling of the terminal reporter.Summary output.
func writeJUnitReport(path string, results []model.TestResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create junit report: %w", err)
	}
	defer f.Close()
	return reporter.JUnit(f, results)
}

func exitCodeFor(results []model.TestResult) int {
	worst := exitOK
	for _, r := range results {
		switch {
		case r.Status == model.StatusErrored:
			return exitTestError
		case !r.Status.Passed() && r.Status != model.StatusSkipped:
			worst = exitTestFailure
		}
	}
	return worst
}

func toTestIds(ids []string) []model.TestId {
	out := make([]model.TestId, len(ids))
	for i, id := range ids {
		out[i] = model.TestId(id)
	}
	return out
}

// newRunTag generates a short per-process tag so concurrent
// fast-fstests invocations on the same host never collide on VM names,
// mirroring the uniqueness the teacher's per-slot lockfile (below)
// provides for slot numbers.
func newRunTag() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("generate run tag: %w", err)
	}
	return id.String()[:8], nil
}

// acquireSlotLocks takes an exclusive, process-wide lock per VM slot
// number before provisioning, the same guard the teacher's
// provisionAndExec applies per VM number so two concurrent invocations
// never drive the same libvirt domain name.
func acquireSlotLocks(count int) ([]lockfile.Lockfile, error) {
	locks := make([]lockfile.Lockfile, 0, count)
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("fast-fstests.vm-%d.lock", i)
		lock, err := lockfile.New(filepath.Join(os.TempDir(), name))
		if err != nil {
			return nil, fmt.Errorf("init lock for slot %d: %w", i, err)
		}
		if err := lock.TryLock(); err != nil {
			releaseSlotLocks(locks)
			return nil, fmt.Errorf("slot %d is in use by another invocation: %w", i, err)
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

func releaseSlotLocks(locks []lockfile.Lockfile) {
	for _, l := range locks {
		l.Unlock()
	}
}

func buildSupervisorPool(pool config.VMPool, dmesg bool, section, runTag string) ([]runner.Supervisor, error) {
	count := pool.Count
	if count < 1 {
		count = 1
	}
	_, network, err := net.ParseCIDR(pool.NetworkCIDR)
	if err != nil {
		return nil, fmt.Errorf("vm_pool.network_cidr: %w", err)
	}
	netPool := vmsupervisor.NewNetworkPool(network)

	vmCfg := vmsupervisor.VMConfig{
		BaseImage:     pool.BaseImage,
		Memory:        pool.Memory,
		VCPUs:         pool.VCPUs,
		BootCap:       pool.BootCapacity,
		Disks:         pool.Disks,
		CheckPath:     pool.CheckPath,
		ConfigSection: section,
		SSHUser:       pool.SSHUser,
		Dmesg:         dmesg,
	}

	supervisors := make([]runner.Supervisor, count)
	for i := 0; i < count; i++ {
		supervisors[i] = vmsupervisor.New(i, vmCfg, netPool, runTag)
	}
	return supervisors, nil
}

type noopRecorder struct{}

func (noopRecorder) Record(model.TestResult) error { return nil }

// slowestFirstSource loads the named prior run as a runner.DurationSource
// for test_selection.slowest_first.
func slowestFirstSource(cfg config.Config) (runner.DurationSource, error) {
	run, err := loadRunByRef(cfg.Output.ResultsDir, cfg.TestSelection.SlowestFirst)
	if err != nil {
		return nil, err
	}
	durations := make(durationMap, len(run.Results))
	for _, r := range store.FinalStatus(run) {
		durations[r.TestId] = r.DurationSeconds
	}
	return durations, nil
}

type durationMap map[model.TestId]float64

func (m durationMap) Duration(id model.TestId) (float64, bool) {
	d, ok := m[id]
	return d, ok
}

// filterRerunFailures restricts items to WorkItems whose last recorded
// status in test_selection.rerun_failures was Failed or Errored.
func filterRerunFailures(cfg config.Config, items []*model.WorkItem) ([]*model.WorkItem, error) {
	run, err := loadRunByRef(cfg.Output.ResultsDir, cfg.TestSelection.RerunFailures)
	if err != nil {
		return nil, err
	}
	final := store.FinalStatus(run)

	var out []*model.WorkItem
	for _, item := range items {
		key := item.Key()
		prev, ok := final[key]
		if !ok {
			continue
		}
		if prev.Status == model.StatusFailed || prev.Status == model.StatusErrored {
			out = append(out, item)
		}
	}
	return out, nil
}

func loadRunByRef(resultsDir, ref string) (model.Run, error) {
	runID, err := store.ResolveRun(resultsDir, ref)
	if err != nil {
		return model.Run{}, err
	}
	return store.LoadRun(resultsDir, runID)
}
