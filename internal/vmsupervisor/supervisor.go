package vmsupervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/loemraw/fast-fstests/internal/fstests"
	"github.com/loemraw/fast-fstests/internal/model"
	"github.com/loemraw/fast-fstests/internal/runner"
)

// VMConfig is the per-VM shape a Supervisor provisions, grounded on the
// teacher's `vm` TOML struct (cmd/vm.go).
type VMConfig struct {
	BaseImage string
	Memory    string
	VCPUs     uint
	BootCap   string
	Disks     []string

	CheckPath      string // path to the xfstests `check` script on the VM
	ConfigSection  string // test_selection.section, forwarded as `check -s`
	SSHUser        string
	Dmesg          bool // test_runner.dmesg: fetch dmesg after each test for kernel-panic detection
}

// Supervisor owns one numbered VM slot for the lifetime of the run. It
// implements runner.Supervisor; slot/name/network stay stable across
// Restart so the owning worker goroutine never rebinds.
type Supervisor struct {
	slot int
	cfg  VMConfig
	pool *NetworkPool
	tag  string // per-run instance tag, keeps VM names unique across concurrent invocations on one host

	logger  log.FieldLogger
	network *net.IPNet
	host    string // resolved VM address/hostname for SSH, set by Start
}

// New builds a Supervisor for the given slot. slot must be unique
// within a run; it determines the VM name, virter --id, and network.
// tag disambiguates VM names across concurrent fast-fstests invocations
// on the same host (cmd/run.go generates one per process with
// satori/go.uuid, the way the teacher guards per-slot VM names with a
// lockfile in provisionAndExec).
func New(slot int, cfg VMConfig, pool *NetworkPool, tag string) *Supervisor {
	return &Supervisor{
		slot:   slot,
		cfg:    cfg,
		pool:   pool,
		tag:    tag,
		logger: log.WithField("supervisor", fmt.Sprintf("vm-%d", slot)),
	}
}

func (s *Supervisor) ID() string { return fmt.Sprintf("vm-%d", s.slot) }

func (s *Supervisor) vmName() string { return fmt.Sprintf("fast-fstests-%s-vm-%d", s.tag, s.slot) }

// Start provisions the VM's private network (if not already held from a
// prior Restart) and boots the VM via `virter vm run`, waiting for SSH.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.network == nil {
		reserved, err := s.pool.Reserve()
		if err != nil {
			return fmt.Errorf("%w: %v", runner.ErrStartupFailed, err)
		}
		s.network = reserved
		if err := addNetwork(ctx, s.logger, virterNetworkName(s.slot), s.network); err != nil {
			s.pool.Release(s.network)
			s.network = nil
			return fmt.Errorf("%w: %v", runner.ErrStartupFailed, err)
		}
	}

	// idempotent cleanup, mirroring the teacher's "rm before run"
	s.removeVM(ctx)

	argv := []string{"virter", "vm", "run",
		"--name", s.vmName(),
		"--id", strconv.Itoa(s.slot),
		"--memory", s.cfg.Memory,
		"--vcpus", strconv.Itoa(int(s.cfg.VCPUs)),
		"--bootcapacity", s.cfg.BootCap,
	}
	for _, disk := range s.cfg.Disks {
		argv = append(argv, "--disk", disk)
	}
	argv = append(argv, "--wait-ssh", s.cfg.BaseImage)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = virterEnv(virterNetworkName(s.slot))
	if _, err := cmdStderrTerm(ctx, s.logger, cmd); err != nil {
		return fmt.Errorf("%w: %v", runner.ErrStartupFailed, err)
	}

	s.host = s.vmName()
	return nil
}

func (s *Supervisor) removeVM(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.Command("virter", "vm", "rm", s.vmName())
	if s.network != nil {
		cmd.Env = virterEnv(virterNetworkName(s.slot))
	}
	cmdStderrTerm(cleanupCtx, s.logger, cmd)
}

func virterEnv(networkName string) []string {
	return append(os.Environ(),
		fmt.Sprintf("VIRTER_LIBVIRT_NETWORK=%s", networkName),
		"VIRTER_LIBVIRT_STATIC_DHCP=true")
}

// RunTest copies nothing — the test image already carries xfstests — and
// runs the synthesized `check` command over SSH, streaming combined
// output into stdout/stderr as it arrives and classifying the verdict
// from exit code, stdout markers, an SSH check for results/<id>.out.bad,
// and (when Dmesg is set) the VM's dmesg.
func (s *Supervisor) RunTest(ctx context.Context, test model.Test, stdout, stderr io.Writer) (model.TestStatus, error) {
	id := test.Identity()
	argv := sshArgv(s.host, s.cfg.SSHUser, fstests.Command(s.cfg.CheckPath, id, s.cfg.ConfigSection))

	cmd := exec.Command(argv[0], argv[1:]...)
	var combined bytes.Buffer
	cmd.Stdout = io.MultiWriter(stdout, &combined)
	cmd.Stderr = stderr

	err := cmdRunTerm(ctx, s.logger, cmd)

	exitCode := 0
	if exitErr, ok := asExitError(err); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		if ctx.Err() != nil {
			// Per-test timeout: cmdRunTerm already classified whether the
			// abort itself succeeded (plain ctx.Err(), retry path) or
			// failed (also wraps ErrTransport, crash/restart path) —
			// propagate it as-is rather than forcing a crash here. The
			// returned status is overridden by classify's TimedOut branch
			// regardless.
			return model.StatusErrored, err
		}
		if errors.Is(err, runner.ErrTransport) {
			return model.StatusErrored, err
		}
		// SSH itself failed to connect/run (vs. the remote command
		// exiting nonzero): treat as a transport failure.
		return model.StatusErrored, fmt.Errorf("ssh to %s: %w: %v", s.host, runner.ErrTransport, err)
	}

	var dmesg []byte
	if s.cfg.Dmesg {
		dmesg = s.fetchDmesg(ctx)
	}

	return fstests.Parse(fstests.Verdict{
		ExitCode:     exitCode,
		Stdout:       combined.Bytes(),
		OutBadExists: s.outBadExists(ctx, id),
		Dmesg:        dmesg,
	}), nil
}

// outBadExists checks for results/<test>.out.bad on the VM, the file
// xfstests' own check harness leaves behind for a failing test.
func (s *Supervisor) outBadExists(ctx context.Context, id model.TestId) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	remotePath := filepath.Join(filepath.Dir(s.cfg.CheckPath), "results", string(id)+".out.bad")
	argv := sshArgv(s.host, s.cfg.SSHUser, []string{"test", "-f", remotePath})
	cmd := exec.Command(argv[0], argv[1:]...)
	return cmdRunTerm(checkCtx, s.logger, cmd) == nil
}

// fetchDmesg pulls the VM's kernel ring buffer over SSH so Parse can
// check it for a panic signature (SPEC_FULL.md §4.8). Best-effort: a
// failure here must not turn a real verdict into a false Errored, so
// errors are swallowed and logged.
func (s *Supervisor) fetchDmesg(ctx context.Context) []byte {
	dmesgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	argv := sshArgv(s.host, s.cfg.SSHUser, []string{"dmesg"})
	cmd := exec.Command(argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmdRunTerm(dmesgCtx, s.logger, cmd); err != nil {
		s.logger.Warnf("fetch dmesg: %v", err)
		return nil
	}
	return out.Bytes()
}

func asExitError(err error) (*exec.ExitError, bool) {
	exitErr, ok := err.(*exec.ExitError)
	return exitErr, ok
}

// Probe runs a short `ssh ... true` liveness check.
func (s *Supervisor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	argv := sshArgv(s.host, s.cfg.SSHUser, []string{"true"})
	cmd := exec.Command(argv[0], argv[1:]...)
	_, err := cmdStderrTerm(probeCtx, s.logger, cmd)
	return err == nil
}

// CollectArtifacts pulls back xfstests' results/ directory over SSH into
// destDir, returning the paths it wrote relative to destDir.
func (s *Supervisor) CollectArtifacts(ctx context.Context, test model.Test, destDir string) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("vmsupervisor: create artifact dir: %w", err)
	}

	remoteDir := filepath.Join(filepath.Dir(s.cfg.CheckPath), "results")
	dest := s.cfg.SSHUser + "@" + s.host + ":" + remoteDir + "/."
	argv := []string{"scp", "-r", "-o", "StrictHostKeyChecking=no", dest, destDir}

	cmd := exec.Command(argv[0], argv[1:]...)
	if _, err := cmdStderrTerm(ctx, s.logger, cmd); err != nil {
		return nil, fmt.Errorf("%w: collect artifacts from %s: %v", runner.ErrTransport, s.host, err)
	}

	var paths []string
	filepath.Walk(destDir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(destDir, p)
		if relErr == nil {
			paths = append(paths, rel)
		}
		return nil
	})
	return paths, nil
}

// Stop tears down the VM, removes its libvirt network and releases the
// subnet back to the pool. Restart does not go through Stop, so the
// network survives a restart.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.removeVM(ctx)
	if s.network != nil {
		if err := removeNetwork(ctx, s.logger, virterNetworkName(s.slot)); err != nil {
			s.logger.Warnf("failed to remove network for slot %d: %v", s.slot, err)
		}
		s.pool.Release(s.network)
		s.network = nil
	}
	return nil
}

// Restart removes the VM and boots it again in the same slot, keeping the
// network it already holds and preserving ID().
func (s *Supervisor) Restart(ctx context.Context) error {
	s.removeVM(ctx)
	s.host = ""
	return s.Start(ctx)
}

func sshArgv(host, user string, remoteArgv []string) []string {
	target := host
	if user != "" {
		target = user + "@" + host
	}
	argv := []string{"ssh", "-o", "StrictHostKeyChecking=no", target}
	return append(argv, quoteArgv(remoteArgv)...)
}

// quoteArgv copies the remote arguments unchanged; it applies no
// quoting, so they must not contain whitespace or shell metacharacters
// (test ids and flags do not).
func quoteArgv(argv []string) []string {
	out := make([]string, len(argv))
	copy(out, argv)
	return out
}

var _ runner.Supervisor = (*Supervisor)(nil)
