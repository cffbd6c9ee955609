// Package runner implements the generic, supervisor-pooled dispatcher
// (spec.md §4.3): it drives a pool of Supervisors to drain a queue of
// WorkItems, handling retries, supervisor restarts, liveness probing,
// and duration-aware ordering, without any knowledge of what a "test" or
// a "supervisor" actually is.
package runner

import (
	"context"
	"errors"
	"io"

	"github.com/loemraw/fast-fstests/internal/model"
)

// Sentinel errors a Supervisor implementation wraps into the errors it
// returns, so the dispatcher can classify outcomes (spec.md §7).
var (
	// ErrStartupFailed marks a Supervisor.Start failure. The supervisor is
	// dropped from the pool; the run continues with the reduced pool.
	ErrStartupFailed = errors.New("supervisor startup failed")

	// ErrTransport marks a transport-level failure (SSH lost, VM crashed)
	// during RunTest, Probe, or CollectArtifacts. It triggers the
	// restart/poison-pill path.
	ErrTransport = errors.New("supervisor transport error")

	// ErrBackend marks a backend-signaled unusable test (a test the
	// backend cannot run at all, as opposed to one that ran and failed).
	ErrBackend = errors.New("backend rejected test")

	// ErrNoSupervisorsAvailable is returned by Run when every configured
	// Supervisor failed to start.
	ErrNoSupervisorsAvailable = errors.New("no supervisors available")
)

// Supervisor is a scoped resource representing one worker, typically a
// VM (spec.md §4.1). Implementations must ensure RunTest and Probe may be
// invoked concurrently without interfering with each other: this
// dispatcher only starts a probe on an idle supervisor, but a worker may
// claim that supervisor and call RunTest while the probe is in flight.
type Supervisor interface {
	// ID is stable for the lifetime of the instance.
	ID() string

	// Start acquires the underlying resource. Honors ctx's deadline; on
	// timeout the supervisor must leave no running side processes.
	Start(ctx context.Context) error

	// RunTest executes test, streaming output to stdout/stderr as it
	// arrives, and returns the resulting status. On ctx cancellation
	// (the per-test timeout) RunTest must attempt to abort the in-flight
	// test and return to Ready; if the abort itself fails, the returned
	// error must wrap both context.DeadlineExceeded and ErrTransport so
	// the dispatcher knows the supervisor needs a restart.
	RunTest(ctx context.Context, test model.Test, stdout, stderr io.Writer) (model.TestStatus, error)

	// Probe is a cheap liveness check. It must return within a short
	// bounded time; an indeterminate answer must be reported as dead
	// (return false).
	Probe(ctx context.Context) bool

	// CollectArtifacts is invoked after every completed test attempt,
	// successful or not, and returns paths relative to destDir.
	CollectArtifacts(ctx context.Context, test model.Test, destDir string) ([]string, error)

	// Stop releases the underlying resource.
	Stop(ctx context.Context) error

	// Restart is equivalent to Stop(); Start() but preserves ID() so
	// callers do not need to rebind.
	Restart(ctx context.Context) error
}

// SinkPair bundles the stdout/stderr sinks passed to RunTest. Sinks are
// append-only byte streams; implementations may be file-backed or
// ring-buffered.
type SinkPair struct {
	Stdout io.Writer
	Stderr io.Writer
}
