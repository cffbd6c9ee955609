// Package vmsupervisor is the concrete Supervisor backend (SPEC_FULL.md
// §4.9): each Supervisor owns one numbered VM slot, provisioned and torn
// down via the virter CLI, with tests executed over SSH.
//
// Grounded on the teacher's cmd/vm.go (runVM, cmdStderrTerm, cmdRunTerm,
// handleTermination) — the graceful-termination machinery here is kept
// close to verbatim, since it is ambient process-management plumbing,
// not VM-domain logic to adapt.
package vmsupervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/loemraw/fast-fstests/internal/runner"
)

// killGrace is how long handleTermination waits after SIGTERM before
// escalating to SIGKILL, exactly as the teacher's cmdRunTerm does.
const killGrace = 10 * time.Second

// cmdRunTerm runs cmd to completion, terminating it gracefully
// (SIGTERM, then SIGKILL after killGrace) if ctx is done first. Mirrors
// the teacher's cmdRunTerm/handleTermination pair, with one addition:
// a successful abort (the common case, e.g. a per-test timeout) returns
// a plain ctx.Err() that does not wrap runner.ErrTransport — only when
// the SIGTERM/SIGKILL signalling itself fails does the error also wrap
// ErrTransport, per runner.Supervisor.RunTest's contract.
func cmdRunTerm(ctx context.Context, logger log.FieldLogger, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", runner.ErrTransport, err)
	}

	complete := make(chan struct{})
	finished := make(chan struct{})
	var termErr error
	go handleTermination(ctx, logger, cmd, complete, finished, &termErr)

	err := cmd.Wait()
	close(complete)
	<-finished

	if ctx.Err() != nil {
		if termErr != nil {
			return fmt.Errorf("test aborted (%w) but termination failed: %w: %v", ctx.Err(), runner.ErrTransport, termErr)
		}
		return fmt.Errorf("test aborted: %w", ctx.Err())
	}
	return err
}

// handleTermination signals cmd to exit once ctx is done, escalating
// from SIGTERM to SIGKILL after killGrace. *termErr is left nil on a
// successful abort; it is only set when a signal could not be delivered
// to a still-running process (a process that had already exited before
// the signal arrived is not a termination failure).
func handleTermination(ctx context.Context, logger log.FieldLogger, cmd *exec.Cmd, complete <-chan struct{}, finished chan<- struct{}, termErr *error) {
	select {
	case <-ctx.Done():
		logger.Warnln("TERMINATING: sending SIGTERM")
		if err := cmd.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			*termErr = err
		}
		select {
		case <-time.After(killGrace):
			logger.Errorln("TERMINATING: sending SIGKILL")
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				*termErr = err
			}
		case <-complete:
		}
	case <-complete:
	}
	close(finished)
}

// cmdStderrTerm runs cmd, collecting stderr, and wraps any *exec.ExitError
// with the captured stderr bytes the way the teacher's cmdStderrTerm does.
func cmdStderrTerm(ctx context.Context, logger log.FieldLogger, cmd *exec.Cmd) ([]byte, error) {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmdRunTerm(ctx, logger, cmd)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitErr.Stderr = stderr.Bytes()
	}
	return stderr.Bytes(), err
}
