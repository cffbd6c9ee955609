package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/loemraw/fast-fstests/internal/events"
	"github.com/loemraw/fast-fstests/internal/logging"
	"github.com/loemraw/fast-fstests/internal/model"
)

// Policy bundles the tunables spec.md §6 calls test_runner.*.
type Policy struct {
	TestTimeout           time.Duration
	StartupTimeout        time.Duration
	ProbeInterval         time.Duration // 0 disables the liveness prober
	MaxSupervisorRestarts int
	RetryFailures         int
	KeepAlive             bool // do not Stop() supervisors after drain
}

// Recorder persists a completed attempt (spec.md §4.4). Called once per
// attempt, in increasing attempt order, so the last call for a given
// (TestId, iteration) leaves the authoritative on-disk state.
type Recorder interface {
	Record(result model.TestResult) error
}

// ArtifactCollector is the destination directory resolver handed to
// Supervisor.CollectArtifacts for a given attempt; it keeps the
// dispatcher agnostic of the result store's directory layout.
type ArtifactCollector func(test model.Test, attemptIndex int) (destDir string, stdoutPath, stderrPath string)

// Summary is returned by Run: aggregate counts used for the exit-code
// decision (spec.md §6) and the reporter's terminal output.
type Summary struct {
	Results []model.TestResult
	Errors  []error
}

// supervisorSlot tracks one Supervisor's state, serialized against the
// one worker goroutine that owns it and the liveness prober that may
// mark it Crashed while it sits idle.
type supervisorSlot struct {
	sup   Supervisor
	mu    sync.Mutex
	state model.SupervisorState
}

func (s *supervisorSlot) State() model.SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *supervisorSlot) setState(st model.SupervisorState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// casState transitions the slot from `from` to `to`, returning whether it
// applied. Used by the prober to avoid racing a worker that has already
// claimed the supervisor.
func (s *supervisorSlot) casState(from, to model.SupervisorState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// Dispatcher drives a pool of Supervisors to drain a queue of WorkItems
// (spec.md §4.3).
type Dispatcher struct {
	policy    Policy
	sink      *events.Sink
	recorder  Recorder
	artifacts ArtifactCollector
	logger    log.FieldLogger
}

// New builds a Dispatcher. sink and recorder must be non-nil; logger may
// be nil to use logrus's standard logger.
func New(policy Policy, sink *events.Sink, recorder Recorder, artifacts ArtifactCollector, logger log.FieldLogger) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Dispatcher{policy: policy, sink: sink, recorder: recorder, artifacts: artifacts, logger: logger}
}

// Run starts supervisors, drains items, and returns once every item is
// finalized or the run is cancelled via ctx. It never returns a non-nil
// error once at least one supervisor started; per-test failures are
// reported through Summary/the event sink, not the returned error.
func (d *Dispatcher) Run(ctx context.Context, supervisors []Supervisor, items []*model.WorkItem) (Summary, error) {
	slots := d.startAll(ctx, supervisors)
	if len(slots) == 0 {
		return Summary{}, ErrNoSupervisorsAvailable
	}

	queue := newWorkQueue(items)

	proberCtx, stopProber := context.WithCancel(context.Background())
	defer stopProber()
	if d.policy.ProbeInterval > 0 {
		go d.runProber(proberCtx, slots)
	}

	var mu sync.Mutex
	var results []model.TestResult
	var runErrs []error
	record := func(r model.TestResult) {
		if err := d.recorder.Record(r); err != nil {
			mu.Lock()
			runErrs = append(runErrs, fmt.Errorf("result store: %w", err))
			mu.Unlock()
		}
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}
	addErr := func(err error) {
		mu.Lock()
		runErrs = append(runErrs, err)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for _, slot := range slots {
		wg.Add(1)
		go func(slot *supervisorSlot) {
			defer wg.Done()
			d.worker(ctx, slot, queue, record, addErr)
		}(slot)
	}

	// Cancellation: close the queue so blocked workers wake up and exit;
	// anything still sitting in the queue is finalized NotRun below.
	cancelDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			for _, w := range queue.Cancel() {
				record(cancelledResult(w))
				d.sink.Emit(events.Event{Kind: events.KindTestFinished, Time: time.Now(), TestId: w.Test.Identity(), Iteration: w.Test.Iteration(), Status: model.StatusNotRun})
			}
		case <-cancelDone:
		}
	}()

	wg.Wait()
	close(cancelDone)

	if !d.policy.KeepAlive {
		d.stopAll(slots)
	}

	d.sink.Emit(events.Event{Kind: events.KindRunComplete, Time: time.Now()})

	return Summary{Results: results, Errors: runErrs}, nil
}

func cancelledResult(w *model.WorkItem) model.TestResult {
	now := time.Now()
	return model.TestResult{
		TestId:         w.Test.Identity(),
		IterationIndex: w.Test.Iteration(),
		Status:         model.StatusNotRun,
		StartedAt:      now,
		FinishedAt:     now,
		AttemptIndex:   w.AttemptsSoFar + 1,
	}
}

func (d *Dispatcher) startAll(ctx context.Context, supervisors []Supervisor) []*supervisorSlot {
	type started struct {
		slot *supervisorSlot
		ok   bool
	}
	out := make([]started, len(supervisors))
	var wg sync.WaitGroup
	for i, sup := range supervisors {
		wg.Add(1)
		go func(i int, sup Supervisor) {
			defer wg.Done()
			slot := &supervisorSlot{sup: sup, state: model.StateStarting}
			startCtx := ctx
			var cancel context.CancelFunc
			if d.policy.StartupTimeout > 0 {
				startCtx, cancel = context.WithTimeout(ctx, d.policy.StartupTimeout)
				defer cancel()
			}
			if err := sup.Start(startCtx); err != nil {
				d.logger.Warnf("supervisor %s failed to start: %v", sup.ID(), err)
				out[i] = started{slot: slot, ok: false}
				return
			}
			slot.setState(model.StateReady)
			d.sink.Emit(events.Event{Kind: events.KindSupervisorUp, Time: time.Now(), SupervisorId: sup.ID()})
			out[i] = started{slot: slot, ok: true}
		}(i, sup)
	}
	wg.Wait()

	slots := make([]*supervisorSlot, 0, len(out))
	for _, s := range out {
		if s.ok {
			slots = append(slots, s.slot)
		}
	}
	return slots
}

func (d *Dispatcher) stopAll(slots []*supervisorSlot) {
	var wg sync.WaitGroup
	for _, slot := range slots {
		wg.Add(1)
		go func(slot *supervisorSlot) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			slot.setState(model.StateStopping)
			if err := slot.sup.Stop(ctx); err != nil {
				d.logger.Warnf("supervisor %s failed to stop cleanly: %v", slot.sup.ID(), err)
			}
			slot.setState(model.StateStopped)
		}(slot)
	}
	wg.Wait()
}

// runProber probes idle (Ready) supervisors every ProbeInterval and
// marks any found Dead as Crashed; the owning worker restarts it before
// handing it its next item. It never probes a supervisor that is not
// Ready — the test itself is the liveness check for Busy ones (spec.md
// §4.3 step 4).
func (d *Dispatcher) runProber(ctx context.Context, slots []*supervisorSlot) {
	ticker := time.NewTicker(d.policy.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, slot := range slots {
				if slot.State() != model.StateReady {
					continue
				}
				probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				alive := slot.sup.Probe(probeCtx)
				cancel()
				if alive {
					continue
				}
				if !slot.casState(model.StateReady, model.StateCrashed) {
					continue // a worker claimed it in the meantime
				}
				d.sink.Emit(events.Event{Kind: events.KindSupervisorDown, Time: time.Now(), SupervisorId: slot.sup.ID()})
			}
		}
	}
}

// worker is the per-supervisor loop (spec.md §4.3 step 3).
func (d *Dispatcher) worker(ctx context.Context, slot *supervisorSlot, queue *workQueue, record func(model.TestResult), addErr func(error)) {
	for {
		item, ok := queue.Pop()
		if !ok {
			return
		}

		if slot.State() == model.StateCrashed {
			if !d.restartSlot(ctx, slot) {
				// Supervisor is gone for good; give the item back and
				// shrink the pool by exiting this worker.
				queue.PushBack(item)
				return
			}
		}

		if !d.runOne(ctx, slot, queue, item, record, addErr) {
			// Crash-triggered restart failed; the item was already
			// requeued or finalized above. Retire this worker so a
			// permanently-dead supervisor stops being handed work.
			return
		}
	}
}

func (d *Dispatcher) restartSlot(ctx context.Context, slot *supervisorSlot) bool {
	restartCtx := ctx
	var cancel context.CancelFunc
	if d.policy.StartupTimeout > 0 {
		restartCtx, cancel = context.WithTimeout(ctx, d.policy.StartupTimeout)
		defer cancel()
	}
	if err := slot.sup.Restart(restartCtx); err != nil {
		d.logger.Errorf("supervisor %s failed to restart: %v", slot.sup.ID(), err)
		slot.setState(model.StateStopped)
		return false
	}
	slot.setState(model.StateReady)
	d.sink.Emit(events.Event{Kind: events.KindSupervisorRestarted, Time: time.Now(), SupervisorId: slot.sup.ID()})
	return true
}

// runOne runs a single attempt on slot and returns whether the worker
// should keep pulling work from this slot. It is false only when a
// crash-triggered restart fails, meaning the supervisor is gone for good.
func (d *Dispatcher) runOne(ctx context.Context, slot *supervisorSlot, queue *workQueue, item *model.WorkItem, record func(model.TestResult), addErr func(error)) bool {
	attemptIndex := item.AttemptsSoFar + 1
	attemptID := fmt.Sprintf("%s#%d.%d", item.Test.Identity(), item.Test.Iteration(), attemptIndex)
	attemptLog := logging.AttemptLogger(attemptID, slot.sup.ID(), io.Discard)

	slot.setState(model.StateBusy)
	d.sink.Emit(events.Event{Kind: events.KindTestStarted, Time: time.Now(), TestId: item.Test.Identity(), Iteration: item.Test.Iteration(), SupervisorId: slot.sup.ID(), AttemptIndex: attemptIndex})
	attemptLog.Infof("dispatched to supervisor %s", slot.sup.ID())

	testCtx := ctx
	var cancel context.CancelFunc
	if d.policy.TestTimeout > 0 {
		testCtx, cancel = context.WithTimeout(ctx, d.policy.TestTimeout)
	}
	var stdout, stderr bytes.Buffer
	started := time.Now()
	status, runErr := slot.sup.RunTest(testCtx, item.Test, &stdout, &stderr)
	if cancel != nil {
		cancel()
	}
	finished := time.Now()
	if runErr != nil {
		attemptLog.Warnf("run_test returned: %v", runErr)
	}

	destDir, _, _ := d.artifacts(item.Test, attemptIndex)
	artifacts, artErr := slot.sup.CollectArtifacts(ctx, item.Test, destDir)
	if artErr != nil {
		d.logger.Warnf("collect artifacts for %s attempt %d: %v", item.Test.Identity(), attemptIndex, artErr)
	}

	finalStatus, isCrash := classify(status, runErr, testCtx)
	if artErr != nil && finalStatus == model.StatusPassed {
		// Never hide a real failure: artifact-collection failure only
		// downgrades a Passed result (spec.md §4.3 step d).
		finalStatus = model.StatusErrored
	}

	attemptLog.Infof("finished with status %s", finalStatus)
	item.AttemptsSoFar = attemptIndex

	result, err := model.NewTestResult(item.Test.Identity(), item.Test.Iteration(), finalStatus, started, finished, slot.sup.ID(), attemptIndex)
	if err != nil {
		addErr(err)
	}
	result.StdoutExcerpt = excerpt(stdout.Bytes())
	result.StderrExcerpt = excerpt(stderr.Bytes())
	result.Artifacts = artifacts

	if isCrash {
		record(result)
		item.SupervisorKillsCaused++
		slot.setState(model.StateCrashed)
		d.sink.Emit(events.Event{Kind: events.KindSupervisorDown, Time: time.Now(), SupervisorId: slot.sup.ID()})

		if item.SupervisorKillsCaused > d.policy.MaxSupervisorRestarts {
			// Poison-pill isolation: this item has crashed enough
			// supervisors; stop trying it and free the pool. result is
			// already Errored (or TimedOut-with-crash), so no further
			// record is written — the attempt just written is final.
			queue.Done()
			d.sink.Emit(events.Event{Kind: events.KindTestFinished, Time: time.Now(), TestId: item.Test.Identity(), Iteration: item.Test.Iteration(), Status: finalStatus, AttemptIndex: attemptIndex})
		} else {
			queue.PushBack(item)
			d.sink.Emit(events.Event{Kind: events.KindTestRetried, Time: time.Now(), TestId: item.Test.Identity(), Iteration: item.Test.Iteration()})
		}

		return d.restartSlot(ctx, slot)
	}

	record(result)

	if shouldRetry(finalStatus, item, d.policy) {
		if !item.RequeuedToFront {
			item.RequeuedToFront = true
			queue.PushFront(item)
		} else {
			queue.PushBack(item)
		}
		d.sink.Emit(events.Event{Kind: events.KindTestRetried, Time: time.Now(), TestId: item.Test.Identity(), Iteration: item.Test.Iteration(), AttemptIndex: attemptIndex})
		slot.setState(model.StateReady)
		return true
	}

	queue.Done()
	d.sink.Emit(events.Event{Kind: events.KindTestFinished, Time: time.Now(), TestId: item.Test.Identity(), Iteration: item.Test.Iteration(), Status: finalStatus, AttemptIndex: attemptIndex})
	slot.setState(model.StateReady)
	return true
}

// classify maps a Supervisor.RunTest outcome to a final TestStatus and
// whether the supervisor itself needs to be considered crashed.
func classify(status model.TestStatus, err error, testCtx context.Context) (model.TestStatus, bool) {
	if err == nil {
		return status, false
	}
	if errors.Is(err, context.DeadlineExceeded) || testCtx.Err() == context.DeadlineExceeded {
		return model.StatusTimedOut, errors.Is(err, ErrTransport)
	}
	if errors.Is(err, ErrTransport) {
		return model.StatusErrored, true
	}
	// ErrBackend or any other error: infrastructure-adjacent but not a
	// supervisor crash.
	return model.StatusErrored, false
}

// shouldRetry implements the retry_failures budget (spec.md §4.3):
// Failed/TimedOut are retried up to retry_failures times; Passed,
// Skipped, and (via the crash path, handled separately) Errored are not
// retried here.
func shouldRetry(status model.TestStatus, item *model.WorkItem, policy Policy) bool {
	if !status.RetryableAsFailure() {
		return false
	}
	return item.AttemptsSoFar <= policy.RetryFailures
}

func excerpt(b []byte) string {
	const max = 4096
	if len(b) <= max {
		return string(b)
	}
	return string(b[len(b)-max:])
}
