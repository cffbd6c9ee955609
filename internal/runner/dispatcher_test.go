package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/loemraw/fast-fstests/internal/events"
	"github.com/loemraw/fast-fstests/internal/model"
)

type fakeTest struct {
	id   model.TestId
	iter int
}

func (t fakeTest) Identity() model.TestId { return t.id }
func (t fakeTest) Iteration() int         { return t.iter }

func newItem(id string) *model.WorkItem {
	return &model.WorkItem{Test: fakeTest{id: model.TestId(id), iter: 1}}
}

type fakeRecorder struct {
	mu      sync.Mutex
	results []model.TestResult
}

func (r *fakeRecorder) Record(res model.TestResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *fakeRecorder) forTest(id string) []model.TestResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.TestResult
	for _, res := range r.results {
		if string(res.TestId) == id {
			out = append(out, res)
		}
	}
	return out
}

func noArtifacts(model.Test, int) (string, string, string) { return "", "", "" }

// scriptedSupervisor runs a caller-supplied function on every RunTest
// call; everything else is a no-op success.
type scriptedSupervisor struct {
	id         string
	mu         sync.Mutex
	calls      int
	restarts   int
	restartErr error
	run        func(test model.Test, call int) (model.TestStatus, error)
	probeFunc  func() bool
}

func (s *scriptedSupervisor) ID() string                      { return s.id }
func (s *scriptedSupervisor) Start(ctx context.Context) error { return nil }
func (s *scriptedSupervisor) Stop(ctx context.Context) error  { return nil }
func (s *scriptedSupervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	s.restarts++
	err := s.restartErr
	s.mu.Unlock()
	return err
}

func (s *scriptedSupervisor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
func (s *scriptedSupervisor) Probe(ctx context.Context) bool {
	if s.probeFunc != nil {
		return s.probeFunc()
	}
	return true
}
func (s *scriptedSupervisor) CollectArtifacts(ctx context.Context, test model.Test, dest string) ([]string, error) {
	return nil, nil
}
func (s *scriptedSupervisor) RunTest(ctx context.Context, test model.Test, stdout, stderr io.Writer) (model.TestStatus, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.run(test, call)
}

func runDispatcher(t *testing.T, policy Policy, sups []Supervisor, items []*model.WorkItem) (Summary, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{}
	sink := events.NewSink(64)
	go func() {
		for range sink.Events() {
		}
	}()
	d := New(policy, sink, rec, noArtifacts, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summary, err := d.Run(ctx, sups, items)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sink.Close()
	return summary, rec
}

func TestHappyPath(t *testing.T) {
	always := func(status model.TestStatus) func(model.Test, int) (model.TestStatus, error) {
		return func(model.Test, int) (model.TestStatus, error) { return status, nil }
	}
	s1 := &scriptedSupervisor{id: "s1", run: always(model.StatusPassed)}
	s2 := &scriptedSupervisor{id: "s2", run: always(model.StatusPassed)}

	items := []*model.WorkItem{newItem("t1"), newItem("t2"), newItem("t3")}
	summary, rec := runDispatcher(t, Policy{}, []Supervisor{s1, s2}, items)

	if len(summary.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(summary.Results))
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		got := rec.forTest(id)
		if len(got) != 1 {
			t.Fatalf("test %s: expected 1 persisted attempt, got %d", id, len(got))
		}
		if got[0].AttemptIndex != 1 {
			t.Errorf("test %s: expected attempt_index 1, got %d", id, got[0].AttemptIndex)
		}
		if got[0].Status != model.StatusPassed {
			t.Errorf("test %s: expected Passed, got %s", id, got[0].Status)
		}
	}
}

func TestFlakyRetry(t *testing.T) {
	sup := &scriptedSupervisor{id: "s1", run: func(test model.Test, call int) (model.TestStatus, error) {
		switch call {
		case 1, 2:
			return model.StatusFailed, nil
		default:
			return model.StatusPassed, nil
		}
	}}

	items := []*model.WorkItem{newItem("t1")}
	_, rec := runDispatcher(t, Policy{RetryFailures: 2}, []Supervisor{sup}, items)

	got := rec.forTest("t1")
	if len(got) != 3 {
		t.Fatalf("expected 3 persisted attempts, got %d", len(got))
	}
	for i, r := range got {
		if r.AttemptIndex != i+1 {
			t.Errorf("attempt %d: expected attempt_index %d, got %d", i, i+1, r.AttemptIndex)
		}
	}
	if got[0].Status != model.StatusFailed || got[1].Status != model.StatusFailed {
		t.Fatalf("expected first two attempts Failed, got %v %v", got[0].Status, got[1].Status)
	}
	if got[2].Status != model.StatusPassed {
		t.Fatalf("expected final (authoritative) attempt Passed, got %v", got[2].Status)
	}
}

func TestRetryFailuresZeroBoundary(t *testing.T) {
	sup := &scriptedSupervisor{id: "s1", run: func(model.Test, int) (model.TestStatus, error) {
		return model.StatusFailed, nil
	}}
	_, rec := runDispatcher(t, Policy{RetryFailures: 0}, []Supervisor{sup}, []*model.WorkItem{newItem("t1")})
	got := rec.forTest("t1")
	if len(got) != 1 {
		t.Fatalf("retry_failures=0: expected exactly 1 persisted attempt, got %d", len(got))
	}
}

var errCrash = fmt.Errorf("ssh lost: %w", ErrTransport)

func TestPoisonPillIsolation(t *testing.T) {
	crashy := func(test model.Test, call int) (model.TestStatus, error) {
		if test.Identity() == "bad" {
			return model.StatusErrored, errCrash
		}
		return model.StatusPassed, nil
	}
	s1 := &scriptedSupervisor{id: "s1", run: crashy}
	s2 := &scriptedSupervisor{id: "s2", run: crashy}

	items := []*model.WorkItem{newItem("bad"), newItem("good")}
	summary, rec := runDispatcher(t, Policy{MaxSupervisorRestarts: 2}, []Supervisor{s1, s2}, items)
	if len(summary.Errors) != 0 {
		t.Fatalf("unexpected dispatcher errors: %v", summary.Errors)
	}

	bad := rec.forTest("bad")
	if len(bad) == 0 {
		t.Fatal("expected at least one persisted attempt for 'bad'")
	}
	last := bad[len(bad)-1]
	if last.Status != model.StatusErrored {
		t.Fatalf("expected 'bad' to finalize Errored, got %s", last.Status)
	}
	// every crash attempt up to and including the cap is persisted
	if len(bad) != 3 {
		t.Fatalf("expected 3 persisted crash attempts (cap 2 + 1 final), got %d", len(bad))
	}

	good := rec.forTest("good")
	if len(good) != 1 || good[0].Status != model.StatusPassed {
		t.Fatalf("expected 'good' to pass once, got %+v", good)
	}
}

// TestFailedRestartRetiresWorker covers the case where a crash-triggered
// restart itself fails: the worker owning that supervisor must retire
// instead of looping forever handing work to a dead slot (spec.md §4.3
// step f / §8 "Poison-pill isolation" must still attribute the fault to
// the supervisor, not to every test that happens to cycle through it).
func TestFailedRestartRetiresWorker(t *testing.T) {
	crashOnce := func(test model.Test, call int) (model.TestStatus, error) {
		if call == 1 {
			return model.StatusErrored, errCrash
		}
		return model.StatusPassed, nil
	}
	dead := &scriptedSupervisor{id: "dead", run: crashOnce, restartErr: errors.New("virter vm run: exit status 1")}
	healthy := &scriptedSupervisor{id: "healthy", run: func(model.Test, int) (model.TestStatus, error) {
		return model.StatusPassed, nil
	}}

	items := []*model.WorkItem{newItem("only")}
	summary, rec := runDispatcher(t, Policy{MaxSupervisorRestarts: 3}, []Supervisor{dead, healthy}, items)
	if len(summary.Errors) != 0 {
		t.Fatalf("unexpected dispatcher errors: %v", summary.Errors)
	}

	got := rec.forTest("only")
	if len(got) == 0 {
		t.Fatal("expected at least one persisted attempt")
	}
	last := got[len(got)-1]
	if last.Status != model.StatusPassed {
		t.Fatalf("expected the retried item to eventually pass on the healthy supervisor, got %s", last.Status)
	}

	if dead.restarts != 1 {
		t.Fatalf("expected exactly one restart attempt on the dead supervisor, got %d", dead.restarts)
	}
	// the dead supervisor's worker must retire after the failed restart,
	// never receiving a second RunTest call against a torn-down VM.
	if dead.callCount() != 1 {
		t.Fatalf("expected the retired worker to stop calling RunTest, got %d calls", dead.callCount())
	}
}

func TestTimeout(t *testing.T) {
	sup := &scriptedSupervisor{id: "s1"}
	sup.run = func(model.Test, int) (model.TestStatus, error) {
		// simulate a test that ignores its own deadline until aborted
		<-time.After(0)
		return model.StatusPassed, context.DeadlineExceeded
	}

	items := []*model.WorkItem{newItem("slow")}
	_, rec := runDispatcher(t, Policy{TestTimeout: 5 * time.Millisecond}, []Supervisor{sup}, items)

	got := rec.forTest("slow")
	if len(got) != 1 {
		t.Fatalf("expected 1 persisted attempt, got %d", len(got))
	}
	if got[0].Status != model.StatusTimedOut {
		t.Fatalf("expected TimedOut, got %s", got[0].Status)
	}
}

func TestNoSupervisorsAvailable(t *testing.T) {
	sup := &scriptedSupervisor{id: "s1"}
	startErrSup := failingStartSupervisor{scriptedSupervisor: sup}

	rec := &fakeRecorder{}
	sink := events.NewSink(8)
	go func() {
		for range sink.Events() {
		}
	}()
	d := New(Policy{}, sink, rec, noArtifacts, nil)
	_, err := d.Run(context.Background(), []Supervisor{startErrSup}, []*model.WorkItem{newItem("t1")})
	sink.Close()
	if !errors.Is(err, ErrNoSupervisorsAvailable) {
		t.Fatalf("expected ErrNoSupervisorsAvailable, got %v", err)
	}
}

type failingStartSupervisor struct {
	*scriptedSupervisor
}

func (f failingStartSupervisor) Start(ctx context.Context) error {
	return fmt.Errorf("boom: %w", ErrStartupFailed)
}
