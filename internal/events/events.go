// Package events defines the dispatcher's progress event stream (spec.md
// §4.7): a bounded channel that a reporter or UI consumes, which drops
// progress events (never terminal ones) on overflow.
package events

import (
	"time"

	"github.com/loemraw/fast-fstests/internal/model"
)

// Kind is the closed set of event types the dispatcher emits.
type Kind string

const (
	KindSupervisorUp        Kind = "SupervisorUp"
	KindSupervisorDown       Kind = "SupervisorDown"
	KindSupervisorRestarted  Kind = "SupervisorRestarted"
	KindTestStarted          Kind = "TestStarted"
	KindTestFinished         Kind = "TestFinished"
	KindTestRetried          Kind = "TestRetried"
	KindRunComplete          Kind = "RunComplete"
)

// terminal reports whether a Kind must never be dropped on overflow.
func (k Kind) terminal() bool {
	switch k {
	case KindTestFinished, KindRunComplete:
		return true
	default:
		return false
	}
}

// Event is one structured progress record.
type Event struct {
	Kind         Kind
	Time         time.Time
	TestId       model.TestId
	Iteration    int
	SupervisorId string
	AttemptIndex int
	Status       model.TestStatus
	Err          error
}

// Sink is a bounded event channel. Producers use Emit, which never drops
// terminal events (it blocks until they are delivered) but silently drops
// progress events when the channel is full (spec.md §4.7, §5 "Shared
// resources").
type Sink struct {
	ch chan Event
}

// NewSink creates a Sink with the given channel capacity.
func NewSink(capacity int) *Sink {
	if capacity <= 0 {
		capacity = 1
	}
	return &Sink{ch: make(chan Event, capacity)}
}

// Events returns the receive-only channel for consumers.
func (s *Sink) Events() <-chan Event {
	return s.ch
}

// Close closes the underlying channel. Callers must stop calling Emit
// before closing.
func (s *Sink) Close() {
	close(s.ch)
}

// Emit sends ev. Terminal events (TestFinished, RunComplete) always
// block until delivered so no result is silently lost. Progress events
// are dropped if the channel is full.
func (s *Sink) Emit(ev Event) {
	if ev.Kind.terminal() {
		s.ch <- ev
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}
