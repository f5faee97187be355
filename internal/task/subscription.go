package task

import (
	"sync"

	"github.com/google/uuid"

	"github.com/btouchard/quantrun/internal/stream"
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 256

// Mode decides what detaching a subscriber does to its task.
type Mode string

const (
	// ModeShared subscribers only stop receiving when they detach.
	ModeShared Mode = "shared"
	// ModeOwning subscribers stop the task when they detach.
	ModeOwning Mode = "owning"
)

// Subscription is one live receiver of a task's events. Sends never block:
// when the buffer is full the event is dropped for this subscriber only.
// The channel returned by Events is closed when the stream ends.
type Subscription struct {
	ID   string
	Key  string
	Mode Mode

	mu      sync.Mutex
	events  chan stream.Event
	closed  bool
	dropped int
	task    *Task
}

func newSubscription(key string, mode Mode, size int) *Subscription {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Subscription{
		ID:     uuid.NewString(),
		Key:    key,
		Mode:   mode,
		events: make(chan stream.Event, size),
	}
}

// Events returns the event stream. It is closed after the terminal event
// or when the subscription is detached.
func (s *Subscription) Events() <-chan stream.Event {
	return s.events
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Task returns the task this subscription is attached to, or nil.
func (s *Subscription) Task() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

func (s *Subscription) bind(t *Task) {
	s.mu.Lock()
	s.task = t
	s.mu.Unlock()
}

// offer delivers ev without blocking. It reports false if the event was
// dropped or the subscription is closed.
func (s *Subscription) offer(ev stream.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.dropped++
		return false
	}
}

// finish delivers the terminal event, evicting the oldest buffered events
// if needed, then closes the stream.
func (s *Subscription) finish(ev stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for {
		select {
		case s.events <- ev:
			s.closed = true
			close(s.events)
			return
		default:
		}
		select {
		case <-s.events:
			s.dropped++
		default:
		}
	}
}

// close ends the stream without a terminal event.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
