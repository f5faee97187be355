package task

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/btouchard/quantrun/internal/executor"
	"github.com/btouchard/quantrun/internal/stream"
)

// State represents the lifecycle state of a task.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateExited   State = "exited"
)

// Live reports whether a task in this state still owns its key.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Task is one external process instance and the subscribers receiving its
// output. Key, ID and Spec never change after creation.
type Task struct {
	mu sync.Mutex

	Key  string
	ID   string
	Spec executor.Spec

	state    State
	exitCode int
	payload  []byte
	proc     executor.Process
	pid      int

	stdout stream.LineBuffer
	stderr stream.LineBuffer
	subs   []*Subscription

	CreatedAt time.Time
	startedAt time.Time
	exitedAt  time.Time

	done chan struct{}
}

func newTask(key string, spec executor.Spec, payload []byte) *Task {
	return &Task{
		Key:       key,
		ID:        uuid.NewString(),
		Spec:      spec,
		state:     StateIdle,
		payload:   payload,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed once the task has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ExitCode returns the exit code; meaningful only once exited.
func (t *Task) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// Subscribers returns the number of attached subscriptions.
func (t *Task) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Task) setStarting() {
	t.mu.Lock()
	t.state = StateStarting
	t.mu.Unlock()
}

// setProcess records the spawned process. It reports true if a stop was
// requested while the process was being launched.
func (t *Task) setProcess(p executor.Process) (stopRequested bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proc = p
	t.pid = p.PID()
	return t.state == StateStopping
}

// setRunning moves Starting to Running. A task already stopping or exited
// keeps its state.
func (t *Task) setRunning() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateStarting {
		t.state = StateRunning
		t.startedAt = time.Now()
	}
}

// beginStop moves a live task to Stopping and returns the process to
// terminate. The process is nil while the task is still starting.
func (t *Task) beginStop() (executor.Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateStarting, StateRunning:
		t.state = StateStopping
		return t.proc, true
	default:
		return nil, false
	}
}

// attach adds sub unless the task has already exited.
func (t *Task) attach(sub *Subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateExited {
		return false
	}
	sub.bind(t)
	sub.offer(stream.StartEvent(t.Key))
	t.subs = append(t.subs, sub)
	return true
}

// detach removes sub and closes its stream.
func (t *Task) detach(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s == sub {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			break
		}
	}
	sub.close()
}

// publish delivers ev to every subscriber attached at this moment.
func (t *Task) publish(ev stream.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishLocked(ev)
}

func (t *Task) publishLocked(ev stream.Event) {
	for _, sub := range t.subs {
		if !sub.offer(ev) && ev.Kind != stream.KindHeartbeat {
			slog.Debug("subscriber buffer full, event dropped",
				"task_key", t.Key,
				"subscriber_id", sub.ID)
		}
	}
}

// handleStdout reassembles lines from chunk and publishes one event per
// non-empty line, in order.
func (t *Task) handleStdout(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateExited {
		return
	}
	for _, line := range t.stdout.Feed(chunk) {
		if ev, ok := stream.Decode(line); ok {
			t.publishLocked(ev)
		}
	}
}

// handleStderr publishes each complete stderr line as an error event.
func (t *Task) handleStderr(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateExited {
		return
	}
	for _, line := range t.stderr.Feed(chunk) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		slog.Debug("script stderr", "task_key", t.Key, "line", line)
		t.publishLocked(stream.ErrorEvent(line))
	}
}

// finish records the exit, sends the terminal event to every subscriber
// and closes their streams. It reports false if the task had already exited.
func (t *Task) finish(code int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateExited {
		return false
	}

	t.state = StateExited
	t.exitCode = code
	t.exitedAt = time.Now()

	exit := stream.ExitEvent(code)
	for _, sub := range t.subs {
		sub.finish(exit)
	}
	t.subs = nil
	if rest := t.stdout.Pending(); rest != "" {
		slog.Debug("dropping unterminated output", "task_key", t.Key, "bytes", len(rest))
	}
	t.stdout.Reset()
	t.stderr.Reset()
	t.payload = nil
	close(t.done)
	return true
}

// Snapshot returns a read-consistent copy of the task's state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Snapshot{
		Key:         t.Key,
		ID:          t.ID,
		Command:     t.Spec.String(),
		State:       t.state,
		ExitCode:    t.exitCode,
		PID:         t.pid,
		Subscribers: len(t.subs),
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.startedAt,
		ExitedAt:    t.exitedAt,
	}
}

// Snapshot is a read-only copy of a Task's state at a point in time.
type Snapshot struct {
	Key         string    `json:"key"`
	ID          string    `json:"id"`
	Command     string    `json:"command"`
	State       State     `json:"state"`
	ExitCode    int       `json:"exit_code"`
	PID         int       `json:"pid"`
	Subscribers int       `json:"subscribers"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at"`
	ExitedAt    time.Time `json:"exited_at"`
}

// Duration returns the elapsed time from start to exit (or now if still running).
func (s Snapshot) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.ExitedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}

// FormatDuration returns a human-readable duration string.
func (s Snapshot) FormatDuration() string {
	d := s.Duration()
	if d < time.Second {
		return "< 1s"
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
