package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/btouchard/quantrun/internal/executor"
	"github.com/btouchard/quantrun/internal/stream"
)

// DefaultHeartbeat is the keep-alive interval for subscriber streams.
const DefaultHeartbeat = 15 * time.Second

const readChunkSize = 32 * 1024

// TaskEvent represents a task state change for notification dispatch.
type TaskEvent struct {
	Type     string // "task.started", "task.stopping", "task.exited", "task.failed"
	Key      string
	TaskID   string
	Command  string
	PID      int
	ExitCode int
	Message  string
}

// NotifyFunc is called when a task lifecycle event occurs.
type NotifyFunc func(TaskEvent)

// Registry maps task keys to at most one live Task each and owns every
// state transition of those tasks.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task

	spawner    executor.Spawner
	heartbeat  time.Duration
	stopGrace  time.Duration
	bufferSize int
	onNotify   NotifyFunc
}

// NewRegistry creates a Registry that launches processes with spawner.
// A heartbeat <= 0 uses DefaultHeartbeat.
func NewRegistry(spawner executor.Spawner, heartbeat time.Duration) *Registry {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Registry{
		tasks:      make(map[string]*Task),
		spawner:    spawner,
		heartbeat:  heartbeat,
		stopGrace:  executor.DefaultGracePeriod,
		bufferSize: DefaultBufferSize,
	}
}

// SetStopGrace sets how long a stopped process gets between SIGTERM and SIGKILL.
func (r *Registry) SetStopGrace(d time.Duration) {
	if d > 0 {
		r.stopGrace = d
	}
}

// SetBufferSize sets the per-subscriber event buffer.
func (r *Registry) SetBufferSize(n int) {
	if n > 0 {
		r.bufferSize = n
	}
}

// SetNotifyFunc sets the callback for task lifecycle events.
func (r *Registry) SetNotifyFunc(fn NotifyFunc) {
	r.onNotify = fn
}

// Start launches spec under key. payload is written to its stdin once, in
// the background, and stdin is then closed. It fails with *ConflictError if
// key already has a live task and with *SpawnError if the process cannot be
// launched.
func (r *Registry) Start(ctx context.Context, key string, spec executor.Spec, payload []byte) (*Task, error) {
	t, _, err := r.start(ctx, key, spec, payload, false)
	return t, err
}

// StartAttached is Start with an owning subscription attached before the
// process is launched, so the caller receives every line of output.
// Detaching that subscription stops the task.
func (r *Registry) StartAttached(ctx context.Context, key string, spec executor.Spec, payload []byte) (*Task, *Subscription, error) {
	return r.start(ctx, key, spec, payload, true)
}

func (r *Registry) start(ctx context.Context, key string, spec executor.Spec, payload []byte, owned bool) (*Task, *Subscription, error) {
	if key == "" {
		return nil, nil, ErrInvalidKey
	}

	r.mu.Lock()
	if existing, ok := r.tasks[key]; ok {
		r.mu.Unlock()
		return nil, nil, &ConflictError{Key: key, State: existing.State()}
	}
	t := newTask(key, spec, payload)
	t.setStarting()
	r.tasks[key] = t
	r.mu.Unlock()

	var owner *Subscription
	if owned {
		owner = newSubscription(key, ModeOwning, r.bufferSize)
		t.attach(owner)
	}

	proc, err := r.spawner.Spawn(ctx, spec)
	if err != nil {
		r.release(t)
		t.finish(-1)
		slog.Error("task failed to start",
			"task_key", key,
			"task_id", t.ID,
			"command", spec.String(),
			"error", err)
		r.emit(t, "task.failed", err.Error(), 0, -1)
		return nil, nil, &SpawnError{Key: key, Err: err}
	}

	stopRequested := t.setProcess(proc)

	slog.Info("task started",
		"task_key", key,
		"task_id", t.ID,
		"pid", proc.PID(),
		"command", spec.String())
	r.emit(t, "task.started", "task started", proc.PID(), 0)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		r.pump(t, proc.Stdout(), t.handleStdout)
	}()
	go func() {
		defer readers.Done()
		r.pump(t, proc.Stderr(), t.handleStderr)
	}()
	go r.wait(t, proc, &readers)

	// Returning must not wait on a script that never reads stdin: the
	// owning subscription is the only way to stop it.
	go r.feed(t, proc, payload)

	t.setRunning()

	if stopRequested {
		go proc.Terminate(r.stopGrace)
	}

	go r.heartbeatLoop(t)

	return t, owner, nil
}

// feed writes payload to the process stdin once, then closes it. The write
// fails once the process is gone.
func (r *Registry) feed(t *Task, proc executor.Process, payload []byte) {
	if len(payload) > 0 {
		if err := proc.WriteInput(payload); err != nil {
			slog.Warn("failed to write task input",
				"task_key", t.Key,
				"task_id", t.ID,
				"bytes", len(payload),
				"error", err)
		}
	}
	if err := proc.CloseInput(); err != nil {
		slog.Debug("closing task input", "task_key", t.Key, "error", err)
	}
}

// pump copies chunks from rd into handle until EOF.
func (r *Registry) pump(t *Task, rd io.Reader, handle func([]byte)) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			handle(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("task output read error", "task_key", t.Key, "error", err)
			}
			return
		}
	}
}

// wait observes the process exit once both output streams are drained.
func (r *Registry) wait(t *Task, proc executor.Process, readers *sync.WaitGroup) {
	readers.Wait()

	code, err := proc.Wait()
	if err != nil {
		slog.Warn("task wait error", "task_key", t.Key, "task_id", t.ID, "error", err)
	}
	r.exit(t, code)
}

// exit releases the key and moves the task to Exited. A second call is a no-op.
func (r *Registry) exit(t *Task, code int) {
	r.release(t)
	if !t.finish(code) {
		return
	}

	snap := t.Snapshot()
	slog.Info("task exited",
		"task_key", t.Key,
		"task_id", t.ID,
		"exit_code", code,
		"duration", snap.Duration())
	r.emit(t, "task.exited", stream.ExitEvent(code).Text, snap.PID, code)
}

// release removes t from the registry if it still owns its key.
func (r *Registry) release(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks[t.Key] == t {
		delete(r.tasks, t.Key)
	}
}

func (r *Registry) heartbeatLoop(t *Task) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			t.publish(stream.HeartbeatEvent())
		}
	}
}

// Stop requests termination of the task for key. Completion is observed
// through the task's Done channel.
func (r *Registry) Stop(key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	r.mu.Lock()
	t, ok := r.tasks[key]
	r.mu.Unlock()

	if !ok {
		return &NotRunningError{Key: key}
	}

	r.stopTask(t)
	return nil
}

func (r *Registry) stopTask(t *Task) {
	proc, changed := t.beginStop()
	if !changed {
		return
	}

	slog.Info("stopping task",
		"task_key", t.Key,
		"task_id", t.ID,
		"subscribers", t.Subscribers())
	r.emit(t, "task.stopping", "task stop requested", t.Snapshot().PID, 0)

	if proc != nil {
		go proc.Terminate(r.stopGrace)
	}
}

// Attach subscribes to the task for key. It never fails: when no task is
// live the subscription receives a start event and a terminal event, then
// closes.
func (r *Registry) Attach(key string, mode Mode) *Subscription {
	sub := newSubscription(key, mode, r.bufferSize)

	r.mu.Lock()
	t, ok := r.tasks[key]
	r.mu.Unlock()

	if !ok || !t.attach(sub) {
		sub.offer(stream.StartEvent(key))
		sub.finish(stream.NotRunningEvent(key))
		return sub
	}

	slog.Debug("subscriber attached",
		"task_key", key,
		"subscriber_id", sub.ID,
		"mode", string(mode))
	return sub
}

// Detach removes sub from its task. Detaching an owning subscription stops
// the task it was attached to, never a newer task reusing the key.
func (r *Registry) Detach(key string, sub *Subscription) {
	if sub == nil {
		return
	}
	if sub.Key != key {
		slog.Warn("detach key mismatch",
			"task_key", key,
			"subscriber_key", sub.Key,
			"subscriber_id", sub.ID)
		return
	}

	t := sub.Task()
	if t == nil {
		sub.close()
		return
	}

	t.detach(sub)
	slog.Debug("subscriber detached",
		"task_key", key,
		"subscriber_id", sub.ID,
		"mode", string(sub.Mode),
		"dropped", sub.Dropped(),
		"remaining", t.Subscribers())

	if sub.Mode == ModeOwning {
		r.stopTask(t)
	}
}

// Get returns the live task for key.
func (r *Registry) Get(key string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	return t, ok
}

// List returns snapshots of all live tasks, newest first.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		snaps = append(snaps, t.Snapshot())
	}
	slices.SortFunc(snaps, func(a, b Snapshot) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return snaps
}

// RunningCount returns the number of live tasks.
func (r *Registry) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Shutdown stops every live task and waits for them to exit or for ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		r.stopTask(t)
	}
	for _, t := range tasks {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// emit sends a task event to the notify callback if one is set.
func (r *Registry) emit(t *Task, eventType, message string, pid, code int) {
	if r.onNotify == nil {
		return
	}
	r.onNotify(TaskEvent{
		Type:     eventType,
		Key:      t.Key,
		TaskID:   t.ID,
		Command:  t.Spec.String(),
		PID:      pid,
		ExitCode: code,
		Message:  message,
	})
}
