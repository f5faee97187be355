package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Event represents a task lifecycle notification.
type Event struct {
	Type     string // "task.started", "task.stopping", "task.exited", "task.failed"
	TaskID   string
	Key      string
	Command  string
	PID      int
	ExitCode int
	Message  string
	Time     time.Time

	// MCPSessionID targets a specific MCP client session.
	// Empty means broadcast to all.
	MCPSessionID string
}

// Notifier sends task lifecycle notifications.
type Notifier interface {
	Notify(event Event)
}

const hubQueueSize = 1024

// Hub dispatches events to multiple notifiers. Each notifier has its own
// queue and goroutine, so a slow notifier never delays the others and
// every notifier sees events in the order they were published.
type Hub struct {
	queues []chan Event
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewHub creates a Hub with the given notifiers.
func NewHub(notifiers ...Notifier) *Hub {
	h := &Hub{}
	for _, n := range notifiers {
		q := make(chan Event, hubQueueSize)
		h.queues = append(h.queues, q)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for ev := range q {
				n.Notify(ev)
			}
		}()
	}
	return h
}

// Notify queues an event for all registered notifiers. Events published
// after Close, or to a full queue, are dropped.
func (h *Hub) Notify(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, q := range h.queues {
		select {
		case q <- event:
		default:
			slog.Warn("notification queue full, event dropped",
				"type", event.Type,
				"task_key", event.Key,
				"task_id", event.TaskID)
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, q := range h.queues {
		close(q)
	}
	h.mu.Unlock()

	h.wg.Wait()
}
