package notify

import (
	"log/slog"
	"time"

	"github.com/btouchard/quantrun/internal/store"
)

// RunStore is the slice of the store the history notifier writes to.
type RunStore interface {
	RecordRunStart(r *store.RunRecord) error
	RecordRunExit(taskID string, exitCode int, message string, exitedAt time.Time) error
}

// HistoryNotifier records run metadata for every task lifecycle event.
type HistoryNotifier struct {
	store RunStore
}

// NewHistoryNotifier creates a HistoryNotifier backed by s.
func NewHistoryNotifier(s RunStore) *HistoryNotifier {
	return &HistoryNotifier{store: s}
}

// Notify persists started, exited and failed events.
func (h *HistoryNotifier) Notify(event Event) {
	var err error
	switch event.Type {
	case "task.started":
		err = h.store.RecordRunStart(&store.RunRecord{
			TaskID:    event.TaskID,
			Key:       event.Key,
			Command:   event.Command,
			PID:       event.PID,
			State:     store.RunRunning,
			StartedAt: event.Time,
		})
	case "task.exited":
		err = h.store.RecordRunExit(event.TaskID, event.ExitCode, event.Message, event.Time)
	case "task.failed":
		err = h.store.RecordRunStart(&store.RunRecord{
			TaskID:    event.TaskID,
			Key:       event.Key,
			Command:   event.Command,
			State:     store.RunFailed,
			ExitCode:  event.ExitCode,
			Message:   event.Message,
			StartedAt: event.Time,
			ExitedAt:  event.Time,
		})
	default:
		return
	}
	if err != nil {
		slog.Warn("failed to record run",
			"type", event.Type,
			"task_key", event.Key,
			"task_id", event.TaskID,
			"error", err)
	}
}
