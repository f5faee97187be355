package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/btouchard/quantrun/internal/stream"
	"github.com/btouchard/quantrun/internal/task"
)

// streamEvents relays sub to the client as Server-Sent Events until the
// subscription closes, the client disconnects or a write fails. The caller
// detaches sub afterwards.
func streamEvents(w http.ResponseWriter, r *http.Request, sub *task.Subscription) {
	rc := http.NewResponseController(w)

	// Streams outlive the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("clearing stream write deadline", "error", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		slog.Warn("streaming unsupported", "subscriber_id", sub.ID, "error", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("stream client disconnected", "task_key", sub.Key, "subscriber_id", sub.ID)
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				slog.Debug("stream write failed", "task_key", sub.Key, "subscriber_id", sub.ID, "error", err)
				return
			}
			if err := rc.Flush(); err != nil {
				slog.Debug("stream flush failed", "task_key", sub.Key, "subscriber_id", sub.ID, "error", err)
				return
			}
		}
	}
}

// writeEvent frames one event. Heartbeats are SSE comments; other events
// carry their kind as the event name and one data line per text line.
func writeEvent(w io.Writer, ev stream.Event) error {
	if ev.Kind == stream.KindHeartbeat {
		_, err := io.WriteString(w, ":\n\n")
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", ev.Kind)
	for line := range strings.SplitSeq(stream.Format(ev), "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	_, err := io.WriteString(w, b.String())
	return err
}
