// Package stream turns the raw output of a strategy script into log events.
//
// Scripts print one JSON document per line:
//
//	{"tag":"Order Placed","timestamp":"2024-05-02T10:15:00.123456","data":{...}}
//
// Lines that are not JSON objects are still delivered, as raw text events.
package stream

import (
	"fmt"
	"time"
)

// Kind classifies an Event.
type Kind string

const (
	KindStart     Kind = "start"     // first event of every subscription
	KindLog       Kind = "log"       // structured stdout line
	KindRaw       Kind = "raw"       // unstructured stdout line
	KindError     Kind = "error"     // stderr line or transport failure
	KindHeartbeat Kind = "heartbeat" // keep-alive, no payload
	KindExit      Kind = "exit"      // terminal event, carries Code
)

const (
	// DefaultTag is used for structured lines without a tag.
	DefaultTag = "Log"
	// RawTag marks lines that could not be decoded.
	RawTag = "Raw"
	// ErrorTag marks stderr output.
	ErrorTag = "Error"
	// ExitTag marks the terminal event.
	ExitTag = "Exit"
)

// Event is one decoded unit of process output. Events are values and are
// never mutated after creation.
type Event struct {
	Kind Kind
	Tag  string
	// Time is the producer-supplied timestamp; zero when absent.
	Time time.Time
	// Data holds the raw JSON payload of a structured event (object or array).
	Data []byte
	// Text holds the payload when it is plain text.
	Text string
	// Code is the process exit code for KindExit events.
	Code int
}

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Kind == KindExit
}

// StartEvent opens a subscription stream.
func StartEvent(key string) Event {
	return Event{
		Kind: KindStart,
		Tag:  "Stream",
		Time: time.Now(),
		Text: fmt.Sprintf("Log streaming started for %s", key),
	}
}

// ExitEvent summarizes a process exit.
func ExitEvent(code int) Event {
	return Event{
		Kind: KindExit,
		Tag:  ExitTag,
		Time: time.Now(),
		Text: fmt.Sprintf("Script exited (code %d)", code),
		Code: code,
	}
}

// NotRunningEvent terminates a subscription made to a key with no task.
func NotRunningEvent(key string) Event {
	return Event{
		Kind: KindExit,
		Tag:  ExitTag,
		Time: time.Now(),
		Text: fmt.Sprintf("No script running for %s", key),
		Code: -1,
	}
}

// ErrorEvent wraps a line of stderr output or an internal failure.
func ErrorEvent(text string) Event {
	return Event{
		Kind: KindError,
		Tag:  ErrorTag,
		Time: time.Now(),
		Text: text,
	}
}

// HeartbeatEvent keeps idle connections open through proxies.
func HeartbeatEvent() Event {
	return Event{Kind: KindHeartbeat, Time: time.Now()}
}
