package stream

import (
	"bytes"
	"fmt"

	"github.com/tidwall/pretty"
)

// TimePlaceholder is shown when an event carries no timestamp.
const TimePlaceholder = "-"

var prettyOptions = &pretty.Options{
	Width:  80,
	Prefix: "",
	Indent: "  ",
}

// Format renders an event as the human-readable text sent to subscribers:
// a "[tag] at 15:04:05" header followed by the payload, pretty-printed when
// it is JSON. Heartbeats render as nothing.
func Format(ev Event) string {
	if ev.Kind == KindHeartbeat {
		return ""
	}

	header := fmt.Sprintf("[%s] at %s", tagOf(ev), FormatTime(ev))
	body := Payload(ev)
	if body == "" {
		return header
	}
	return header + "\n" + body
}

// FormatTime returns the event time of day, or TimePlaceholder.
func FormatTime(ev Event) string {
	if ev.Time.IsZero() {
		return TimePlaceholder
	}
	return ev.Time.Format("15:04:05")
}

// Payload renders the event payload as text.
func Payload(ev Event) string {
	if len(ev.Data) > 0 {
		return string(bytes.TrimRight(pretty.PrettyOptions(ev.Data, prettyOptions), "\n"))
	}
	return ev.Text
}

func tagOf(ev Event) string {
	if ev.Tag != "" {
		return ev.Tag
	}
	switch ev.Kind {
	case KindRaw:
		return RawTag
	case KindError:
		return ErrorTag
	case KindExit:
		return ExitTag
	}
	return DefaultTag
}
