package stream

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// timestampLayouts are tried in order. Python's datetime.isoformat() omits
// the zone, which the second layout covers.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// DecodeError reports a line that is not a structured event.
type DecodeError struct {
	Line   string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding log line: %s", e.Reason)
}

// Decode classifies a complete output line. It returns false for lines
// that are empty after trimming; every other line yields an event.
func Decode(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{}, false
	}

	ev, err := parseStructured(line)
	if err != nil {
		slog.Debug("unstructured log line", "error", err, "line", truncate(line, 200))
		return Event{Kind: KindRaw, Tag: RawTag, Text: line}, true
	}
	return ev, true
}

// parseStructured parses a JSON object line into a structured event.
func parseStructured(line string) (Event, error) {
	if !gjson.Valid(line) {
		return Event{}, &DecodeError{Line: line, Reason: "invalid JSON"}
	}

	doc := gjson.Parse(line)
	if !doc.IsObject() {
		return Event{}, &DecodeError{Line: line, Reason: "not a JSON object"}
	}

	ev := Event{Kind: KindLog, Tag: DefaultTag}

	if tag := doc.Get("tag"); tag.Exists() && tag.String() != "" {
		ev.Tag = tag.String()
	}

	if ts := doc.Get("timestamp"); ts.Exists() {
		ev.Time = parseTimestamp(ts)
	}

	data := doc.Get("data")
	switch {
	case data.IsObject() || data.IsArray():
		ev.Data = []byte(data.Raw)
	case data.Type == gjson.String:
		ev.Text = data.String()
	case data.Exists() && data.Type != gjson.Null:
		ev.Text = data.Raw
	}

	return ev, nil
}

// parseTimestamp accepts ISO-8601 strings and epoch milliseconds.
// Unparseable values are treated as absent.
func parseTimestamp(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int())
	case gjson.String:
		s := v.String()
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
