package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat_WhenStructuredObject_PrettyPrintsPayload(t *testing.T) {
	t.Parallel()

	ev := Event{
		Kind: KindLog,
		Tag:  "Cash Limit",
		Time: time.Date(2024, 5, 2, 9, 30, 5, 0, time.UTC),
		Data: []byte(`{"cash":"1000.00","marginused":"12.5"}`),
	}

	out := Format(ev)
	assert.Equal(t, "[Cash Limit] at 09:30:05\n{\n  \"cash\": \"1000.00\",\n  \"marginused\": \"12.5\"\n}", out)
}

func TestFormat_WhenNoTimestamp_UsesPlaceholder(t *testing.T) {
	t.Parallel()

	out := Format(Event{Kind: KindLog, Tag: "Log", Text: "ready"})
	assert.Equal(t, "[Log] at -\nready", out)
}

func TestFormat_WhenNoPayload_ReturnsHeaderOnly(t *testing.T) {
	t.Parallel()

	out := Format(Event{Kind: KindLog, Tag: "Tick"})
	assert.Equal(t, "[Tick] at -", out)
}

func TestFormat_WhenRaw_AddsRawHeader(t *testing.T) {
	t.Parallel()

	ev, ok := Decode("hello")
	require.True(t, ok)
	assert.Equal(t, "[Raw] at -\nhello", Format(ev))
}

func TestFormat_WhenError_AddsErrorHeader(t *testing.T) {
	t.Parallel()

	ev := ErrorEvent("Traceback")
	assert.Equal(t, "[Error] at "+ev.Time.Format("15:04:05")+"\nTraceback", Format(ev))
}

func TestFormat_WhenExit_CarriesTagTimeAndCode(t *testing.T) {
	t.Parallel()

	ev := ExitEvent(1)
	assert.Equal(t, "[Exit] at "+ev.Time.Format("15:04:05")+"\nScript exited (code 1)", Format(ev))
}

func TestFormat_WhenStart_CarriesStreamTag(t *testing.T) {
	t.Parallel()

	out := Format(StartEvent("circuit"))
	assert.Regexp(t, `^\[Stream\] at \d{2}:\d{2}:\d{2}\nLog streaming started for circuit$`, out)
}

func TestFormat_WhenTagMissing_FallsBackByKind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "[Raw] at -\nx", Format(Event{Kind: KindRaw, Text: "x"}))
	assert.Equal(t, "[Exit] at -\nbye", Format(Event{Kind: KindExit, Text: "bye"}))
}

func TestFormat_WhenHeartbeat_IsEmpty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Format(HeartbeatEvent()))
}

func TestEvent_Terminal(t *testing.T) {
	t.Parallel()

	assert.True(t, ExitEvent(0).Terminal())
	assert.True(t, NotRunningEvent("circuit").Terminal())
	assert.False(t, StartEvent("circuit").Terminal())
	assert.False(t, HeartbeatEvent().Terminal())
}
