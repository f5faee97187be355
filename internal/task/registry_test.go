package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/quantrun/internal/stream"
)

func TestRegistry_Start_RunsTaskAndWritesInputOnce(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, err := r.Start(context.Background(), "circuit", testSpec, []byte(`{"circuit":"Nifty 50"}`))
	require.NoError(t, err)

	assert.Equal(t, StateRunning, tk.State())
	assert.NotEmpty(t, tk.ID)

	assert.Eventually(t, func() bool {
		_, closed := sp.last().stdin()
		return closed
	}, 2*time.Second, 10*time.Millisecond, "stdin must be closed after the payload")
	input, _ := sp.last().stdin()
	assert.Equal(t, `{"circuit":"Nifty 50"}`, input)

	got, ok := r.Get("circuit")
	require.True(t, ok)
	assert.Same(t, tk, got)

	sp.last().exit(0)
	waitDone(t, tk)
}

func TestRegistry_Start_WhenAlreadyRunning_ReturnsConflict(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	first, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)

	second, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.Error(t, err)
	assert.Nil(t, second)
	assert.True(t, errors.Is(err, ErrConflict))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "circuit", conflict.Key)
	assert.Equal(t, StateRunning, conflict.State)

	assert.Equal(t, 1, r.RunningCount())
	assert.Len(t, sp.procs, 1, "conflicting start must not spawn")
	assert.Equal(t, StateRunning, first.State())

	sp.last().exit(0)
	waitDone(t, first)
}

func TestRegistry_Start_WhenConcurrent_OnlyOneWins(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Start(context.Background(), "circuit", testSpec, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)

	tk, _ := r.Get("circuit")
	sp.last().exit(0)
	waitDone(t, tk)
}

func TestRegistry_Start_WhenEmptyKey_ReturnsInvalidKey(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	_, err := r.Start(context.Background(), "", testSpec, nil)
	require.ErrorIs(t, err, ErrInvalidKey)
	assert.Empty(t, sp.procs)
}

func TestRegistry_Start_WhenSpawnFails_ReturnsSpawnErrorAndReleasesKey(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()
	sp.err = errors.New("exec: \"python3\": executable file not found in $PATH")

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.Error(t, err)
	assert.Nil(t, tk)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "circuit", spawnErr.Key)
	assert.Contains(t, err.Error(), "executable file not found")

	_, ok := r.Get("circuit")
	assert.False(t, ok, "failed start must not leave a task behind")

	sp.err = nil
	tk, err = r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	sp.last().exit(0)
	waitDone(t, tk)
}

func TestRegistry_Stop_WhenUnknownKey_ReturnsNotRunning(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()

	err := r.Stop("scalping:42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotRunning))

	var notRunning *NotRunningError
	require.ErrorAs(t, err, &notRunning)
	assert.Equal(t, "scalping:42", notRunning.Key)

	assert.Equal(t, 0, r.RunningCount(), "stop must never create a task")
}

func TestRegistry_Stop_WhenEmptyKey_ReturnsInvalidKey(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)

	require.ErrorIs(t, r.Stop(""), ErrInvalidKey)
	assert.Equal(t, StateRunning, tk.State(), "unrelated task must keep running")

	sp.last().exit(0)
	waitDone(t, tk)
}

func TestRegistry_Stop_TerminatesAndReleasesKey(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	proc := sp.last()

	require.NoError(t, r.Stop("circuit"))
	waitDone(t, tk)

	assert.True(t, proc.terminated.Load())
	assert.Equal(t, StateExited, tk.State())
	assert.Equal(t, -1, tk.ExitCode())

	_, ok := r.Get("circuit")
	assert.False(t, ok)

	again, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err, "key is free after exit")
	assert.NotEqual(t, tk.ID, again.ID)
	sp.last().exit(0)
	waitDone(t, again)
}

func TestRegistry_Stop_WhenStopping_IsNoop(t *testing.T) {
	t.Parallel()
	sp := &fakeSpawner{}
	r := NewRegistry(sp, time.Hour)

	var events []string
	var mu sync.Mutex
	r.SetNotifyFunc(func(e TaskEvent) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)

	proc, changed := tk.beginStop()
	require.True(t, changed)
	require.NotNil(t, proc)

	require.NoError(t, r.Stop("circuit"), "stopping task still owns its key")
	assert.Equal(t, StateStopping, tk.State())

	sp.last().exit(0)
	waitDone(t, tk)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, events, "task.stopping", "second stop must not emit again")
}

func TestRegistry_Stop_WhileStarting_TerminatesOnceSpawned(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	sp.onSpawn = func() {
		require.NoError(t, r.Stop("circuit"))
	}

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)

	waitDone(t, tk)
	assert.True(t, sp.last().terminated.Load())
	assert.Equal(t, StateExited, tk.State())
}

func TestRegistry_SplitJSONAcrossChunks_ProducesTwoStructuredEvents(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	sub := r.Attach("circuit", ModeShared)
	require.Equal(t, stream.KindStart, next(t, sub).Kind)

	proc := sp.last()
	proc.write(`{"tag":"A","data":1}` + "\n" + `{"tag"`)
	proc.write(`:"B"}` + "\n")

	a := next(t, sub)
	b := next(t, sub)
	assert.Equal(t, stream.KindLog, a.Kind)
	assert.Equal(t, "A", a.Tag)
	assert.Equal(t, "1", a.Text)
	assert.Equal(t, stream.KindLog, b.Kind)
	assert.Equal(t, "B", b.Tag)

	proc.exit(0)
	events := drainClosed(t, sub)
	require.Len(t, events, 1)
	assert.Equal(t, stream.KindExit, events[0].Kind)
	waitDone(t, tk)
}

func TestRegistry_NonJSONLine_ProducesRawEvent(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	sub := r.Attach("circuit", ModeShared)
	next(t, sub)

	sp.last().write("hello\n")

	ev := next(t, sub)
	assert.Equal(t, stream.KindRaw, ev.Kind)
	assert.Equal(t, "hello", ev.Text)
	assert.Equal(t, StateRunning, tk.State())

	sp.last().exit(0)
	waitDone(t, tk)
}

func TestRegistry_BlankLines_AreNotEmitted(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	sub := r.Attach("circuit", ModeShared)
	next(t, sub)

	sp.last().write("\n   \nreal\n")
	sp.last().exit(0)

	events := drainClosed(t, sub)
	require.Len(t, events, 2)
	assert.Equal(t, "real", events[0].Text)
	assert.Equal(t, stream.KindExit, events[1].Kind)
	waitDone(t, tk)
}

func TestRegistry_Stderr_BecomesErrorEventsWithoutEndingTask(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	sub := r.Attach("circuit", ModeShared)
	next(t, sub)

	sp.last().writeErr("Traceback (most recent call last):\n")

	ev := next(t, sub)
	assert.Equal(t, stream.KindError, ev.Kind)
	assert.Equal(t, "Traceback (most recent call last):", ev.Text)
	assert.Equal(t, StateRunning, tk.State())

	sp.last().exit(1)
	waitDone(t, tk)
}

func TestRegistry_TrailingFragment_IsDroppedOnExit(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	sub := r.Attach("circuit", ModeShared)
	next(t, sub)

	sp.last().write("complete\npartial without newline")
	assert.Equal(t, "complete", next(t, sub).Text)

	sp.last().exit(0)
	events := drainClosed(t, sub)
	require.Len(t, events, 1)
	assert.Equal(t, stream.KindExit, events[0].Kind)
	waitDone(t, tk)
}

func TestRegistry_Broadcast_OnlyReachesSubscribersAttachedAtPublish(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	proc := sp.last()

	early := r.Attach("circuit", ModeShared)
	next(t, early)

	proc.write("first\n")
	assert.Equal(t, "first", next(t, early).Text)

	late := r.Attach("circuit", ModeShared)
	assert.Equal(t, stream.KindStart, next(t, late).Kind)

	proc.write("second\n")
	assert.Equal(t, "second", next(t, early).Text)
	assert.Equal(t, "second", next(t, late).Text, "late subscriber never sees first")

	proc.exit(0)
	waitDone(t, tk)
}

func TestRegistry_SharedDetach_KeepsTaskRunningForOthers(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	proc := sp.last()

	one := r.Attach("circuit", ModeShared)
	two := r.Attach("circuit", ModeShared)
	next(t, one)
	next(t, two)
	assert.Equal(t, 2, tk.Subscribers())

	r.Detach("circuit", one)
	assert.Empty(t, drainClosed(t, one), "detached stream closes without terminal event")

	assert.Equal(t, StateRunning, tk.State())
	assert.False(t, proc.terminated.Load())
	assert.Equal(t, 1, tk.Subscribers())

	proc.write(`{"tag":"Tick","data":{"ltp":101.5}}` + "\n")
	ev := next(t, two)
	assert.Equal(t, "Tick", ev.Tag)

	proc.exit(0)
	waitDone(t, tk)
}

func TestRegistry_OwningDetach_StopsTask(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, sub, err := r.StartAttached(context.Background(), "scalping:7", testSpec, []byte(`{}`))
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, ModeOwning, sub.Mode)
	next(t, sub)

	r.Detach("scalping:7", sub)

	waitDone(t, tk)
	assert.True(t, sp.last().terminated.Load())
	_, ok := r.Get("scalping:7")
	assert.False(t, ok)
}

func TestRegistry_StartAttached_OwnerSeesFirstLine(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, sub, err := r.StartAttached(context.Background(), "scalping:7", testSpec, nil)
	require.NoError(t, err)

	sp.last().write(`{"tag":"Login Successful"}` + "\n")

	assert.Equal(t, stream.KindStart, next(t, sub).Kind)
	assert.Equal(t, "Login Successful", next(t, sub).Tag)

	sp.last().exit(0)
	waitDone(t, tk)
}

func TestRegistry_StartAttached_WhenStdinNeverDrains_ReturnsOwnerAndDetachStops(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()
	sp.stallInput = true

	type started struct {
		tk  *Task
		sub *Subscription
		err error
	}
	res := make(chan started, 1)
	go func() {
		tk, sub, err := r.StartAttached(context.Background(), "scalping:7", testSpec, make([]byte, 512*1024))
		res <- started{tk, sub, err}
	}()

	var got started
	select {
	case got = <-res:
	case <-time.After(2 * time.Second):
		t.Fatal("StartAttached blocked on a stdin nobody reads")
	}
	require.NoError(t, got.err)
	require.NotNil(t, got.sub)
	assert.Equal(t, StateRunning, got.tk.State())

	r.Detach("scalping:7", got.sub)

	waitDone(t, got.tk)
	assert.True(t, sp.last().terminated.Load())
	_, ok := r.Get("scalping:7")
	assert.False(t, ok)
}

func TestRegistry_StartAttached_WhenConflict_ReturnsNoSubscription(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, _, err := r.StartAttached(context.Background(), "scalping:7", testSpec, nil)
	require.NoError(t, err)

	_, sub, err := r.StartAttached(context.Background(), "scalping:7", testSpec, nil)
	require.ErrorIs(t, err, ErrConflict)
	assert.Nil(t, sub)

	sp.last().exit(0)
	waitDone(t, tk)
}

func TestRegistry_OwningDetachAfterRestart_DoesNotStopNewTask(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	old, sub, err := r.StartAttached(context.Background(), "scalping:7", testSpec, nil)
	require.NoError(t, err)
	sp.last().exit(0)
	waitDone(t, old)

	fresh, err := r.Start(context.Background(), "scalping:7", testSpec, nil)
	require.NoError(t, err)

	r.Detach("scalping:7", sub)
	assert.Equal(t, StateRunning, fresh.State())
	assert.False(t, sp.last().terminated.Load())

	sp.last().exit(0)
	waitDone(t, fresh)
}

func TestRegistry_Exit_SendsOneTerminalEventThenCloses(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)

	subs := []*Subscription{
		r.Attach("circuit", ModeShared),
		r.Attach("circuit", ModeShared),
		r.Attach("circuit", ModeShared),
	}

	sp.last().exit(1)
	waitDone(t, tk)

	for _, sub := range subs {
		events := drainClosed(t, sub)
		var exits []stream.Event
		for _, ev := range events {
			if ev.Kind == stream.KindExit {
				exits = append(exits, ev)
			}
		}
		require.Len(t, exits, 1)
		assert.Equal(t, 1, exits[0].Code)
		assert.Contains(t, exits[0].Text, "code 1")
		assert.Equal(t, stream.KindExit, events[len(events)-1].Kind, "terminal event is last")
	}

	assert.Equal(t, StateExited, tk.State())
	assert.Equal(t, 1, tk.ExitCode())
	assert.Equal(t, 0, tk.Subscribers())
}

func TestRegistry_Exit_IsIdempotent(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	var mu sync.Mutex
	exits := 0
	r.SetNotifyFunc(func(e TaskEvent) {
		if e.Type == "task.exited" {
			mu.Lock()
			exits++
			mu.Unlock()
		}
	})

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	sp.last().exit(2)
	waitDone(t, tk)

	r.exit(tk, 9)

	assert.Equal(t, 2, tk.ExitCode())
	mu.Lock()
	assert.Equal(t, 1, exits)
	mu.Unlock()
}

func TestRegistry_Attach_WhenNoTask_EmitsTerminalEventImmediately(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()

	sub := r.Attach("circuit", ModeShared)

	events := drainClosed(t, sub)
	require.Len(t, events, 2)
	assert.Equal(t, stream.KindStart, events[0].Kind)
	assert.Equal(t, stream.KindExit, events[1].Kind)
	assert.Equal(t, -1, events[1].Code)
	assert.Nil(t, sub.Task())
	assert.Equal(t, 0, r.RunningCount())
}

func TestRegistry_SlowSubscriber_DoesNotStallOthers(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()
	r.SetBufferSize(2)

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	proc := sp.last()

	slow := r.Attach("circuit", ModeShared) // never read until the end
	fast := r.Attach("circuit", ModeShared)
	next(t, fast)

	for i := range 10 {
		proc.write(string(rune('a'+i)) + "\n")
		ev := next(t, fast)
		assert.Equal(t, string(rune('a'+i)), ev.Text)
	}

	proc.exit(0)
	waitDone(t, tk)

	assert.Positive(t, slow.Dropped())
	events := drainClosed(t, slow)
	require.NotEmpty(t, events)
	assert.Equal(t, stream.KindExit, events[len(events)-1].Kind, "terminal event survives a full buffer")
}

func TestRegistry_Heartbeat_ReachesSharedSubscribers(t *testing.T) {
	t.Parallel()
	sp := &fakeSpawner{}
	r := NewRegistry(sp, 20*time.Millisecond)

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	sub := r.Attach("circuit", ModeShared)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == stream.KindHeartbeat {
				sp.last().exit(0)
				waitDone(t, tk)
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat received")
		}
	}
}

func TestRegistry_Heartbeat_ReachesOwningSubscriber(t *testing.T) {
	t.Parallel()
	sp := &fakeSpawner{}
	r := NewRegistry(sp, 20*time.Millisecond)

	tk, sub, err := r.StartAttached(context.Background(), "scalping:1", testSpec, nil)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == stream.KindHeartbeat {
				sp.last().exit(0)
				waitDone(t, tk)
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat received")
		}
	}
}

func TestRegistry_Notify_ReportsLifecycle(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	var mu sync.Mutex
	var events []TaskEvent
	r.SetNotifyFunc(func(e TaskEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	tk, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	require.NoError(t, r.Stop("circuit"))
	waitDone(t, tk)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, "task.started", events[0].Type)
	assert.Equal(t, sp.last().pid, events[0].PID)
	assert.Equal(t, "task.stopping", events[1].Type)
	assert.Equal(t, "task.exited", events[2].Type)
	assert.Equal(t, -1, events[2].ExitCode)
	assert.Equal(t, tk.ID, events[2].TaskID)
	assert.Equal(t, "python3 -u circuit_strategy.py", events[2].Command)
}

func TestRegistry_List_ReturnsLiveTasksNewestFirst(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	a, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	procA := sp.last()
	time.Sleep(5 * time.Millisecond)
	b, err := r.Start(context.Background(), "scalping:3", testSpec, nil)
	require.NoError(t, err)
	procB := sp.last()

	snaps := r.List()
	require.Len(t, snaps, 2)
	assert.Equal(t, "scalping:3", snaps[0].Key)
	assert.Equal(t, "circuit", snaps[1].Key)
	assert.Equal(t, StateRunning, snaps[0].State)
	assert.Equal(t, procB.pid, snaps[0].PID)

	procA.exit(0)
	procB.exit(0)
	waitDone(t, a)
	waitDone(t, b)
	assert.Empty(t, r.List())
}

func TestRegistry_Shutdown_StopsEveryTask(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()

	a, err := r.Start(context.Background(), "circuit", testSpec, nil)
	require.NoError(t, err)
	b, err := r.Start(context.Background(), "scalping:9", testSpec, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	assert.Equal(t, StateExited, a.State())
	assert.Equal(t, StateExited, b.State())
	assert.Equal(t, 0, r.RunningCount())
}

func TestRegistry_Detach_WhenKeyMismatch_IsNoop(t *testing.T) {
	t.Parallel()
	r, sp := newTestRegistry()

	tk, sub, err := r.StartAttached(context.Background(), "scalping:1", testSpec, nil)
	require.NoError(t, err)

	r.Detach("scalping:2", sub)
	assert.Equal(t, StateRunning, tk.State())
	assert.Equal(t, 1, tk.Subscribers())

	sp.last().exit(0)
	waitDone(t, tk)
}
