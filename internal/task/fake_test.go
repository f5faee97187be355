package task

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btouchard/quantrun/internal/executor"
	"github.com/btouchard/quantrun/internal/stream"
)

// fakeProcess simulates a strategy script. Each call to write or writeErr
// arrives at the task as exactly one chunk.
type fakeProcess struct {
	pid int

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu          sync.Mutex
	input       bytes.Buffer
	inputClosed bool
	// stallInput makes WriteInput block until the process exits, like a
	// script that never reads stdin.
	stallInput bool

	dead       chan struct{}
	exitCh     chan int
	exitOnce   sync.Once
	terminated atomic.Bool
}

var nextPID atomic.Int32

func newFakeProcess() *fakeProcess {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &fakeProcess{
		pid:     int(nextPID.Add(1)) + 1000,
		stdoutR: outR,
		stdoutW: outW,
		stderrR: errR,
		stderrW: errW,
		dead:    make(chan struct{}),
		exitCh:  make(chan int, 1),
	}
}

func (p *fakeProcess) PID() int          { return p.pid }
func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) WriteInput(b []byte) error {
	if p.stallInput {
		<-p.dead
		return io.ErrClosedPipe
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.input.Write(b)
	return nil
}

func (p *fakeProcess) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputClosed = true
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exitCh, nil
}

func (p *fakeProcess) Terminate(time.Duration) {
	p.terminated.Store(true)
	p.exit(-1)
}

func (p *fakeProcess) write(s string) {
	_, _ = p.stdoutW.Write([]byte(s))
}

func (p *fakeProcess) writeErr(s string) {
	_, _ = p.stderrW.Write([]byte(s))
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.dead)
		p.exitCh <- code
	})
}

func (p *fakeProcess) stdin() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String(), p.inputClosed
}

// fakeSpawner hands out fakeProcesses, or err when set.
type fakeSpawner struct {
	mu         sync.Mutex
	err        error
	onSpawn    func()
	stallInput bool
	procs      []*fakeProcess
}

func (s *fakeSpawner) Spawn(_ context.Context, _ executor.Spec) (executor.Process, error) {
	s.mu.Lock()
	hook := s.onSpawn
	err := s.err
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}

	p := newFakeProcess()
	s.mu.Lock()
	p.stallInput = s.stallInput
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	return p, nil
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

var testSpec = executor.Spec{Command: "python3", Args: []string{"-u", "circuit_strategy.py"}}

func newTestRegistry() (*Registry, *fakeSpawner) {
	sp := &fakeSpawner{}
	return NewRegistry(sp, time.Hour), sp
}

// next returns the next non-heartbeat event.
func next(t *testing.T, sub *Subscription) stream.Event {
	t.Helper()
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "stream closed unexpectedly")
			if ev.Kind == stream.KindHeartbeat {
				continue
			}
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

// drainClosed reads non-heartbeat events until the stream closes.
func drainClosed(t *testing.T, sub *Subscription) []stream.Event {
	t.Helper()
	var events []stream.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			if ev.Kind != stream.KindHeartbeat {
				events = append(events, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

func waitDone(t *testing.T, tk *Task) {
	t.Helper()
	select {
	case <-tk.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not exit in time")
	}
}
