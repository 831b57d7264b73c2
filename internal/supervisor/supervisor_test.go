package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/tgsync/internal/bus"
	"github.com/matheus3301/tgsync/internal/rpc"
	"github.com/matheus3301/tgsync/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc is a scripted worker wired through in-memory pipes.
type fakeProc struct {
	pid     int
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	exit    chan error
	once    sync.Once
	killed  atomic.Bool
}

// newFakeProc starts a worker that answers every request with handle's
// result. A nil handle leaves requests unanswered. When exitOnEOF is set
// the worker exits cleanly once stdin is closed.
func newFakeProc(pid int, handle func(rpc.Frame) string, exitOnEOF bool) *fakeProc {
	p := &fakeProc{pid: pid, exit: make(chan error, 1)}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	go func() {
		sc := bufio.NewScanner(p.stdinR)
		for sc.Scan() {
			var f rpc.Frame
			if err := json.Unmarshal(sc.Bytes(), &f); err != nil || handle == nil {
				continue
			}
			fmt.Fprintf(p.stdoutW, "{\"id\":%d,\"result\":%s}\n", *f.ID, handle(f))
		}
		if exitOnEOF {
			p.finish(nil)
		}
	}()
	return p
}

func (p *fakeProc) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProc) Pid() int              { return p.pid }
func (p *fakeProc) Wait() error           { return <-p.exit }

func (p *fakeProc) Kill() error {
	p.killed.Store(true)
	p.finish(errors.New("signal: killed"))
	return nil
}

// finish simulates process exit with the given wait error.
func (p *fakeProc) finish(err error) {
	p.once.Do(func() {
		_ = p.stdinR.Close()
		_ = p.stdoutW.Close()
		p.exit <- err
	})
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc
	fail  error
	make  func(n int) *fakeProc
}

func (l *fakeLauncher) Launch() (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	p := l.make(len(l.procs) + 1)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) last() *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

type fakeTimer struct {
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

// fakeClock records scheduled restarts instead of sleeping.
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{}
	c.delays = append(c.delays, d)
	c.fns = append(c.fns, f)
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// fire runs the most recent scheduled restart.
func (c *fakeClock) fire() {
	c.mu.Lock()
	f := c.fns[len(c.fns)-1]
	c.mu.Unlock()
	f()
}

type harness struct {
	sup      *Supervisor
	ch       *rpc.Channel
	launcher *fakeLauncher
	clock    *fakeClock

	mu     sync.Mutex
	events []rpc.Notification
}

func newHarness(t *testing.T, handle func(rpc.Frame) string) *harness {
	t.Helper()
	h := &harness{
		ch:    rpc.NewChannel(rpc.Options{Timeout: 2 * time.Second}),
		clock: &fakeClock{},
		launcher: &fakeLauncher{make: func(n int) *fakeProc {
			return newFakeProc(1000+n, handle, true)
		}},
	}
	h.ch.SetObserver(func(n rpc.Notification) {
		h.mu.Lock()
		h.events = append(h.events, n)
		h.mu.Unlock()
	})
	h.sup = New(Options{
		Launcher:       h.launcher,
		Channel:        h.ch,
		Machine:        status.NewMachine(bus.New()),
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		MaxRestarts:    5,
		StopGrace:      50 * time.Millisecond,
		AfterFunc:      h.clock.AfterFunc,
	})
	t.Cleanup(func() { _ = h.sup.Stop(context.Background()) })
	return h
}

func (h *harness) errorEvents() []rpc.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []rpc.Notification
	for _, n := range h.events {
		if n.Type == "error" {
			out = append(out, n)
		}
	}
	return out
}

func waitState(t *testing.T, s *Supervisor, want status.State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state = %s, want %s", s.State(), want)
}

// crashCurrent makes the running worker exit abnormally and waits for the supervisor to react.
func (h *harness) crashCurrent(t *testing.T, want status.State) {
	t.Helper()
	h.launcher.last().finish(errors.New("exit status 1"))
	waitState(t, h.sup, want)
}

func pong(rpc.Frame) string { return `{"pong":true}` }

func TestStartCallStop(t *testing.T) {
	h := newHarness(t, pong)

	require.NoError(t, h.sup.Start())
	assert.Equal(t, status.Running, h.sup.State())
	assert.Equal(t, 1001, h.sup.Snapshot().Pid)

	var res struct {
		Pong bool `json:"pong"`
	}
	require.NoError(t, h.ch.Call(context.Background(), "ping", nil, &res))
	assert.True(t, res.Pong)

	require.NoError(t, h.sup.Stop(context.Background()))
	assert.Equal(t, status.Stopped, h.sup.State())
	assert.False(t, h.launcher.last().killed.Load(), "worker should exit on stdin close")
	assert.Empty(t, h.clock.scheduled())
	assert.Empty(t, h.errorEvents())

	err := h.ch.Call(context.Background(), "ping", nil, nil)
	assert.ErrorIs(t, err, rpc.ErrNotRunning)
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, pong)
	require.NoError(t, h.sup.Start())
	assert.Error(t, h.sup.Start())
	assert.Equal(t, 1, h.launcher.launches())
}

func TestCrashFailsPendingCallsAndSchedulesRestart(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Start())

	errc := make(chan error, 1)
	go func() { errc <- h.ch.Call(context.Background(), "get_dialogs", nil, nil) }()
	require.Eventually(t, func() bool { return h.ch.Pending() == 1 }, time.Second, 5*time.Millisecond)

	h.crashCurrent(t, status.CrashedPendingRestart)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, rpc.ErrWorkerCrashed)
	case <-time.After(time.Second):
		t.Fatal("pending call was not failed on crash")
	}
	assert.Equal(t, []time.Duration{time.Second}, h.clock.scheduled())
	assert.Equal(t, 1, h.sup.Attempts())
	require.Len(t, h.errorEvents(), 1)

	h.clock.fire()
	waitState(t, h.sup, status.Running)
	assert.Equal(t, 2, h.launcher.launches())
}

func TestRestartBoundAndBackoff(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Start())

	for i := 1; i <= 5; i++ {
		h.crashCurrent(t, status.CrashedPendingRestart)
		h.clock.fire()
		waitState(t, h.sup, status.Running)
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, h.clock.scheduled())

	h.crashCurrent(t, status.PermanentlyFailed)
	assert.Len(t, h.clock.scheduled(), 5, "sixth crash must not schedule a restart")
	assert.Equal(t, 6, h.launcher.launches())

	events := h.errorEvents()
	require.Len(t, events, 7)
	var last struct {
		Permanent bool `json:"permanent"`
	}
	require.NoError(t, events[6].Decode(&last))
	assert.True(t, last.Permanent)

	assert.Error(t, h.sup.Start())
	assert.NoError(t, h.sup.Stop(context.Background()))
	assert.Equal(t, status.PermanentlyFailed, h.sup.State())
}

func TestBackoffCap(t *testing.T) {
	s := New(Options{
		Channel:        rpc.NewChannel(rpc.Options{}),
		InitialBackoff: 10 * time.Second,
		MaxBackoff:     30 * time.Second,
	})
	assert.Equal(t, 10*time.Second, s.Backoff(1))
	assert.Equal(t, 20*time.Second, s.Backoff(2))
	assert.Equal(t, 30*time.Second, s.Backoff(3))
	assert.Equal(t, 30*time.Second, s.Backoff(40))
}

func TestResponseResetsAttempts(t *testing.T) {
	h := newHarness(t, pong)
	require.NoError(t, h.sup.Start())

	for i := 0; i < 2; i++ {
		h.crashCurrent(t, status.CrashedPendingRestart)
		h.clock.fire()
		waitState(t, h.sup, status.Running)
	}
	assert.Equal(t, 2, h.sup.Attempts())

	require.NoError(t, h.ch.Call(context.Background(), "ping", nil, nil))
	assert.Zero(t, h.sup.Attempts())

	h.crashCurrent(t, status.CrashedPendingRestart)
	delays := h.clock.scheduled()
	assert.Equal(t, time.Second, delays[len(delays)-1])
}

func TestStopWhileRestartPending(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Start())
	h.crashCurrent(t, status.CrashedPendingRestart)

	require.NoError(t, h.sup.Stop(context.Background()))
	assert.Equal(t, status.Stopped, h.sup.State())
	assert.True(t, h.clock.timers[0].stopped.Load())

	h.clock.fire()
	assert.Equal(t, status.Stopped, h.sup.State())
	assert.Equal(t, 1, h.launcher.launches())
}

func TestCleanExitIsNotACrash(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.sup.Start())

	h.launcher.last().finish(nil)
	waitState(t, h.sup, status.Stopped)
	assert.Empty(t, h.clock.scheduled())
	assert.Empty(t, h.errorEvents())
	assert.Zero(t, h.sup.Attempts())
}

func TestStopKillsUnresponsiveWorker(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.make = func(n int) *fakeProc { return newFakeProc(n, nil, false) }
	require.NoError(t, h.sup.Start())

	errc := make(chan error, 1)
	go func() { errc <- h.ch.Call(context.Background(), "send_message", nil, nil) }()
	require.Eventually(t, func() bool { return h.ch.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.sup.Stop(context.Background()))
	assert.Equal(t, status.Stopped, h.sup.State())
	assert.True(t, h.launcher.last().killed.Load())
	assert.ErrorIs(t, <-errc, rpc.ErrClosed)

	// The killed worker's exit must not be mistaken for a crash.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, status.Stopped, h.sup.State())
	assert.Empty(t, h.clock.scheduled())
}

func TestLaunchFailureCountsAsCrash(t *testing.T) {
	h := newHarness(t, pong)
	h.launcher.fail = errors.New("exec: \"python3\": executable file not found in $PATH")

	assert.Error(t, h.sup.Start())
	assert.Equal(t, status.CrashedPendingRestart, h.sup.State())
	assert.Equal(t, []time.Duration{time.Second}, h.clock.scheduled())

	h.launcher.fail = nil
	h.clock.fire()
	waitState(t, h.sup, status.Running)
}

func TestOnRunningHooks(t *testing.T) {
	h := newHarness(t, nil)
	var runs atomic.Int32
	h.sup.OnRunning(func() { runs.Add(1) })

	require.NoError(t, h.sup.Start())
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	h.crashCurrent(t, status.CrashedPendingRestart)
	h.clock.fire()
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStateChangesArePublished(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("worker.", 16)
	defer unsub()

	ch := rpc.NewChannel(rpc.Options{})
	l := &fakeLauncher{make: func(n int) *fakeProc { return newFakeProc(n, pong, true) }}
	s := New(Options{Launcher: l, Channel: ch, Machine: status.NewMachine(b), AfterFunc: (&fakeClock{}).AfterFunc})
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop(context.Background()))

	var got []status.State
	for len(got) < 3 {
		select {
		case evt := <-events:
			got = append(got, evt.Payload.(status.StatusChange).To)
		case <-time.After(time.Second):
			t.Fatalf("got %v, want three transitions", got)
		}
	}
	assert.Equal(t, []status.State{status.Starting, status.Running, status.Stopped}, got)
}
