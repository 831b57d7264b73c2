package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/matheus3301/tgsync/internal/metrics"
	"github.com/matheus3301/tgsync/internal/rpc"
	"github.com/matheus3301/tgsync/internal/status"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Default lifecycle tuning.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMaxRestarts    = 5
	DefaultStopGrace      = 3 * time.Second
)

// Stopper is the part of *time.Timer the supervisor needs.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests replace it to control restarts.
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

// Options configures a Supervisor.
type Options struct {
	Launcher       Launcher
	Channel        *rpc.Channel
	Machine        *status.Machine
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRestarts    int
	StopGrace      time.Duration
	AfterFunc      AfterFunc
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Supervisor keeps one worker process alive behind an rpc.Channel.
//
// A crash fails every pending call with rpc.ErrWorkerCrashed and schedules a
// restart after initial*2^(attempts-1), capped at MaxBackoff. Once attempts
// exceed MaxRestarts the worker is PermanentlyFailed. Any response frame from
// the worker resets attempts to zero. Stop is tracked explicitly so a
// requested shutdown is never treated as a crash.
type Supervisor struct {
	// opMu serialises lifecycle operations: Start, Stop, restart and exit handling.
	opMu sync.Mutex

	mu            sync.Mutex
	proc          Process
	gen           uint64
	exited        chan struct{}
	attempts      int
	stopRequested bool
	restartTimer  Stopper
	onRunning     []func()

	launcher       Launcher
	ch             *rpc.Channel
	machine        *status.Machine
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxRestarts    int
	stopGrace      time.Duration
	afterFunc      AfterFunc
	logger         *zap.Logger
	metrics        *metrics.Metrics
}

// New creates a supervisor in the Stopped state.
func New(opts Options) *Supervisor {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = DefaultMaxRestarts
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Machine == nil {
		opts.Machine = status.NewMachine(nil)
	}
	s := &Supervisor{
		launcher:       opts.Launcher,
		ch:             opts.Channel,
		machine:        opts.Machine,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		maxRestarts:    opts.MaxRestarts,
		stopGrace:      opts.StopGrace,
		afterFunc:      opts.AfterFunc,
		logger:         opts.Logger.With(zap.String("component", "supervisor")),
		metrics:        opts.Metrics,
	}
	s.ch.OnResponse(s.resetAttempts)
	s.metrics.SetWorkerState(string(status.Stopped), stateNames())
	return s
}

// Info is a point-in-time view of the supervisor.
type Info struct {
	State    status.State
	Attempts int
	Pid      int
	Pending  int
}

// Snapshot returns the current state, restart attempts, pid and pending calls.
func (s *Supervisor) Snapshot() Info {
	s.mu.Lock()
	info := Info{Attempts: s.attempts}
	if s.proc != nil {
		info.Pid = s.proc.Pid()
	}
	s.mu.Unlock()
	info.State = s.machine.Current()
	info.Pending = s.ch.Pending()
	return info
}

// State returns the current lifecycle state.
func (s *Supervisor) State() status.State {
	return s.machine.Current()
}

// Attempts returns the consecutive crash count.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// OnRunning registers fn to run in its own goroutine every time a worker
// reaches Running. A fresh worker holds no sessions, so callers use this to
// resume them.
func (s *Supervisor) OnRunning(fn func()) {
	s.mu.Lock()
	s.onRunning = append(s.onRunning, fn)
	s.mu.Unlock()
}

// Start launches the worker. It is only valid from Stopped.
func (s *Supervisor) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if cur := s.machine.Current(); cur != status.Stopped {
		return fmt.Errorf("worker is %s", cur)
	}
	s.mu.Lock()
	s.stopRequested = false
	s.attempts = 0
	s.mu.Unlock()
	return s.launch()
}

// launch spawns a process and moves Starting → Running. A spawn failure is
// handled as a crash. opMu must be held.
func (s *Supervisor) launch() error {
	if err := s.transition(status.Starting); err != nil {
		return err
	}
	proc, err := s.launcher.Launch()
	if err != nil {
		s.crash(err)
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.proc = proc
	done := make(chan struct{})
	s.exited = done
	hooks := append([]func(){}, s.onRunning...)
	s.mu.Unlock()

	s.ch.Attach(proc.Stdin())
	go s.watch(gen, proc, done)

	if err := s.transition(status.Running); err != nil {
		return err
	}
	s.logger.Info("worker running", zap.Int("pid", proc.Pid()))
	for _, fn := range hooks {
		go fn()
	}
	return nil
}

// watch feeds the worker's stdout to the channel until EOF, then reaps it.
func (s *Supervisor) watch(gen uint64, proc Process, done chan struct{}) {
	if err := s.ch.Serve(proc.Stdout()); err != nil {
		s.logger.Warn("worker stdout read failed", zap.Error(err))
	}
	exitErr := proc.Wait()
	close(done)
	s.handleExit(gen, exitErr)
}

func (s *Supervisor) handleExit(gen uint64, exitErr error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if gen != s.gen || s.stopRequested {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	s.mu.Unlock()

	if exitErr == nil {
		n := s.ch.Detach(rpc.ErrClosed)
		s.logger.Info("worker exited cleanly", zap.Int("failed_calls", n))
		_ = s.transition(status.Stopped)
		return
	}
	s.crash(exitErr)
}

// crash fails pending calls, notifies the observer and either schedules a
// restart or gives up. The state transition comes last. opMu must be held.
func (s *Supervisor) crash(cause error) {
	n := s.ch.Detach(rpc.ErrWorkerCrashed)

	s.mu.Lock()
	s.attempts++
	attempts := s.attempts
	s.mu.Unlock()

	s.logger.Error("worker crashed",
		zap.Error(cause),
		zap.Int("attempt", attempts),
		zap.Int("failed_calls", n),
	)
	s.ch.Emit(rpc.NewNotification("error", map[string]any{
		"message":      fmt.Sprintf("worker crashed: %v", cause),
		"attempt":      attempts,
		"failed_calls": n,
	}))

	if attempts > s.maxRestarts {
		s.logger.Error("worker permanently failed", zap.Int("attempts", attempts))
		s.ch.Emit(rpc.NewNotification("error", map[string]any{
			"message":   fmt.Sprintf("worker failed %d times in a row, giving up", attempts),
			"attempt":   attempts,
			"permanent": true,
		}))
		_ = s.transition(status.CrashedPendingRestart)
		_ = s.transition(status.PermanentlyFailed)
		return
	}

	delay := s.Backoff(attempts)
	s.mu.Lock()
	s.restartTimer = s.afterFunc(delay, s.restart)
	s.mu.Unlock()
	s.metrics.RecordRestart()
	s.logger.Info("worker restart scheduled", zap.Duration("delay", delay), zap.Int("attempt", attempts))
	_ = s.transition(status.CrashedPendingRestart)
}

// Backoff returns the delay before restart number attempts (1-based).
func (s *Supervisor) Backoff(attempts int) time.Duration {
	d := s.initialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.maxBackoff {
			return s.maxBackoff
		}
	}
	return min(d, s.maxBackoff)
}

func (s *Supervisor) restart() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.restartTimer = nil
	stopping := s.stopRequested
	s.mu.Unlock()
	if stopping || s.machine.Current() != status.CrashedPendingRestart {
		return
	}
	if err := s.launch(); err != nil {
		s.logger.Warn("worker restart failed", zap.Error(err))
	}
}

func (s *Supervisor) resetAttempts() {
	s.mu.Lock()
	if s.attempts > 0 {
		s.logger.Debug("worker responded, clearing restart attempts", zap.Int("attempts", s.attempts))
	}
	s.attempts = 0
	s.mu.Unlock()
}

// Stop shuts the worker down: pending calls fail with rpc.ErrClosed, stdin is
// closed, and the process is killed if it has not exited after the grace
// period. No restart is scheduled afterwards.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.stopRequested = true
	proc, done := s.proc, s.exited
	s.proc = nil
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.mu.Unlock()

	switch s.machine.Current() {
	case status.Stopped, status.PermanentlyFailed:
		return nil
	}

	n := s.ch.Detach(rpc.ErrClosed)
	s.logger.Info("stopping worker", zap.Int("failed_calls", n))

	var errs error
	if proc != nil {
		if err := proc.Stdin().Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = multierr.Append(errs, fmt.Errorf("close worker stdin: %w", err))
		}
		grace := time.NewTimer(s.stopGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			errs = multierr.Append(errs, s.kill(ctx, proc, done))
		case <-ctx.Done():
			errs = multierr.Append(errs, s.kill(ctx, proc, done))
		}
	}

	return multierr.Append(errs, s.transition(status.Stopped))
}

func (s *Supervisor) kill(ctx context.Context, proc Process, done <-chan struct{}) error {
	s.logger.Warn("worker did not exit, killing", zap.Int("pid", proc.Pid()))
	var errs error
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = multierr.Append(errs, fmt.Errorf("kill worker: %w", err))
	}
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, ctx.Err())
	}
	return errs
}

func (s *Supervisor) transition(to status.State) error {
	if err := s.machine.Transition(to); err != nil {
		s.logger.Warn("lifecycle transition rejected", zap.Error(err))
		return err
	}
	s.metrics.SetWorkerState(string(to), stateNames())
	return nil
}

func stateNames() []string {
	names := make([]string, len(status.All))
	for i, st := range status.All {
		names[i] = string(st)
	}
	return names
}
