package supervisor

import (
	"fmt"
	"io"
	"os/exec"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// Process is one running worker.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait blocks until the process exits. It must only be called after
	// Stdout has been read to EOF.
	Wait() error
	Kill() error
	Pid() int
}

// Launcher spawns worker processes.
type Launcher interface {
	Launch() (Process, error)
}

// ExecLauncher starts the worker as a child process. Stderr is forwarded
// line by line into the logger.
type ExecLauncher struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Logger  *zap.Logger
}

func (l *ExecLauncher) Launch() (Process, error) {
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = l.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}

	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stderr := &zapio.Writer{Log: logger.With(zap.String("stream", "stderr")), Level: zapcore.WarnLevel}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", l.Command, err)
	}
	logger.Info("worker process started", zap.String("command", l.Command), zap.Int("pid", cmd.Process.Pid))
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *zapio.Writer
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	_ = p.stderr.Close()
	return err
}
