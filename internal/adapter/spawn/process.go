package spawn

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"agenttap/internal/domain"
)

// Process is a bridge subprocess whose stdin/stdout carry agent frames.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	cmd    *exec.Cmd
	logger domain.Logger

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

// Start launches argv in its own process group. Stderr is passed through
// so bridge diagnostics reach the user; stdout is reserved for frames.
func Start(argv []string, logger domain.Logger) (*Process, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("empty bridge command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// An os.Pipe instead of StdoutPipe: Wait must not close the read side
	// before the last frames are consumed.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = stdoutW
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	_ = stdoutW.Close()
	logger.Info("bridge started", "pid", cmd.Process.Pid, "cmd", argv[0])

	p := &Process{
		Stdin:  stdin,
		Stdout: stdout,
		cmd:    cmd,
		logger: logger,
		exited: make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			err = fmt.Errorf("bridge exited with code %d", exitErr.ExitCode())
		}
		p.waitErr = err
		close(p.exited)
	})
}

// Pid returns the subprocess ID.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Exited is closed once the subprocess has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Stop closes stdin, signals the process group with SIGTERM and escalates
// to SIGKILL if the process is still running after grace. Stdout is closed
// once the process is gone.
func (p *Process) Stop(grace time.Duration) error {
	_ = p.Stdin.Close()
	defer p.Stdout.Close()

	select {
	case <-p.exited:
		return p.waitErr
	default:
	}

	if err := terminate(p.cmd.Process); err != nil {
		p.logger.Warn("signal bridge failed", "signal", "terminate", "err", err)
	}

	select {
	case <-p.exited:
	case <-time.After(grace):
		p.logger.Warn("bridge did not exit, killing", "pid", p.cmd.Process.Pid)
		_ = kill(p.cmd.Process)
		<-p.exited
	}
	return p.waitErr
}
