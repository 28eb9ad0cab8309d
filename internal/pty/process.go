package pty

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
)

const (
	defaultCols = 120
	defaultRows = 30
)

// ErrClosed is returned when writing to a process whose PTY is closed.
var ErrClosed = errors.New("pty: process is closed")

// Process is a child program attached to a pseudo terminal. Output is
// delivered as raw chunks in arrival order; the output channel is closed
// once the PTY can no longer be read.
type Process struct {
	id        string
	argv      []string
	startedAt time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	output chan string
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	exitCode  int
	closeOnce sync.Once
}

// start spawns argv inside a new PTY of the default size.
func start(id string, argv []string, workDir string, env []string) (*Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("pty: argv must not be empty")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Cols: defaultCols,
		Rows: defaultRows,
	})
	if err != nil {
		return nil, err
	}

	p := &Process{
		id:        id,
		argv:      argv,
		startedAt: time.Now(),
		cmd:       cmd,
		ptmx:      ptmx,
		output:    make(chan string, 1024),
		done:      make(chan struct{}),
		exitCode:  -1,
	}

	go p.readPump()
	go p.waitExit()

	return p, nil
}

// readPump forwards PTY reads until the PTY is closed or the child's side
// hangs up, then closes the output channel.
func (p *Process) readPump() {
	defer close(p.output)
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			p.output <- string(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// waitExit reaps the child and closes done.
func (p *Process) waitExit() {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	p.mu.Lock()
	p.closed = true
	p.exitCode = code
	p.mu.Unlock()

	close(p.done)
}

// ID returns the identifier assigned by the Spawner.
func (p *Process) ID() string { return p.id }

// Output returns the channel of raw output chunks.
func (p *Process) Output() <-chan string { return p.output }

// Done is closed when the child process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Write sends data to the child's terminal input.
func (p *Process) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrClosed
	}
	return p.ptmx.Write(data)
}

// Resize changes the PTY window size.
func (p *Process) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	return creackpty.Setsize(p.ptmx, &creackpty.Winsize{Cols: cols, Rows: rows})
}

// Wait blocks until the process exits or ctx is done and returns the exit
// code. A process killed by a signal reports -1.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Running reports whether the child has not exited yet.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Close sends SIGTERM to the child if it is still running and closes the
// PTY. It is safe to call Close multiple times.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		if p.cmd.Process != nil && p.Running() {
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}

		err = p.ptmx.Close()
	})
	return err
}
