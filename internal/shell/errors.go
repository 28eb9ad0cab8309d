package shell

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotInitialized is returned when a command is submitted before
	// Initialize succeeded or after the shell process went away.
	ErrSessionNotInitialized = errors.New("shell: session not initialized")

	// ErrSessionBusy is returned when Submit is called while another Submit
	// is still draining its queue.
	ErrSessionBusy = errors.New("shell: session busy")

	// ErrSpawnFailure marks errors raised while starting the shell process.
	ErrSpawnFailure = errors.New("shell: spawn failure")

	// ErrProcessExited is returned when the shell process exits while a
	// queue is being drained. The session is closed afterwards.
	ErrProcessExited = errors.New("shell: process exited")
)

// SpawnError describes a failed attempt to start the shell process.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("shell: spawn %q: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawnFailure, e.Err}
}
