package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig indicates a bad spawn configuration, detected before
	// any OS call is made.
	ErrInvalidConfig = errors.New("invalid spawn config")

	// ErrNotPiped is returned by stream operations when the stream was not
	// configured as a pipe, or its pipe end has already been closed.
	ErrNotPiped = errors.New("stream is not piped")

	// ErrWouldBlock is returned by a read when no data is available and by a
	// write when the pipe buffer is full. It is part of the normal
	// non-blocking protocol; callers retry.
	ErrWouldBlock = errors.New("operation would block")

	// ErrBrokenPipe is returned by a write after the child has closed its
	// read end of stdin.
	ErrBrokenPipe = errors.New("broken pipe")

	// ErrAlreadyExited is returned by Signal once a terminal state has been
	// observed for the process. No signal is delivered.
	ErrAlreadyExited = errors.New("process already exited")

	// ErrAlreadyReaped is returned by Wait and TryWait when the process was
	// reaped by a concurrent caller whose exit code never became visible.
	// The process has terminated; its code is unknown.
	ErrAlreadyReaped = errors.New("process already reaped")
)

// StdioError reports a failure to set up one of the child's standard streams
// at spawn time.
type StdioError struct {
	Stream string // "stdin", "stdout", or "stderr"
	Err    error
}

func (e *StdioError) Error() string {
	return fmt.Sprintf("setting up %s: %s", e.Stream, e.Err)
}

func (e *StdioError) Unwrap() error { return e.Err }
