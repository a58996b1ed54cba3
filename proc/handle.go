//go:build unix

package proc

import (
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Handle is the sole owner of a spawned process and its pipe ends. It is safe
// for concurrent use by multiple goroutines.
//
// Each resource below is guarded by its own mutex so operations on different
// resources never serialize. Locks are never held while acquiring another,
// with two scoped exceptions: the reap publishes the exit code under exitMu
// while holding waitMu, and Signal holds exitMu across its kill syscall. The
// lock order is always waitMu before exitMu, so the two cannot deadlock.
type Handle struct {
	pid int

	// waitMu guards proc for wait/poll purposes. proc is cleared only while
	// holding both waitMu and exitMu, so a reader holding either lock sees a
	// consistent value.
	waitMu sync.Mutex
	proc   *os.Process // nil once the process has been reaped

	// exitMu guards exitCode, the single source of truth for "this process
	// has terminated". Once set it is never cleared.
	exitMu   sync.Mutex
	exitCode *int

	stdinMu sync.Mutex
	stdin   *pipeEnd

	stdoutMu sync.Mutex
	stdout   *pipeEnd

	stderrMu sync.Mutex
	stderr   *pipeEnd
}

func newHandle(p *os.Process) *Handle {
	return &Handle{pid: p.Pid, proc: p}
}

// PID returns the OS process ID. It identifies this process only until the
// process is reaped, after which the kernel may reuse it.
func (h *Handle) PID() int { return h.pid }

func (h *Handle) cachedExit() (int, bool) {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()
	if h.exitCode != nil {
		return *h.exitCode, true
	}
	return 0, false
}

// Wait blocks until the process terminates and returns its exit code: the
// program's own code on a normal exit, 128+signal when terminated by a
// signal, and -1 when the status is indeterminate. The code is collected from
// the OS exactly once and cached; concurrent and repeated calls all observe
// the same value. ErrAlreadyReaped is returned only when a concurrent reaper
// consumed the status but its code never became visible.
//
// Wait parks an OS thread until the process exits and has no cancellation;
// callers wanting a bounded wait should poll with TryWait instead.
func (h *Handle) Wait() (int, error) {
	if code, ok := h.cachedExit(); ok {
		return code, nil
	}

	h.waitMu.Lock()
	defer h.waitMu.Unlock()

	if h.proc == nil {
		// A concurrent caller reaped the process. Its publish may still be
		// in flight, so give the cache one more look before declaring the
		// code lost.
		if code, ok := h.cachedExit(); ok {
			return code, nil
		}
		return 0, ErrAlreadyReaped
	}

	code, _, err := h.reap(true)
	if err != nil {
		return 0, err
	}
	return code, nil
}

// TryWait reports whether the process has terminated, without blocking. When
// it has, the exit code is collected and cached exactly as for Wait. A false
// second return means the process is still running and nothing was consumed.
func (h *Handle) TryWait() (code int, exited bool, err error) {
	if code, ok := h.cachedExit(); ok {
		return code, true, nil
	}

	h.waitMu.Lock()
	defer h.waitMu.Unlock()

	if h.proc == nil {
		if code, ok := h.cachedExit(); ok {
			return code, true, nil
		}
		return 0, true, ErrAlreadyReaped
	}

	return h.reap(false)
}

// Alive reports whether the process is still running. Terminal and
// indeterminate states both read as not alive. A reap performed here
// populates the exit cache exactly as Wait does.
func (h *Handle) Alive() bool {
	_, exited, err := h.TryWait()
	return err == nil && !exited
}

// Signal delivers sig to the process, or ErrAlreadyExited once any caller has
// observed a terminal state.
//
// The exit-cache lock is held across the whole check-then-kill sequence; this
// is the one deliberate case of holding a lock across a syscall. The
// consuming reap in Wait and TryWait runs under the same lock, so while it is
// held here the kernel cannot have freed the PID: at worst the process is a
// zombie, which kill addresses harmlessly. A signal therefore never lands on
// a recycled PID.
func (h *Handle) Signal(sig syscall.Signal) error {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()

	if h.exitCode != nil || h.proc == nil {
		return ErrAlreadyExited
	}
	if err := unix.Kill(h.pid, sig); err != nil {
		return &os.SyscallError{Syscall: "kill", Err: err}
	}
	return nil
}

// WriteStdin attempts a single non-blocking write of p to the child's stdin.
// A nil error with n < len(p) is a partial write; the caller resubmits the
// remainder. ErrWouldBlock means the pipe buffer is full and nothing was
// accepted.
func (h *Handle) WriteStdin(p []byte) (int, error) {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.stdin == nil {
		return 0, ErrNotPiped
	}
	return h.stdin.write(p)
}

// ReadStdout attempts a single non-blocking read from the child's stdout,
// returning at most 4096 bytes of raw data. It returns io.EOF once the child
// has closed the stream and ErrWouldBlock when no data is available yet. The
// data is an opaque byte sequence; no text encoding or line framing is
// assumed.
func (h *Handle) ReadStdout() ([]byte, error) {
	return readSlot(&h.stdoutMu, &h.stdout)
}

// ReadStderr is ReadStdout for the child's stderr.
func (h *Handle) ReadStderr() ([]byte, error) {
	return readSlot(&h.stderrMu, &h.stderr)
}

// CloseStdin closes the write end of the child's stdin pipe, delivering EOF
// to the child. It returns ErrNotPiped if the stream was not piped or was
// already closed.
func (h *Handle) CloseStdin() error { return closeSlot(&h.stdinMu, &h.stdin) }

// CloseStdout releases the read end of the child's stdout pipe.
func (h *Handle) CloseStdout() error { return closeSlot(&h.stdoutMu, &h.stdout) }

// CloseStderr releases the read end of the child's stderr pipe.
func (h *Handle) CloseStderr() error { return closeSlot(&h.stderrMu, &h.stderr) }

// Release closes any pipe ends still held by the handle. It does not signal,
// wait on, or otherwise disturb the process itself.
func (h *Handle) Release() {
	_ = h.CloseStdin()
	_ = h.CloseStdout()
	_ = h.CloseStderr()
}

func readSlot(mu *sync.Mutex, slot **pipeEnd) ([]byte, error) {
	mu.Lock()
	defer mu.Unlock()
	if *slot == nil {
		return nil, ErrNotPiped
	}
	return (*slot).read()
}

func closeSlot(mu *sync.Mutex, slot **pipeEnd) error {
	mu.Lock()
	defer mu.Unlock()
	if *slot == nil {
		return ErrNotPiped
	}
	err := (*slot).close()
	*slot = nil
	return err
}

// teardown kills and reaps a half-constructed process so a failed launch
// never leaks a child.
func (h *Handle) teardown() {
	_ = h.Signal(syscall.SIGKILL)
	_, _ = h.Wait()
}
