//go:build linux

package proc

import (
	"os"

	"golang.org/x/sys/unix"
)

// reap collects the process's exit status. The caller must hold waitMu and
// have checked that the wait slot is non-empty. When block is false and the
// process is still running, reap returns exited=false and consumes nothing.
//
// Collection is two-phase. A waitid with WNOWAIT first observes termination
// without freeing the PID, then the consuming wait4 runs under the exit-cache
// lock, publishing the code before the wait slot is emptied. Because the
// consuming step happens under that lock, Signal can pin the PID as
// live-or-zombie by holding the same lock across its kill syscall.
func (h *Handle) reap(block bool) (code int, exited bool, err error) {
	var info unix.Siginfo
	options := unix.WEXITED | unix.WNOWAIT
	if !block {
		options |= unix.WNOHANG
	}
	for {
		err = unix.Waitid(unix.P_PID, h.pid, &info, options, nil)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return 0, false, &os.SyscallError{Syscall: "waitid", Err: err}
	}
	if !block && info.Signo == 0 {
		// No state change yet.
		return 0, false, nil
	}

	h.exitMu.Lock()
	defer h.exitMu.Unlock()

	var status unix.WaitStatus
	for {
		_, err = unix.Wait4(h.pid, &status, 0, nil)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		// Termination was observed above but the status is gone for good.
		// Publish the unknown-status sentinel so later callers don't retry a
		// wait that can never succeed.
		code = -1
	} else {
		code = codeFromStatus(status)
	}
	h.exitCode = &code
	h.proc = nil
	return code, true, nil
}
