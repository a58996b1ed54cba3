//go:build unix && !linux

package proc

import (
	"os"

	"golang.org/x/sys/unix"
)

// reap collects the process's exit status with a plain wait4. The caller must
// hold waitMu and have checked that the wait slot is non-empty.
//
// Without waitid/WNOWAIT the consuming step cannot run under the exit-cache
// lock, so there is a narrow window between consuming the status and
// publishing it during which Signal sees an unset cache; signal safety is
// best-effort on these platforms.
func (h *Handle) reap(block bool) (code int, exited bool, err error) {
	options := 0
	if !block {
		options = unix.WNOHANG
	}
	var (
		status unix.WaitStatus
		wpid   int
	)
	for {
		wpid, err = unix.Wait4(h.pid, &status, options, nil)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return 0, false, &os.SyscallError{Syscall: "wait4", Err: err}
	}
	if !block && wpid == 0 {
		return 0, false, nil
	}

	code = codeFromStatus(status)
	h.exitMu.Lock()
	h.exitCode = &code
	h.proc = nil
	h.exitMu.Unlock()
	return code, true, nil
}
