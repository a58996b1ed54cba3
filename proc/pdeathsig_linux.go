//go:build linux

package proc

import (
	"os/exec"
	"syscall"
)

// setParentDeathSignal asks the kernel to SIGKILL the child if this process
// dies without cleaning up, bounding the damage of orphaned children when the
// supervising environment disappears uncontrolled. If the kernel rejects the
// request between fork and exec, Start reports it as a launch failure.
func setParentDeathSignal(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
