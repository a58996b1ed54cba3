//go:build unix && !linux

package proc

import "os/exec"

// setParentDeathSignal is a no-op where the kernel offers no parent-death
// signal. Orphan cleanup is best-effort on these platforms.
func setParentDeathSignal(cmd *exec.Cmd) {}
