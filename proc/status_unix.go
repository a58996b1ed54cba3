//go:build unix

package proc

import "golang.org/x/sys/unix"

// codeFromStatus converts a wait status using the shell convention: the
// program's own code on a normal exit, 128+signal when terminated by a
// signal, and -1 when the status is indeterminate.
func codeFromStatus(status unix.WaitStatus) int {
	switch {
	case status.Exited():
		return status.ExitStatus()
	case status.Signaled():
		return 128 + int(status.Signal())
	}
	return -1
}
