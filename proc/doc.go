/*
Package proc spawns child OS processes and manages their lifecycle under
concurrent access from multiple callers.

Spawn launches a process with each of its three standard streams wired
according to a per-stream mode (null, pipe, inherit, or file) and returns a
Handle, the sole owner of the process and its pipe ends. Piped streams are put
into non-blocking mode before the handle is returned, so reads and writes
never suspend the caller: they return immediately with data, a would-block
indicator, or a terminal condition, and callers poll.

The hard part of the problem is racing against OS process semantics. An exit
status can be collected from the kernel only once, and after that collection
(the "reap") the kernel may hand the process ID to an unrelated process. The
Handle therefore funnels every status query through a write-once exit cache:
for any mix of concurrent Wait, TryWait, and Alive calls, exactly one OS-level
reap occurs and every caller observes the same exit code. Signal holds the
exit-cache lock across its kill syscall so that a signal is never delivered to
a PID the kernel may have recycled; once any caller has observed a terminal
state, Signal refuses with ErrAlreadyExited.

The handle's slots (wait handle, exit cache, and one slot per piped stream)
are each guarded by their own lock, so concurrent operations on different
resources never serialize: a writer on stdin does not block a reader on
stdout, and neither blocks a concurrent Wait.

Only Wait suspends the calling goroutine; it parks an OS thread in the kernel
until the process terminates, so dispatch it accordingly. There is no internal
cancellation: a caller wanting a bounded wait should poll with TryWait or race
Wait from a goroutine it is prepared to abandon.

The package is POSIX-only. On Linux the child is launched with a parent-death
signal so the kernel kills it if this process dies without cleaning up; on
other POSIX platforms that facility does not exist and orphan cleanup is
best-effort.
*/
package proc
