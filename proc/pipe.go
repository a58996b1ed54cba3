//go:build unix

package proc

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// readBufSize is the size of the buffer used for a single non-blocking read.
const readBufSize = 4096

// pipeEnd is the parent's end of one of the child's standard stream pipes,
// kept in non-blocking mode so reads and writes return immediately instead of
// suspending the caller.
type pipeEnd struct {
	f  *os.File
	fd int
}

func newPipeEnd(f *os.File) (*pipeEnd, error) {
	// Calling Fd deregisters the file from the runtime poller, so the
	// descriptor's O_NONBLOCK flag is ours to manage from here on.
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	return &pipeEnd{f: f, fd: fd}, nil
}

// write attempts a single write of b. It returns the number of bytes
// accepted, which may be less than len(b) when the pipe buffer fills mid-way,
// or ErrWouldBlock when nothing was accepted.
func (p *pipeEnd) write(b []byte) (int, error) {
	n, err := unix.Write(p.fd, b)
	if n < 0 {
		n = 0
	}
	switch err {
	case nil:
		return n, nil
	case unix.EAGAIN:
		return 0, ErrWouldBlock
	case unix.EPIPE:
		return 0, ErrBrokenPipe
	}
	return n, &os.SyscallError{Syscall: "write", Err: err}
}

// read attempts a single read of at most readBufSize bytes. It returns io.EOF
// once the peer has closed the stream and ErrWouldBlock when no data is
// currently available.
func (p *pipeEnd) read() ([]byte, error) {
	buf := make([]byte, readBufSize)
	n, err := unix.Read(p.fd, buf)
	switch {
	case err == unix.EAGAIN:
		return nil, ErrWouldBlock
	case err != nil:
		return nil, &os.SyscallError{Syscall: "read", Err: err}
	case n == 0:
		return nil, io.EOF
	}
	return buf[:n], nil
}

func (p *pipeEnd) close() error { return p.f.Close() }
