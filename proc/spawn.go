//go:build unix

package proc

import (
	"fmt"
	"os"
	"os/exec"
)

// SpawnRequest describes a process to launch.
type SpawnRequest struct {
	Command string
	Args    []string

	Stdin  Stdio
	Stdout Stdio
	Stderr Stdio

	// Env entries are merged into the inherited environment. On key
	// collisions the override wins.
	Env map[string]string

	// Dir is the child's working directory. Empty inherits the caller's.
	Dir string
}

// Spawn launches the requested process and returns its Handle along with the
// OS-assigned process ID, which identifies the process only until it is
// reaped.
//
// Launch is all-or-nothing: configuration errors are detected before any OS
// call, and on a failure at any later step no handle is returned and no child
// process is left behind.
func Spawn(req SpawnRequest) (*Handle, int, error) {
	for _, s := range []struct {
		name string
		cfg  Stdio
	}{
		{"stdin", req.Stdin},
		{"stdout", req.Stdout},
		{"stderr", req.Stderr},
	} {
		if err := s.cfg.validate(); err != nil {
			return nil, 0, fmt.Errorf("%s: %w", s.name, err)
		}
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setParentDeathSignal(cmd)

	// childFiles are descriptors destined for the child; the parent's copies
	// are closed once the child holds its own. parentEnds are the pipe ends
	// the handle will own, indexed stdin, stdout, stderr.
	var (
		childFiles []*os.File
		parentEnds [3]*os.File
	)
	closeFiles := func(files []*os.File) {
		for _, f := range files {
			if f != nil {
				f.Close()
			}
		}
	}
	fail := func(err error) (*Handle, int, error) {
		closeFiles(childFiles)
		closeFiles(parentEnds[:])
		return nil, 0, err
	}

	switch req.Stdin.Mode {
	case ModeNull:
		// exec treats a nil Stdin as an empty source.
	case ModeInherit:
		cmd.Stdin = os.Stdin
	case ModeFile:
		f, err := os.Open(req.Stdin.Path)
		if err != nil {
			return fail(&StdioError{Stream: "stdin", Err: err})
		}
		cmd.Stdin = f
		childFiles = append(childFiles, f)
	case ModePipe:
		r, w, err := os.Pipe()
		if err != nil {
			return fail(&StdioError{Stream: "stdin", Err: err})
		}
		cmd.Stdin = r
		childFiles = append(childFiles, r)
		parentEnds[0] = w
	}

	for _, o := range []struct {
		name    string
		cfg     Stdio
		inherit *os.File
		set     func(*os.File)
		slot    int
	}{
		{"stdout", req.Stdout, os.Stdout, func(f *os.File) { cmd.Stdout = f }, 1},
		{"stderr", req.Stderr, os.Stderr, func(f *os.File) { cmd.Stderr = f }, 2},
	} {
		switch o.cfg.Mode {
		case ModeNull:
			// nil means a discard sink.
		case ModeInherit:
			o.set(o.inherit)
		case ModeFile:
			f, err := os.Create(o.cfg.Path)
			if err != nil {
				return fail(&StdioError{Stream: o.name, Err: err})
			}
			o.set(f)
			childFiles = append(childFiles, f)
		case ModePipe:
			r, w, err := os.Pipe()
			if err != nil {
				return fail(&StdioError{Stream: o.name, Err: err})
			}
			o.set(w)
			childFiles = append(childFiles, w)
			parentEnds[o.slot] = r
		}
	}

	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("starting %s: %w", req.Command, err))
	}

	// The child holds its own copies now.
	closeFiles(childFiles)
	childFiles = nil

	h := newHandle(cmd.Process)

	// Every piped end goes non-blocking before the handle is returned, stdin
	// included, so non-blocking writes work uniformly with non-blocking
	// reads. A failure here tears the child down rather than returning a
	// handle whose streams don't behave as promised.
	for i, s := range []struct {
		name string
		dst  **pipeEnd
	}{
		{"stdin", &h.stdin},
		{"stdout", &h.stdout},
		{"stderr", &h.stderr},
	} {
		f := parentEnds[i]
		if f == nil {
			continue
		}
		p, err := newPipeEnd(f)
		if err != nil {
			closeFiles(parentEnds[:])
			h.Release()
			h.teardown()
			return nil, 0, &StdioError{Stream: s.name, Err: err}
		}
		*s.dst = p
		parentEnds[i] = nil
	}

	return h, h.PID(), nil
}
