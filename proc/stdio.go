package proc

import "fmt"

// Stdio stream modes accepted by Spawn.
const (
	ModeNull    = "null"    // discard sink / empty source
	ModePipe    = "pipe"    // anonymous pipe, far end held by the Handle
	ModeInherit = "inherit" // share the caller's own stream
	ModeFile    = "file"    // open (stdin) or truncate-create (stdout/stderr) Path
)

// Stdio describes how one of the child's standard streams is wired at spawn
// time.
type Stdio struct {
	Mode string
	Path string // required for ModeFile, ignored otherwise
}

func (s Stdio) validate() error {
	switch s.Mode {
	case ModeNull, ModePipe, ModeInherit:
		return nil
	case ModeFile:
		if s.Path == "" {
			return fmt.Errorf("%w: file mode requires a path", ErrInvalidConfig)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown stdio mode %q, expected null, pipe, inherit, or file", ErrInvalidConfig, s.Mode)
}
