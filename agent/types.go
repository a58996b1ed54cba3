package agent

// Operation result statuses shared by the HTTP and WebSocket surfaces.
const (
	StatusOK            = "ok"
	StatusPartial       = "partial"
	StatusWouldBlock    = "would-block"
	StatusBrokenPipe    = "broken-pipe"
	StatusNotPiped      = "not-piped"
	StatusEOF           = "eof"
	StatusAlreadyExited = "already-exited"
	StatusAlreadyReaped = "already-reaped"
)

// StdioConfig selects how one of the child's standard streams is wired.
// Mode is one of "null", "pipe", "inherit", or "file"; an empty mode means
// "null". File mode requires Path.
type StdioConfig struct {
	Mode string
	Path string
}

// SpawnRequest asks the agent to launch a process.
type SpawnRequest struct {
	Command string
	Args    []string

	Stdin  StdioConfig
	Stdout StdioConfig
	Stderr StdioConfig

	// Env is merged into the agent's environment; overrides win.
	Env map[string]string

	// Dir is the child's working directory; empty inherits the agent's.
	Dir string
}

// SpawnResponse identifies the spawned process. ID addresses the handle in
// subsequent calls; PID is the OS process ID.
type SpawnResponse struct {
	ID  string
	PID int
}

type SignalRequest struct {
	Signal int
}

type SignalResponse struct {
	Status string // ok | already-exited
}

type WaitResponse struct {
	Status   string // ok | already-reaped
	ExitCode int
}

type AliveResponse struct {
	Alive bool
}

type WriteRequest struct {
	Data []byte
}

type WriteResponse struct {
	Status string // ok | partial | would-block | broken-pipe | not-piped
	N      int    // bytes accepted when Status is ok or partial
}

type ReadResponse struct {
	Status string // ok | eof | would-block | not-piped
	Data   []byte
}

type CloseResponse struct {
	Status string // ok | not-piped
}

// attachRequest is a client->agent message on an attach stream. The zero
// parts of a message are ignored, so one message can carry stdin bytes, a
// stdin close, and a signal at once.
type attachRequest struct {
	Stdin     []byte
	StdinDone bool
	Signal    int
}

// attachResponse is an agent->client message on an attach stream. Output
// bytes arrive in arbitrary chunks; the final message has Exited set.
type attachResponse struct {
	Stdout    []byte
	StdoutEOF bool

	Stderr    []byte
	StderrEOF bool

	Exited   bool
	ExitCode int
	// CodeLost is set instead of ExitCode when the exit status was consumed
	// by another caller and its code never became visible.
	CodeLost bool
}
