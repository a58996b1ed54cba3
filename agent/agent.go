package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/subproc/proc"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ProcAgent is an HTTP agent that spawns and controls processes on its host.
// The agent requires mTLS for both traffic encryption and authz.
type ProcAgent struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	httpServer *http.Server

	procsMu sync.RWMutex
	procs   map[string]*proc.Handle

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *ProcAgent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *ProcAgent) {
		a.heartbeatTimeout = d
	}
}

// WithHeartbeatFailureHandler sets the function invoked when no heartbeat has
// arrived within the heartbeat timeout. It is the agent-level analogue of the
// parent-death signal the proc package installs on its children: when the
// controller disappears uncontrolled, the agent gets a chance to clean up
// after itself.
func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *ProcAgent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *ProcAgent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *ProcAgent) {
		a.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *ProcAgent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// HeartbeatFailureExit exits the agent process. Children spawned by the agent
// are killed by the kernel via their parent-death signal on Linux.
func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// New constructs a new process agent.
func New(caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*ProcAgent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &ProcAgent{
		logger:           logger.Named("procagent").Sugar(),
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8090",
		procs:            map[string]*proc.Handle{},
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// startHeartbeatCheck starts a goroutine that checks for a heartbeat timeout
// and invokes the failure handler when one occurs.
func (a *ProcAgent) startHeartbeatCheck() {
	go func() {
		a.heartbeatMut.Lock()
		a.lastHeartbeat = time.Now()
		a.heartbeatMut.Unlock()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
			}
		}
	}()
}

func (a *ProcAgent) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		return fmt.Errorf("building server TLS config: %w", err)
	}

	tlsListener := tls.NewListener(tcpListener, tlsConfig)

	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.POST("/procs", a.spawn)
	router.DELETE("/procs/:id", a.release)
	router.POST("/procs/:id/signal", a.signal)
	router.POST("/procs/:id/wait", a.wait)
	router.GET("/procs/:id/alive", a.alive)
	router.POST("/procs/:id/stdin", a.writeStdin)
	router.GET("/procs/:id/stdout", a.readStreamHandler("stdout"))
	router.GET("/procs/:id/stderr", a.readStreamHandler("stderr"))
	router.DELETE("/procs/:id/stdin", a.closeStreamHandler("stdin"))
	router.DELETE("/procs/:id/stdout", a.closeStreamHandler("stdout"))
	router.DELETE("/procs/:id/stderr", a.closeStreamHandler("stderr"))
	router.GET("/procs/:id/attach", a.attach)

	server := http.Server{Handler: router}
	a.httpServer = &server

	err = server.Serve(tlsListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run runs the agent and returns once it has stopped.
func (a *ProcAgent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

// Stop shuts the HTTP server down and releases every registered handle. The
// processes themselves are not signaled; on Linux their parent-death signal
// fires when the agent process exits.
func (a *ProcAgent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })

	a.procsMu.Lock()
	for id, h := range a.procs {
		h.Release()
		delete(a.procs, id)
	}
	a.procsMu.Unlock()

	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Close()
}

func (a *ProcAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	a.writeJSON(w, response)
}

func (a *ProcAgent) handle(id string) (*proc.Handle, bool) {
	a.procsMu.RLock()
	defer a.procsMu.RUnlock()
	h, ok := a.procs[id]
	return h, ok
}

func (a *ProcAgent) lookup(w http.ResponseWriter, params httprouter.Params) (*proc.Handle, bool) {
	h, ok := a.handle(params.ByName("id"))
	if !ok {
		http.Error(w, "no such process", http.StatusNotFound)
		return nil, false
	}
	return h, true
}

func (a *ProcAgent) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debugf("error writing JSON response: %s", err)
	}
}

func stdioFromConfig(cfg StdioConfig) proc.Stdio {
	if cfg.Mode == "" {
		cfg.Mode = proc.ModeNull
	}
	return proc.Stdio{Mode: cfg.Mode, Path: cfg.Path}
}

func (a *ProcAgent) spawn(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "request contained no command", http.StatusBadRequest)
		return
	}

	h, pid, err := proc.Spawn(proc.SpawnRequest{
		Command: req.Command,
		Args:    req.Args,
		Stdin:   stdioFromConfig(req.Stdin),
		Stdout:  stdioFromConfig(req.Stdout),
		Stderr:  stdioFromConfig(req.Stderr),
		Env:     req.Env,
		Dir:     req.Dir,
	})
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, proc.ErrInvalidConfig) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}

	id := uuid.NewString()
	a.procsMu.Lock()
	a.procs[id] = h
	a.procsMu.Unlock()

	a.logger.Debugw("spawned process", "ID", id, "PID", pid, "Command", req.Command)
	a.writeJSON(w, SpawnResponse{ID: id, PID: pid})
}

func (a *ProcAgent) release(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	a.procsMu.Lock()
	h, ok := a.procs[id]
	delete(a.procs, id)
	a.procsMu.Unlock()
	if !ok {
		http.Error(w, "no such process", http.StatusNotFound)
		return
	}
	h.Release()
	a.logger.Debugw("released process handle", "ID", id)
	a.writeJSON(w, CloseResponse{Status: StatusOK})
}

func (a *ProcAgent) signal(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, ok := a.lookup(w, params)
	if !ok {
		return
	}
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := h.Signal(syscall.Signal(req.Signal))
	switch {
	case err == nil:
		a.writeJSON(w, SignalResponse{Status: StatusOK})
	case errors.Is(err, proc.ErrAlreadyExited):
		a.writeJSON(w, SignalResponse{Status: StatusAlreadyExited})
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// wait blocks the request goroutine until the process exits. Callers wanting
// a bound on the wait enforce it themselves, e.g. with a request context
// deadline on a subsequent retry; the underlying OS wait runs to completion
// regardless.
func (a *ProcAgent) wait(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, ok := a.lookup(w, params)
	if !ok {
		return
	}

	code, err := h.Wait()
	switch {
	case err == nil:
		a.writeJSON(w, WaitResponse{Status: StatusOK, ExitCode: code})
	case errors.Is(err, proc.ErrAlreadyReaped):
		a.writeJSON(w, WaitResponse{Status: StatusAlreadyReaped})
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *ProcAgent) alive(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, ok := a.lookup(w, params)
	if !ok {
		return
	}
	a.writeJSON(w, AliveResponse{Alive: h.Alive()})
}

func (a *ProcAgent) writeStdin(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, ok := a.lookup(w, params)
	if !ok {
		return
	}
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n, err := h.WriteStdin(req.Data)
	switch {
	case err == nil && n == len(req.Data):
		a.writeJSON(w, WriteResponse{Status: StatusOK, N: n})
	case err == nil:
		a.writeJSON(w, WriteResponse{Status: StatusPartial, N: n})
	case errors.Is(err, proc.ErrWouldBlock):
		a.writeJSON(w, WriteResponse{Status: StatusWouldBlock})
	case errors.Is(err, proc.ErrBrokenPipe):
		a.writeJSON(w, WriteResponse{Status: StatusBrokenPipe})
	case errors.Is(err, proc.ErrNotPiped):
		a.writeJSON(w, WriteResponse{Status: StatusNotPiped})
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *ProcAgent) readStreamHandler(stream string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		h, ok := a.lookup(w, params)
		if !ok {
			return
		}
		read := h.ReadStdout
		if stream == "stderr" {
			read = h.ReadStderr
		}

		b, err := read()
		switch {
		case err == nil:
			a.writeJSON(w, ReadResponse{Status: StatusOK, Data: b})
		case errors.Is(err, io.EOF):
			a.writeJSON(w, ReadResponse{Status: StatusEOF})
		case errors.Is(err, proc.ErrWouldBlock):
			a.writeJSON(w, ReadResponse{Status: StatusWouldBlock})
		case errors.Is(err, proc.ErrNotPiped):
			a.writeJSON(w, ReadResponse{Status: StatusNotPiped})
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func (a *ProcAgent) closeStreamHandler(stream string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		h, ok := a.lookup(w, params)
		if !ok {
			return
		}
		var closeStream func() error
		switch stream {
		case "stdin":
			closeStream = h.CloseStdin
		case "stdout":
			closeStream = h.CloseStdout
		default:
			closeStream = h.CloseStderr
		}

		err := closeStream()
		switch {
		case err == nil:
			a.writeJSON(w, CloseResponse{Status: StatusOK})
		case errors.Is(err, proc.ErrNotPiped):
			a.writeJSON(w, CloseResponse{Status: StatusNotPiped})
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
