package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/subproc/proc"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	readLimit = 32768

	// attachPollInterval is how often the attach pump polls the non-blocking
	// reads while a stream has nothing buffered.
	attachPollInterval = 5 * time.Millisecond
)

// attach upgrades to a WebSocket and streams the process's I/O. Unlike a
// one-shot command runner, the process is not scoped to the connection: the
// handle stays registered, and a client that detaches (or dies) just stops
// pumping.
func (a *ProcAgent) attach(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h, ok := a.lookup(w, params)
	if !ok {
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)
	a.logger.Debug("accepted attach WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	pump := &attachPump{
		log:    a.logger.Named("attach_pump"),
		conn:   wsConn,
		ctx:    ctx,
		cancel: cancel,
		h:      h,
	}
	pump.run()
}

type attachPump struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	h *proc.Handle

	wg            sync.WaitGroup
	closeConnOnce sync.Once
}

func (p *attachPump) run() {
	p.wg.Add(2)
	go p.readRequests()
	go p.pumpOutputs()
	p.wg.Wait()
}

func (p *attachPump) close(code websocket.StatusCode, reason string) {
	// websocket close reasons can't exceed 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	p.closeConnOnce.Do(func() {
		err := p.conn.Close(code, reason)
		if err != nil {
			p.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (p *attachPump) readRequests() {
	defer p.wg.Done()

	for {
		var msg attachRequest
		err := wsjson.Read(p.ctx, p.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			p.log.Debug("got normal closure from client")
			return
		}
		if err != nil {
			p.log.Debugf("request reader got error: %s", err)
			return
		}
		if len(msg.Stdin) > 0 {
			if err := p.writeStdin(msg.Stdin); err != nil {
				p.log.Debugf("stdin write error: %s", err)
			}
		}
		if msg.StdinDone {
			if err := p.h.CloseStdin(); err != nil && !errors.Is(err, proc.ErrNotPiped) {
				p.log.Debugf("stdin close error: %s", err)
			}
		}
		if msg.Signal != 0 {
			if err := p.h.Signal(syscall.Signal(msg.Signal)); err != nil {
				p.log.Debugf("signal %d error: %s", msg.Signal, err)
			}
		}
	}
}

// writeStdin resubmits the non-blocking write until the whole chunk is
// accepted. The retry policy lives here, on the calling side of proc.
func (p *attachPump) writeStdin(b []byte) error {
	for len(b) > 0 {
		n, err := p.h.WriteStdin(b)
		if err == nil {
			b = b[n:]
			continue
		}
		if errors.Is(err, proc.ErrWouldBlock) {
			select {
			case <-p.ctx.Done():
				return p.ctx.Err()
			case <-time.After(attachPollInterval):
			}
			continue
		}
		return err
	}
	return nil
}

// pumpOutputs polls stdout and stderr, forwarding whatever is buffered, until
// both streams are finished, then sends the exit record and initiates the
// close.
func (p *attachPump) pumpOutputs() {
	defer p.wg.Done()
	defer p.cancel()

	mkStdout := func(b []byte, eof bool) attachResponse { return attachResponse{Stdout: b, StdoutEOF: eof} }
	mkStderr := func(b []byte, eof bool) attachResponse { return attachResponse{Stderr: b, StderrEOF: eof} }

	ticker := time.NewTicker(attachPollInterval)
	defer ticker.Stop()

	stdoutDone, stderrDone := false, false
	for !(stdoutDone && stderrDone) {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		if !stdoutDone {
			done, err := p.drainStream(p.h.ReadStdout, mkStdout)
			if err != nil {
				p.log.Debugf("stdout pump error: %s", err)
				p.close(websocket.StatusInternalError, err.Error())
				return
			}
			stdoutDone = done
		}
		if !stderrDone {
			done, err := p.drainStream(p.h.ReadStderr, mkStderr)
			if err != nil {
				p.log.Debugf("stderr pump error: %s", err)
				p.close(websocket.StatusInternalError, err.Error())
				return
			}
			stderrDone = done
		}
	}

	code, err := p.h.Wait()
	resp := attachResponse{Exited: true, ExitCode: code}
	if errors.Is(err, proc.ErrAlreadyReaped) {
		resp.CodeLost = true
	} else if err != nil {
		p.log.Debugf("wait error: %s", err)
		p.close(websocket.StatusInternalError, err.Error())
		return
	}
	p.log.Debugw("process exited, sending exit record", "ExitCode", resp.ExitCode, "CodeLost", resp.CodeLost)
	if err := wsjson.Write(p.ctx, p.conn, resp); err != nil {
		p.log.Debugf("error sending exit record: %s", err)
	}
	p.close(websocket.StatusNormalClosure, "")
}

// drainStream forwards whatever the stream has buffered right now and
// reports whether the stream is finished (EOF, closed, or never piped).
func (p *attachPump) drainStream(read func() ([]byte, error), mk func([]byte, bool) attachResponse) (bool, error) {
	for {
		b, err := read()
		switch {
		case err == nil:
			if werr := wsjson.Write(p.ctx, p.conn, mk(b, false)); werr != nil {
				return false, werr
			}
		case errors.Is(err, proc.ErrWouldBlock):
			return false, nil
		case errors.Is(err, io.EOF):
			if werr := wsjson.Write(p.ctx, p.conn, mk(nil, true)); werr != nil {
				return false, werr
			}
			return true, nil
		case errors.Is(err, proc.ErrNotPiped):
			return true, nil
		default:
			return false, err
		}
	}
}
