package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/subproc/proc"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to a ProcAgent, mirroring its routes one-to-one.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("procagent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the agent at ipAddr:port. The dialer pins the
// given address and the TLS config pins the agent's cert name, so no DNS
// lookups happen and no public CA is involved; the cert chain is for authz
// and encryption only.
func NewClient(log *zap.SugaredLogger, certs *Certs, ipAddr string, port int, opts ...ClientOption) (*Client, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	httpDialAddrPort := fmt.Sprintf("%s:%d", ipAddr, port)
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", httpDialAddrPort)
	}

	tlsConfig, err := ClientTLSConfig(certs.CA.CertPEM, certs.Client.CertPEM, certs.Client.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}

	c := &Client{
		Logger:       log.Named("procagent_client"),
		baseURL:      fmt.Sprintf("https://%s:%d", serverName, port),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialCtx,
			TLSClientConfig: tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: log}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) doJSON(ctx context.Context, method, urlPath string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+urlPath, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			b = []byte(fmt.Sprintf("error reading body: %s", readErr))
		}
		return fmt.Errorf("non-200 HTTP status code %d from %s %s: %s", resp.StatusCode, method, urlPath, bytes.TrimSpace(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.doJSON(ctx, http.MethodGet, "/heartbeat", nil, nil)
}

// WaitForServer polls the heartbeat route until the agent responds.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// Spawn launches a process on the agent's host and returns a remote handle
// for it.
func (c *Client) Spawn(ctx context.Context, req SpawnRequest) (*RemoteProc, error) {
	var resp SpawnResponse
	if err := c.doJSON(ctx, http.MethodPost, "/procs", req, &resp); err != nil {
		return nil, err
	}
	c.Logger.Debugw("spawned remote process", "ID", resp.ID, "PID", resp.PID)
	return &RemoteProc{ID: resp.ID, PID: resp.PID, c: c}, nil
}

// RemoteProc is a client-side reference to a process handle held by the
// agent.
type RemoteProc struct {
	ID  string
	PID int

	c *Client
}

func (p *RemoteProc) path(suffix string) string {
	return "/procs/" + p.ID + suffix
}

func (p *RemoteProc) Signal(ctx context.Context, sig syscall.Signal) (SignalResponse, error) {
	var resp SignalResponse
	err := p.c.doJSON(ctx, http.MethodPost, p.path("/signal"), SignalRequest{Signal: int(sig)}, &resp)
	return resp, err
}

// Wait blocks until the process exits. There is no internal timeout; bound it
// with ctx if needed, understanding that the agent-side wait runs to
// completion regardless.
func (p *RemoteProc) Wait(ctx context.Context) (WaitResponse, error) {
	var resp WaitResponse
	err := p.c.doJSON(ctx, http.MethodPost, p.path("/wait"), nil, &resp)
	return resp, err
}

func (p *RemoteProc) Alive(ctx context.Context) (bool, error) {
	var resp AliveResponse
	err := p.c.doJSON(ctx, http.MethodGet, p.path("/alive"), nil, &resp)
	return resp.Alive, err
}

func (p *RemoteProc) WriteStdin(ctx context.Context, b []byte) (WriteResponse, error) {
	var resp WriteResponse
	err := p.c.doJSON(ctx, http.MethodPost, p.path("/stdin"), WriteRequest{Data: b}, &resp)
	return resp, err
}

func (p *RemoteProc) ReadStdout(ctx context.Context) (ReadResponse, error) {
	return p.readStream(ctx, "/stdout")
}

func (p *RemoteProc) ReadStderr(ctx context.Context) (ReadResponse, error) {
	return p.readStream(ctx, "/stderr")
}

func (p *RemoteProc) readStream(ctx context.Context, stream string) (ReadResponse, error) {
	var resp ReadResponse
	err := p.c.doJSON(ctx, http.MethodGet, p.path(stream), nil, &resp)
	return resp, err
}

func (p *RemoteProc) CloseStdin(ctx context.Context) (CloseResponse, error) {
	return p.closeStream(ctx, "/stdin")
}

func (p *RemoteProc) CloseStdout(ctx context.Context) (CloseResponse, error) {
	return p.closeStream(ctx, "/stdout")
}

func (p *RemoteProc) CloseStderr(ctx context.Context) (CloseResponse, error) {
	return p.closeStream(ctx, "/stderr")
}

func (p *RemoteProc) closeStream(ctx context.Context, stream string) (CloseResponse, error) {
	var resp CloseResponse
	err := p.c.doJSON(ctx, http.MethodDelete, p.path(stream), nil, &resp)
	return resp, err
}

// Release drops the agent's handle for the process, closing its remaining
// pipe ends. The process itself is not signaled.
func (p *RemoteProc) Release(ctx context.Context) error {
	return p.c.doJSON(ctx, http.MethodDelete, p.path(""), nil, nil)
}

// Attach streams the process's I/O over a WebSocket: stdin is copied up from
// the given reader (nil for none), stdout and stderr are copied down into the
// given writers (nil to discard), and the exit code is returned once the
// process has terminated and both output streams are finished. Attach returns
// proc.ErrAlreadyReaped if the exit code was consumed elsewhere and lost.
func (p *RemoteProc) Attach(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	u := p.c.baseURL + p.path("/attach")
	p.c.Logger.Debugw("dialing attach WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      p.c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return 0, fmt.Errorf("establishing attach WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	var wg sync.WaitGroup
	if stdin != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.pumpStdin(ctx, wsConn, stdin)
		}()
	}
	defer wg.Wait()

	var closeOnce sync.Once
	closeConn := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() { wsConn.Close(code, reason) })
	}
	defer closeConn(websocket.StatusInternalError, "abandoning attach")

	for {
		var msg attachResponse
		if err := wsjson.Read(ctx, wsConn, &msg); err != nil {
			return 0, fmt.Errorf("reading attach message: %w", err)
		}
		if len(msg.Stdout) > 0 {
			if _, err := stdout.Write(msg.Stdout); err != nil {
				return 0, fmt.Errorf("writing stdout: %w", err)
			}
		}
		if len(msg.Stderr) > 0 {
			if _, err := stderr.Write(msg.Stderr); err != nil {
				return 0, fmt.Errorf("writing stderr: %w", err)
			}
		}
		if msg.Exited {
			cancel()
			closeConn(websocket.StatusNormalClosure, "")
			if msg.CodeLost {
				return 0, proc.ErrAlreadyReaped
			}
			return msg.ExitCode, nil
		}
	}
}

// pumpStdin copies stdin up in chunks small enough to fit the read limit
// after JSON encoding, then signals stdin close.
func (p *RemoteProc) pumpStdin(ctx context.Context, conn *websocket.Conn, stdin io.Reader) {
	buf := make([]byte, readLimit/3)
	for {
		n, err := stdin.Read(buf)
		if n > 0 {
			if werr := wsjson.Write(ctx, conn, attachRequest{Stdin: buf[:n]}); werr != nil {
				p.c.Logger.Debugf("error sending stdin chunk: %s", werr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				p.c.Logger.Debugf("stdin read error: %s", err)
			}
			break
		}
	}
	if err := wsjson.Write(ctx, conn, attachRequest{StdinDone: true}); err != nil {
		p.c.Logger.Debugf("error sending stdin done: %s", err)
	}
}

