package agent

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/subproc/internal/netutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func startTestAgent(t *testing.T) *Client {
	t.Helper()

	certs, err := GenerateCerts()
	require.NoError(t, err)

	port, err := netutil.EphemeralTCPPort()
	require.NoError(t, err)

	a, err := New(
		certs.CA.CertPEM,
		certs.Server.CertPEM,
		certs.Server.KeyPEM,
		WithListenAddr(fmt.Sprintf("127.0.0.1:%d", port)),
	)
	require.NoError(t, err)

	go a.Run()
	t.Cleanup(func() { require.NoError(t, a.Stop()) })

	client, err := NewClient(log, certs, "127.0.0.1", port)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))

	return client
}

// drainRemoteStdout polls the stdout route until EOF.
func drainRemoteStdout(ctx context.Context, t *testing.T, p *RemoteProc) []byte {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var out []byte
	for {
		resp, err := p.ReadStdout(ctx)
		require.NoError(t, err)
		switch resp.Status {
		case StatusOK:
			out = append(out, resp.Data...)
		case StatusEOF:
			return out
		case StatusWouldBlock:
			require.False(t, time.Now().After(deadline), "timed out draining stdout")
			time.Sleep(time.Millisecond)
		default:
			t.Fatalf("unexpected read status %q", resp.Status)
		}
	}
}

func TestSpawnWaitExitCode(t *testing.T) {
	client := startTestAgent(t)
	ctx := context.Background()

	p, err := client.Spawn(ctx, SpawnRequest{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 3"},
	})
	require.NoError(t, err)
	require.Greater(t, p.PID, 0)

	deadline := time.Now().Add(10 * time.Second)
	for {
		alive, err := p.Alive(ctx)
		require.NoError(t, err)
		if !alive {
			break
		}
		require.False(t, time.Now().After(deadline), "process did not exit")
		time.Sleep(time.Millisecond)
	}

	resp, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, 3, resp.ExitCode)

	// Repeated waits come from the agent-side cache.
	resp, err = p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.ExitCode)
}

func TestStdinStdoutOverHTTP(t *testing.T) {
	client := startTestAgent(t)
	ctx := context.Background()

	p, err := client.Spawn(ctx, SpawnRequest{
		Command: "cat",
		Stdin:   StdioConfig{Mode: "pipe"},
		Stdout:  StdioConfig{Mode: "pipe"},
	})
	require.NoError(t, err)

	payload := []byte("hello over the wire")
	rest := payload
	for len(rest) > 0 {
		resp, err := p.WriteStdin(ctx, rest)
		require.NoError(t, err)
		switch resp.Status {
		case StatusOK, StatusPartial:
			rest = rest[resp.N:]
		case StatusWouldBlock:
			time.Sleep(time.Millisecond)
		default:
			t.Fatalf("unexpected write status %q", resp.Status)
		}
	}

	closeResp, err := p.CloseStdin(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, closeResp.Status)

	assert.Equal(t, payload, drainRemoteStdout(ctx, t, p))

	waitResp, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, waitResp.ExitCode)

	// Close is idempotent in effect.
	closeResp, err = p.CloseStdin(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusNotPiped, closeResp.Status)
}

func TestSignalOverHTTP(t *testing.T) {
	client := startTestAgent(t)
	ctx := context.Background()

	p, err := client.Spawn(ctx, SpawnRequest{
		Command: "sleep",
		Args:    []string{"30"},
	})
	require.NoError(t, err)

	sigResp, err := p.Signal(ctx, syscall.SIGTERM)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, sigResp.Status)

	waitResp, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGTERM), waitResp.ExitCode)

	sigResp, err = p.Signal(ctx, syscall.SIGTERM)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyExited, sigResp.Status)
}

func TestAttachStreamsIO(t *testing.T) {
	client := startTestAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := client.Spawn(ctx, SpawnRequest{
		Command: "/bin/sh",
		Args:    []string{"-c", "tr a-z A-Z"},
		Stdin:   StdioConfig{Mode: "pipe"},
		Stdout:  StdioConfig{Mode: "pipe"},
		Stderr:  StdioConfig{Mode: "pipe"},
	})
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	code, err := p.Attach(ctx, strings.NewReader("attached\n"), &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "ATTACHED\n", stdout.String())
	assert.Empty(t, stderr.String())
}

func TestSpawnRejectsBadConfig(t *testing.T) {
	client := startTestAgent(t)
	ctx := context.Background()

	_, err := client.Spawn(ctx, SpawnRequest{
		Command: "cat",
		Stdin:   StdioConfig{Mode: "file"}, // no path
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file mode requires a path")

	_, err = client.Spawn(ctx, SpawnRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no command")
}

func TestUnknownProcessID(t *testing.T) {
	client := startTestAgent(t)
	ctx := context.Background()

	p := &RemoteProc{ID: "bogus", c: client}
	_, err := p.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestWriteToUnpipedStdin(t *testing.T) {
	client := startTestAgent(t)
	ctx := context.Background()

	p, err := client.Spawn(ctx, SpawnRequest{
		Command: "sleep",
		Args:    []string{"30"},
	})
	require.NoError(t, err)
	defer p.Signal(ctx, syscall.SIGKILL)

	resp, err := p.WriteStdin(ctx, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, StatusNotPiped, resp.Status)

	readResp, err := p.ReadStdout(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusNotPiped, readResp.Status)
}

func TestReleaseRemovesHandle(t *testing.T) {
	client := startTestAgent(t)
	ctx := context.Background()

	p, err := client.Spawn(ctx, SpawnRequest{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 0"},
	})
	require.NoError(t, err)

	require.NoError(t, p.Release(ctx))

	_, err = p.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
