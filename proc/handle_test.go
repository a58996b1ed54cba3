//go:build unix

package proc

import (
	"errors"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeAll() (Stdio, Stdio, Stdio) {
	p := Stdio{Mode: ModePipe}
	return p, p, p
}

func spawnShell(t *testing.T, script string, stdin, stdout, stderr Stdio) *Handle {
	t.Helper()
	h, pid, err := Spawn(SpawnRequest{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	require.NoError(t, err)
	require.Greater(t, pid, 0)
	t.Cleanup(func() {
		_ = h.Signal(syscall.SIGKILL)
		_, _ = h.Wait()
		h.Release()
	})
	return h
}

// drainStdout reads stdout to EOF, polling across would-block conditions.
func drainStdout(t *testing.T, h *Handle) []byte {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var out []byte
	for {
		b, err := h.ReadStdout()
		switch {
		case err == nil:
			out = append(out, b...)
		case errors.Is(err, io.EOF):
			return out
		case errors.Is(err, ErrWouldBlock):
			require.False(t, time.Now().After(deadline), "timed out draining stdout, got %q so far", out)
			time.Sleep(time.Millisecond)
		default:
			t.Fatalf("reading stdout: %s", err)
		}
	}
}

func TestWaitReturnsExitCode(t *testing.T) {
	h := spawnShell(t, "exit 7", Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull})

	code, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 7, code)

	// The second wait must come from the cache, not the OS.
	code, err = h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestConcurrentWaitersSeeSameCode(t *testing.T) {
	h := spawnShell(t, "sleep 0.1; exit 5", Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull})

	const waiters = 8
	codes := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := h.Wait()
			require.NoError(t, err)
			codes <- code
		}()
	}
	wg.Wait()
	close(codes)

	n := 0
	for code := range codes {
		assert.Equal(t, 5, code)
		n++
	}
	assert.Equal(t, waiters, n)
}

func TestSignalTerminationExitCode(t *testing.T) {
	h := spawnShell(t, "sleep 30", Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull})

	require.NoError(t, h.Signal(syscall.SIGTERM))

	code, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGTERM), code)

	// Once a terminal state is observed, signals are refused without a
	// syscall.
	err = h.Signal(syscall.SIGTERM)
	assert.ErrorIs(t, err, ErrAlreadyExited)
}

func TestSignalKillExitCode(t *testing.T) {
	h := spawnShell(t, "sleep 30", Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull})

	require.NoError(t, h.Signal(syscall.SIGKILL))

	code, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 137, code)
}

func TestAliveTransition(t *testing.T) {
	h := spawnShell(t, "sleep 30", Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull})

	assert.True(t, h.Alive())

	require.NoError(t, h.Signal(syscall.SIGKILL))

	deadline := time.Now().Add(10 * time.Second)
	for h.Alive() {
		require.False(t, time.Now().After(deadline), "process did not die")
		time.Sleep(time.Millisecond)
	}

	// The reap that flipped Alive to false populated the cache.
	code, exited, err := h.TryWait()
	require.NoError(t, err)
	assert.True(t, exited)
	assert.Equal(t, 137, code)

	// Signal after the probe observed the terminal state.
	assert.ErrorIs(t, h.Signal(syscall.SIGTERM), ErrAlreadyExited)
}

func TestTryWaitWhileRunning(t *testing.T) {
	h := spawnShell(t, "sleep 30", Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull})

	_, exited, err := h.TryWait()
	require.NoError(t, err)
	assert.False(t, exited)
}

func TestEchoReversedUppercase(t *testing.T) {
	// Reverse the line and uppercase it, in portable sh.
	script := `read -r line
out=
while [ -n "$line" ]; do
  rest=${line%?}
  out=$out${line#"$rest"}
  line=$rest
done
printf '%s\n' "$out" | tr a-z A-Z`

	stdin, stdout, stderr := pipeAll()
	h := spawnShell(t, script, stdin, stdout, stderr)

	msg := []byte("hello\n")
	for len(msg) > 0 {
		n, err := h.WriteStdin(msg)
		if errors.Is(err, ErrWouldBlock) {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		msg = msg[n:]
	}
	require.NoError(t, h.CloseStdin())

	assert.Equal(t, "OLLEH\n", string(drainStdout(t, h)))

	// EOF is terminal.
	_, err := h.ReadStdout()
	assert.ErrorIs(t, err, io.EOF)

	code, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestPartialWriteRoundTrip(t *testing.T) {
	stdin, stdout, _ := pipeAll()
	h := spawnShell(t, "cat", stdin, stdout, Stdio{Mode: ModeNull})

	payload := make([]byte, 256<<10)
	for i := range payload {
		payload[i] = byte(i)
	}

	// Interleave writes and reads: the child stalls once its output pipe
	// fills, so the writer must drain stdout to make progress. Partial
	// writes and would-blocks are both expected along the way.
	var got []byte
	rest := payload
	deadline := time.Now().Add(30 * time.Second)
	for len(rest) > 0 {
		require.False(t, time.Now().After(deadline), "timed out writing payload")
		n, err := h.WriteStdin(rest)
		if err == nil {
			rest = rest[n:]
			continue
		}
		require.ErrorIs(t, err, ErrWouldBlock)
		b, rerr := h.ReadStdout()
		if rerr == nil {
			got = append(got, b...)
			continue
		}
		require.ErrorIs(t, rerr, ErrWouldBlock)
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, h.CloseStdin())
	got = append(got, drainStdout(t, h)...)

	require.Equal(t, payload, got)

	code, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestReadWouldBlock(t *testing.T) {
	_, stdout, _ := pipeAll()
	h := spawnShell(t, "sleep 30", Stdio{Mode: ModeNull}, stdout, Stdio{Mode: ModeNull})

	_, err := h.ReadStdout()
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestEOFIsTerminal(t *testing.T) {
	_, stdout, _ := pipeAll()
	h := spawnShell(t, "printf hi", Stdio{Mode: ModeNull}, stdout, Stdio{Mode: ModeNull})

	assert.Equal(t, "hi", string(drainStdout(t, h)))

	for i := 0; i < 3; i++ {
		_, err := h.ReadStdout()
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestStderrRead(t *testing.T) {
	_, _, stderr := pipeAll()
	h := spawnShell(t, "printf oops >&2", Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull}, stderr)

	deadline := time.Now().Add(10 * time.Second)
	var out []byte
	for {
		b, err := h.ReadStderr()
		if err == nil {
			out = append(out, b...)
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		require.ErrorIs(t, err, ErrWouldBlock)
		require.False(t, time.Now().After(deadline))
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, "oops", string(out))
}

func TestCloseIdempotence(t *testing.T) {
	_, stdout, _ := pipeAll()
	h := spawnShell(t, "sleep 30", Stdio{Mode: ModeNull}, stdout, Stdio{Mode: ModeNull})

	require.NoError(t, h.CloseStdout())
	assert.ErrorIs(t, h.CloseStdout(), ErrNotPiped)

	_, err := h.ReadStdout()
	assert.ErrorIs(t, err, ErrNotPiped)

	// Streams that were never piped close the same way.
	assert.ErrorIs(t, h.CloseStdin(), ErrNotPiped)
	assert.ErrorIs(t, h.CloseStderr(), ErrNotPiped)
}

func TestWriteNotPiped(t *testing.T) {
	h := spawnShell(t, "sleep 30", Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull})

	_, err := h.WriteStdin([]byte("x"))
	assert.ErrorIs(t, err, ErrNotPiped)
}

func TestWriteBrokenPipe(t *testing.T) {
	stdin, _, _ := pipeAll()
	h := spawnShell(t, "exit 0", stdin, Stdio{Mode: ModeNull}, Stdio{Mode: ModeNull})

	code, err := h.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)

	// The child is gone, so its read end is closed.
	_, err = h.WriteStdin([]byte("x"))
	assert.ErrorIs(t, err, ErrBrokenPipe)
}

func TestReleaseClosesPipesOnly(t *testing.T) {
	stdin, stdout, stderr := pipeAll()
	h := spawnShell(t, "sleep 0.2", stdin, stdout, stderr)

	h.Release()
	assert.ErrorIs(t, h.CloseStdin(), ErrNotPiped)
	assert.ErrorIs(t, h.CloseStdout(), ErrNotPiped)
	assert.ErrorIs(t, h.CloseStderr(), ErrNotPiped)

	// The process was not disturbed: it runs to completion normally.
	code, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}
