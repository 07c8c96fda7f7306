package mirror

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxLineBytes = 16 << 20

// SubprocessTransport runs one long-lived tool process per session and speaks
// newline-delimited JSON over its stdin and stdout.
type SubprocessTransport struct {
	command string
	args    []string
	env     []string
	logger  *zap.Logger
	pool    *sessionPool
}

// NewSubprocessTransport creates a transport that starts command with args on first use of a session
func NewSubprocessTransport(command string, args []string, logger *zap.Logger) *SubprocessTransport {
	t := &SubprocessTransport{
		command: command,
		args:    append([]string(nil), args...),
		logger:  logger,
	}
	t.pool = newSessionPool(t.spawn)
	return t
}

// WithEnv adds variables to the tool's environment
func (t *SubprocessTransport) WithEnv(kv ...string) *SubprocessTransport {
	t.env = append(t.env, kv...)
	return t
}

func (t *SubprocessTransport) Name() string { return "subprocess" }

// RoundTrip writes one envelope and reads one reply line
func (t *SubprocessTransport) RoundTrip(ctx context.Context, sessionID string, body []byte) (*Response, error) {
	return t.pool.roundTrip(ctx, sessionID, body)
}

// Sweep stops processes of sessions idle longer than idle
func (t *SubprocessTransport) Sweep(idle time.Duration) int { return t.pool.sweep(idle) }

// Sessions returns the number of live sessions
func (t *SubprocessTransport) Sessions() int { return t.pool.size() }

// Close stops every process
func (t *SubprocessTransport) Close() error { return t.pool.closeAll() }

func (t *SubprocessTransport) spawn(_ context.Context, sessionID string) (sessionConn, error) {
	// not tied to the request context: the process outlives the request that started it
	cmd := exec.Command(t.command, t.args...)
	cmd.Env = append(os.Environ(), t.env...)
	cmd.Env = append(cmd.Env, "MIRROR_SESSION_ID="+sessionID)
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", t.command, err)
	}

	t.logger.Info("started mirror process",
		zap.String("session_id", sessionID),
		zap.Int("pid", cmd.Process.Pid))

	return &processConn{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 64<<10),
	}, nil
}

type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	closeOnce sync.Once
}

type exchangeResult struct {
	rep *reply
	err error
}

func (c *processConn) exchange(ctx context.Context, env envelope) (*reply, error) {
	line, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	line = append(line, '\n')

	done := make(chan exchangeResult, 1)
	go func() {
		if _, err := c.stdin.Write(line); err != nil {
			done <- exchangeResult{err: unreachable("write", err)}
			return
		}
		data, err := readLine(c.stdout)
		if err != nil {
			done <- exchangeResult{err: unreachable("read", err)}
			return
		}
		var rep reply
		if err := json.Unmarshal(data, &rep); err != nil {
			done <- exchangeResult{err: fmt.Errorf("decode mirror reply: %w", err)}
			return
		}
		done <- exchangeResult{rep: &rep}
	}()

	select {
	case r := <-done:
		return r.rep, r.err
	case <-ctx.Done():
		_ = c.close()
		return nil, ctx.Err()
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("reply exceeds %d bytes", maxLineBytes)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (c *processConn) close() error {
	c.closeOnce.Do(func() {
		_ = c.stdin.Close()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		go func() { _ = c.cmd.Wait() }()
	})
	return nil
}
