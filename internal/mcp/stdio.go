package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// levelTrace mirrors config.LevelTrace for wire-level logging without
// importing config.
const levelTrace = slog.Level(-8)

// stopGrace is how long a subprocess gets to exit after its stdin is
// closed before it is killed.
const stopGrace = 5 * time.Second

// stderrTail is the number of trailing stderr lines kept for error
// reports.
const stderrTail = 20

// ErrTransportClosed is returned by Send and Notify once the subprocess
// has been stopped or its stdout has closed.
var ErrTransportClosed = errors.New("mcp transport closed")

// StdioConfig describes the subprocess behind a StdioTransport.
type StdioConfig struct {
	Command string
	Args    []string

	// Env entries ("KEY=VALUE") are appended to the parent environment.
	Env []string

	// Dir is the working directory. Empty means the parent's.
	Dir string

	Logger *slog.Logger
}

// StdioTransport talks newline-delimited JSON-RPC to a subprocess over
// its stdin and stdout. Requests are serialized; stderr is drained to
// the debug log.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// sem serializes request/response exchanges. A channel rather than
	// a mutex so waiting callers can give up when their ctx ends.
	sem chan struct{}

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   chan []byte
	done    chan struct{}
	readErr error
	stderr  []string
	quit    chan struct{}
	pipes   []io.Closer
	waited  chan error
	exited  bool
	closed  bool
}

// NewStdioTransport returns a transport for cfg. The subprocess starts
// on Start or on the first Send or Notify.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

// Start launches the subprocess if it is not already running.
func (t *StdioTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startLocked()
}

func (t *StdioTransport) startLocked() error {
	if t.closed {
		return ErrTransportClosed
	}
	if t.cmd != nil {
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.lines = make(chan []byte, 16)
	t.done = make(chan struct{})
	t.quit = make(chan struct{})
	t.waited = make(chan error, 1)
	t.pipes = []io.Closer{stdout, stderr}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		t.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		t.drainStderr(stderr)
	}()
	// Wait closes the pipes, so it must not run until both readers
	// have seen EOF.
	go func() {
		readers.Wait()
		err := cmd.Wait()
		t.mu.Lock()
		t.exited = true
		t.mu.Unlock()
		t.waited <- err
	}()

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readStdout forwards each stdout line to t.lines until EOF. Lines
// are discarded once Close has been called.
func (t *StdioTransport) readStdout(r io.Reader) {
	defer close(t.done)
	reader := bufio.NewReaderSize(r, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			select {
			case t.lines <- line:
			case <-t.quit:
			}
		}
		if err != nil {
			t.mu.Lock()
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				t.readErr = ErrTransportClosed
			} else {
				t.readErr = fmt.Errorf("read subprocess stdout: %w", err)
			}
			t.mu.Unlock()
			return
		}
	}
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.logger.Debug("MCP subprocess stderr", "line", line)

		t.mu.Lock()
		t.stderr = append(t.stderr, line)
		if len(t.stderr) > stderrTail {
			t.stderr = t.stderr[len(t.stderr)-stderrTail:]
		}
		t.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("MCP subprocess stderr unreadable, discarding the rest", "error", err)
	}
	// Keep the pipe empty so the subprocess never blocks on stderr.
	_, _ = io.Copy(io.Discard, r)
}

// Stderr returns the last lines the subprocess wrote to stderr.
func (t *StdioTransport) Stderr() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.stderr...)
}

// Process returns the running subprocess, or nil before Start.
func (t *StdioTransport) Process() *os.Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil {
		return nil
	}
	return t.cmd.Process
}

// acquire takes the exchange slot, giving up when ctx ends. A ctx that
// is already done loses even if the slot was free.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() { <-t.sem }

// write starts the subprocess if needed and writes one message line.
func (t *StdioTransport) write(msg any) (lines chan []byte, done chan struct{}, err error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal message: %w", err)
	}

	var stdin io.Writer
	t.mu.Lock()
	if err := t.startLocked(); err != nil {
		t.mu.Unlock()
		return nil, nil, err
	}
	stdin, lines, done = t.stdin, t.lines, t.done
	t.mu.Unlock()

	t.logger.Log(context.Background(), levelTrace, "MCP send", "line", string(data))
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return nil, nil, fmt.Errorf("write subprocess stdin: %w", err)
	}
	return lines, done, nil
}

// Send writes req and reads stdout until the response carrying req.ID
// arrives. Server-initiated requests, notifications, stale responses,
// and non-JSON lines are skipped. If ctx ends first the subprocess is
// left running and a late response is discarded by a later Send.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	lines, done, err := t.write(req)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line := <-lines:
			var resp Response
			if err := json.Unmarshal(line, &resp); err != nil {
				t.logger.Debug("skipping non-JSON line from MCP subprocess", "line", string(line))
				continue
			}
			if !resp.IsResponse() || resp.ID != req.ID {
				t.logger.Debug("skipping unmatched MCP message", "id", resp.ID, "method", resp.Method)
				continue
			}
			t.logger.Log(ctx, levelTrace, "MCP recv", "line", string(line))
			return &resp, nil
		case <-done:
			// Lines buffered before EOF are still delivered above.
			if len(lines) > 0 {
				continue
			}
			t.mu.Lock()
			err := t.readErr
			t.mu.Unlock()
			return nil, err
		}
	}
}

// Notify writes notif. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	_, _, err := t.write(notif)
	return err
}

// Close closes the subprocess's stdin, waits briefly for it to exit,
// and kills it otherwise. It returns once the process has been reaped.
// A grandchild still holding stdout or stderr open (package runners
// start the real server that way) gets one more grace period before
// the pipes are closed from this side.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cmd, stdin, waited, pipes := t.cmd, t.stdin, t.waited, t.pipes
	if t.quit != nil {
		close(t.quit)
	}
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}

	pid := cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)
	_ = stdin.Close()

	select {
	case err := <-waited:
		return exitError(err)
	case <-time.After(stopGrace):
	}

	t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", pid)
	_ = cmd.Process.Kill()
	select {
	case <-waited:
		return nil
	case <-time.After(stopGrace):
	}

	t.logger.Warn("MCP subprocess output still open after kill, closing pipes", "pid", pid)
	for _, p := range pipes {
		_ = p.Close()
	}
	<-waited
	return nil
}

// Exited reports whether the subprocess has been started and reaped.
func (t *StdioTransport) Exited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exited
}

// exitError drops the exit status of a server stopped by closing its
// stdin. Package runners often exit nonzero on that path.
func exitError(err error) error {
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return nil
	}
	return err
}
