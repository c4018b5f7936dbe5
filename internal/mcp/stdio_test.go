package mcp

import (
	"context"
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestStdioTransport_AcquireRespectsContext(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})
	tr.sem <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := tr.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("acquire() = %v, want context.DeadlineExceeded", err)
	}
}

func TestStdioTransport_AcquireCancelledWithFreeSlot(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tr.acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("acquire() = %v, want context.Canceled", err)
	}
	select {
	case <-tr.sem:
		t.Fatal("slot left held after cancelled acquire")
	default:
	}
}

func TestStdioTransport_SendWhileBusy(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})
	tr.sem <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := tr.Send(ctx, NewRequest(1, "ping", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() = %v, want context.DeadlineExceeded", err)
	}
	if err := tr.Notify(ctx, NewNotification("notifications/test", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Notify() = %v, want context.DeadlineExceeded", err)
	}
}

func TestStdioTransport_CloseUnstarted(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})
	if err := tr.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if err := tr.Start(); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Start() after Close = %v, want ErrTransportClosed", err)
	}
}

func TestStdioTransport_StartMissingCommand(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "definitely-not-a-real-runner-xyz"})
	if err := tr.Start(); err == nil {
		t.Fatal("Start() with missing command should fail")
	}
	if tr.Process() != nil {
		t.Error("Process() should be nil after failed start")
	}
}

func newHelperTransport(t *testing.T, mode string, dirs ...string) *StdioTransport {
	t.Helper()
	p := helperParams(mode, dirs...)
	tr := NewStdioTransport(StdioConfig{Command: p.Command, Args: p.Args, Env: p.Env})
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestStdioTransport_RoundTripSkipsNoise(t *testing.T) {
	tr := newHelperTransport(t, "serve", t.TempDir())
	ctx := context.Background()

	resp, err := tr.Send(ctx, NewRequest(1, "initialize", map[string]any{}))
	if err != nil {
		t.Fatalf("Send(initialize): %v", err)
	}
	if resp.ID != 1 || resp.Error != nil {
		t.Errorf("initialize response = %+v", resp)
	}

	// The fake emits a notification ahead of the tools/list answer.
	resp, err = tr.Send(ctx, NewRequest(2, "tools/list", nil))
	if err != nil {
		t.Fatalf("Send(tools/list): %v", err)
	}
	if resp.ID != 2 || !strings.Contains(string(resp.Result), "read_text_file") {
		t.Errorf("tools/list response = %s", resp.Result)
	}

	resp, err = tr.Send(ctx, NewRequest(3, "no/such/method", nil))
	if err != nil {
		t.Fatalf("Send(no/such/method): %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("error response = %+v", resp.Error)
	}

	// stderr is drained on its own goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for len(tr.Stderr()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if lines := tr.Stderr(); len(lines) == 0 || !strings.Contains(lines[0], "running on stdio") {
		t.Errorf("Stderr() = %q", lines)
	}
}

func TestStdioTransport_OversizedStderrLine(t *testing.T) {
	tr := newHelperTransport(t, "chatty", t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := tr.Send(ctx, NewRequest(1, "initialize", map[string]any{}))
	if err != nil {
		t.Fatalf("Send(initialize): %v", err)
	}
	if resp.ID != 1 || resp.Error != nil {
		t.Errorf("initialize response = %+v", resp)
	}
}

func TestStdioTransport_CloseReapsProcess(t *testing.T) {
	tr := newHelperTransport(t, "serve", t.TempDir())
	proc := tr.Process()
	if proc == nil {
		t.Fatal("Process() = nil after Start")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !tr.Exited() {
		t.Error("Exited() = false after Close")
	}
	if err := proc.Signal(syscall.Signal(0)); err == nil {
		t.Error("process still signalable after Close")
	}
	if _, err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Send after Close = %v, want ErrTransportClosed", err)
	}
}

func TestStdioTransport_SubprocessExit(t *testing.T) {
	tr := newHelperTransport(t, "crash")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := tr.Send(ctx, NewRequest(1, "initialize", nil))
	if err == nil {
		t.Fatal("Send to exited subprocess should fail")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send waited for the deadline instead of noticing exit: %v", err)
	}
}

func TestStdioTransport_SendHonorsDeadline(t *testing.T) {
	tr := newHelperTransport(t, "hang")

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if _, err := tr.Send(ctx, NewRequest(1, "initialize", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() = %v, want context.DeadlineExceeded", err)
	}
}
