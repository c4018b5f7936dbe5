package trace

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/nugget/fsagent/internal/config"
	"github.com/nugget/fsagent/internal/httpkit"
)

// Sink receives finished traces.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string

	// Export stores one batch of calls. A batch is a whole trace in
	// start order, or the leftovers of an unfinished trace at Close.
	Export(ctx context.Context, calls []Call) error

	Close(ctx context.Context) error
}

// openSink builds the sink described by sc.
func openSink(ctx context.Context, sc config.SinkConfig, cfg Config, logger *slog.Logger) (Sink, error) {
	switch sc.Kind {
	case "sqlite":
		path := sc.Path
		if !filepath.IsAbs(path) && cfg.BaseDir != "" {
			path = filepath.Join(cfg.BaseDir, path)
		}
		return NewSQLiteSink(path, sc.Driver)

	case "http":
		client := cfg.HTTPClient
		if client == nil {
			client = httpkit.NewClient(
				httpkit.WithRetry(2, DefaultRetryDelay),
				httpkit.WithLogger(logger),
			)
		}
		return NewHTTPSink(sc.URL, cfg.Project, sc.APIKey, client)

	case "mqtt":
		return NewMQTTSink(ctx, MQTTOptions{
			Broker:      sc.Broker,
			Username:    sc.Username,
			Password:    sc.Password,
			TopicPrefix: sc.TopicPrefix,
			Project:     cfg.Project,
		}, logger)

	default:
		return nil, fmt.Errorf("unknown sink kind %q", sc.Kind)
	}
}

// MemorySink keeps exported calls in memory.
type MemorySink struct {
	mu      sync.Mutex
	calls   []Call
	batches int
	closed  bool
}

// Name implements Sink.
func (m *MemorySink) Name() string { return "memory" }

// Export implements Sink.
func (m *MemorySink) Export(_ context.Context, calls []Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, calls...)
	m.batches++
	return nil
}

// Close implements Sink.
func (m *MemorySink) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls returns a copy of every exported call.
func (m *MemorySink) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Batches returns how many exports happened.
func (m *MemorySink) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// Closed reports whether Close was called.
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Find returns the exported calls named op.
func (m *MemorySink) Find(op string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}
