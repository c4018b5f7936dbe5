// Package trace records traced operations as calls grouped into traces.
//
// A Tracer is created once with Init and handed to every operation that
// should be recorded. Nothing is global: code that has no Tracer simply
// passes nil, and a nil or disabled Tracer still runs the wrapped
// function. Calls nested through the context become children of the
// enclosing call, and a whole trace is exported to the configured sinks
// when its root call ends.
package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/fsagent/internal/config"
)

// DefaultExportTimeout bounds one export to all sinks.
const DefaultExportTimeout = 10 * time.Second

// Call is one recorded operation.
type Call struct {
	ID         string         `json:"id"`
	TraceID    string         `json:"trace_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Project    string         `json:"project"`
	Op         string         `json:"op_name"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"exception,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
}

// Duration is the wall time of the call.
func (c Call) Duration() time.Duration {
	return c.EndedAt.Sub(c.StartedAt)
}

// IsRoot reports whether the call started its trace.
func (c Call) IsRoot() bool {
	return c.ParentID == ""
}

// Config selects the project and sinks for Init.
type Config struct {
	// Project is "<owner>/<project-name>".
	Project string
	Enabled bool
	Sinks   []config.SinkConfig

	// BaseDir anchors relative SQLite paths.
	BaseDir string

	// HTTPClient is used by HTTP sinks. Nil builds one with httpkit.
	HTTPClient *http.Client

	ExportTimeout time.Duration
}

// Tracer records calls and exports finished traces.
type Tracer struct {
	project       string
	sinks         []Sink
	exportTimeout time.Duration
	logger        *slog.Logger
	disabled      bool

	mu      sync.Mutex
	pending map[string][]Call
	closed  bool
}

// Init validates cfg, opens every configured sink, and returns the
// handle traced operations receive. When tracing is disabled the
// returned Tracer records nothing.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (*Tracer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Debug("tracing disabled")
		t := New(cfg.Project, logger)
		t.disabled = true
		return t, nil
	}
	if _, _, err := SplitProject(cfg.Project); err != nil {
		return nil, err
	}

	var sinks []Sink
	for i, sc := range cfg.Sinks {
		s, err := openSink(ctx, sc, cfg, logger)
		if err != nil {
			for _, open := range sinks {
				_ = open.Close(ctx)
			}
			return nil, fmt.Errorf("trace sink %d (%s): %w", i, sc.Kind, err)
		}
		sinks = append(sinks, s)
	}

	t := New(cfg.Project, logger, sinks...)
	if cfg.ExportTimeout > 0 {
		t.exportTimeout = cfg.ExportTimeout
	}
	logger.Info("tracing initialized", "project", cfg.Project, "sinks", len(sinks))
	return t, nil
}

// New returns a Tracer exporting to sinks. Init is the usual entry
// point; New is for callers that build their own sinks.
func New(project string, logger *slog.Logger, sinks ...Sink) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		project:       project,
		sinks:         sinks,
		exportTimeout: DefaultExportTimeout,
		logger:        logger.With("trace_project", project),
		pending:       make(map[string][]Call),
	}
}

// SplitProject splits "<owner>/<project-name>".
func SplitProject(project string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(project, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("trace project %q: expected \"<owner>/<project-name>\"", project)
	}
	return owner, name, nil
}

// Project returns the project calls are recorded under, or "" for a
// nil Tracer.
func (t *Tracer) Project() string {
	if t == nil {
		return ""
	}
	return t.project
}

// Enabled reports whether calls are recorded.
func (t *Tracer) Enabled() bool {
	return t != nil && !t.disabled
}

// Op runs fn as a traced call named name. A call already in ctx becomes
// the parent. The call records fn's output and error, and a panic in fn
// is recorded before it continues unwinding.
func (t *Tracer) Op(ctx context.Context, name string, inputs map[string]any, fn func(context.Context, *Span) (any, error)) (out any, err error) {
	if !t.Enabled() {
		return fn(ctx, nil)
	}

	parent := SpanFromContext(ctx)
	span := &Span{call: Call{
		ID:        newID(),
		Project:   t.project,
		Op:        name,
		Inputs:    inputs,
		StartedAt: time.Now(),
	}}
	if parent != nil {
		span.call.TraceID = parent.TraceID()
		span.call.ParentID = parent.ID()
	} else {
		span.call.TraceID = span.call.ID
	}

	defer func() {
		r := recover()
		call := span.finish(out, err, r)
		t.record(ctx, call)
		if r != nil {
			panic(r)
		}
	}()

	return fn(context.WithValue(ctx, spanKey{}, span), span)
}

// record buffers call and exports its trace once the root call ends.
func (t *Tracer) record(ctx context.Context, call Call) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.logger.Warn("call recorded after close", "op", call.Op, "id", call.ID)
		return
	}
	t.pending[call.TraceID] = append(t.pending[call.TraceID], call)
	if !call.IsRoot() {
		t.mu.Unlock()
		return
	}
	batch := t.pending[call.TraceID]
	delete(t.pending, call.TraceID)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.exportTimeout)
	defer cancel()
	t.export(ctx, batch)
}

// export sends batch to every sink. Sink failures are logged; a broken
// trace backend never fails the traced operation.
func (t *Tracer) export(ctx context.Context, batch []Call) {
	if len(batch) == 0 {
		return
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].StartedAt.Before(batch[j].StartedAt)
	})
	for _, s := range t.sinks {
		if err := s.Export(ctx, batch); err != nil {
			t.logger.Warn("trace export failed",
				"sink", s.Name(),
				"trace_id", batch[0].TraceID,
				"calls", len(batch),
				"error", err,
			)
			continue
		}
		t.logger.Debug("trace exported",
			"sink", s.Name(),
			"trace_id", batch[0].TraceID,
			"calls", len(batch),
		)
	}
}

// Close exports calls whose root never ended and closes every sink.
// It is safe to call more than once.
func (t *Tracer) Close(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t.export(ctx, pending[id])
	}

	var errs []error
	for _, s := range t.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s sink: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Span is the live handle of a call in progress. A nil Span accepts
// every method, so untraced code needs no checks.
type Span struct {
	mu   sync.Mutex
	call Call
}

type spanKey struct{}

// SpanFromContext returns the call in progress in ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

// ID returns the call ID.
func (s *Span) ID() string {
	if s == nil {
		return ""
	}
	return s.call.ID
}

// TraceID returns the ID of the trace the call belongs to.
func (s *Span) TraceID() string {
	if s == nil {
		return ""
	}
	return s.call.TraceID
}

// Log attaches an attribute to the call. Later values replace earlier
// ones with the same key.
func (s *Span) Log(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call.Attributes == nil {
		s.call.Attributes = make(map[string]any)
	}
	s.call.Attributes[key] = value
}

func (s *Span) finish(out any, err error, panicked any) Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.call.EndedAt = time.Now()
	s.call.Output = out
	switch {
	case panicked != nil:
		s.call.Error = fmt.Sprintf("panic: %v", panicked)
	case err != nil:
		s.call.Error = err.Error()
	}
	c := s.call
	if c.Attributes != nil {
		attrs := make(map[string]any, len(c.Attributes))
		for k, v := range c.Attributes {
			attrs[k] = v
		}
		c.Attributes = attrs
	}
	return c
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
