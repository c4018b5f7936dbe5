package llm

import (
	"context"
	"errors"
	"testing"
)

type namedClient struct {
	name    string
	calls   int
	pings   int
	pingErr error
}

func (n *namedClient) Chat(context.Context, string, []Message, []map[string]any) (*ChatResponse, error) {
	n.calls++
	return &ChatResponse{Model: n.name}, nil
}

func (n *namedClient) Ping(context.Context) error {
	n.pings++
	return n.pingErr
}

func TestMultiClient_Routes(t *testing.T) {
	local := &namedClient{name: "ollama"}
	cloud := &namedClient{name: "anthropic"}

	m := NewMultiClient(local)
	m.AddProvider("anthropic", cloud)
	m.AddModel("claude-sonnet-4-20250514", "anthropic")
	m.AddModel("orphan", "missing-provider")

	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-20250514", "anthropic"},
		{"qwen3:4b", "ollama"},
		{"orphan", "ollama"},
	}
	for _, tt := range tests {
		resp, err := m.Chat(context.Background(), tt.model, nil, nil)
		if err != nil {
			t.Fatalf("Chat(%s): %v", tt.model, err)
		}
		if resp.Model != tt.want {
			t.Errorf("Chat(%s) routed to %s, want %s", tt.model, resp.Model, tt.want)
		}
	}
}

func TestMultiClient_NoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "x", nil, nil); err == nil {
		t.Error("Chat without any provider should fail")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("Ping without fallback should fail")
	}
}

func TestMultiClient_PingModel(t *testing.T) {
	down := errors.New("401 invalid x-api-key")
	local := &namedClient{name: "ollama"}
	cloud := &namedClient{name: "anthropic", pingErr: down}

	m := NewMultiClient(local)
	m.AddProvider("anthropic", cloud)
	m.AddModel("claude-sonnet-4-20250514", "anthropic")

	if err := m.PingModel(context.Background(), "qwen3:4b"); err != nil {
		t.Errorf("PingModel(qwen3:4b): %v", err)
	}
	if err := m.PingModel(context.Background(), "claude-sonnet-4-20250514"); !errors.Is(err, down) {
		t.Errorf("PingModel(claude) = %v, want %v", err, down)
	}
	if local.pings != 1 || cloud.pings != 1 {
		t.Errorf("pings: ollama=%d anthropic=%d, want 1 each", local.pings, cloud.pings)
	}

	if err := NewMultiClient(nil).PingModel(context.Background(), "x"); err == nil {
		t.Error("PingModel without any provider should fail")
	}
}
