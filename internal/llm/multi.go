package llm

import (
	"context"
	"fmt"
)

// MultiClient routes each request to a provider by model name.
type MultiClient struct {
	clients  map[string]Client // provider name -> client
	models   map[string]string // model name -> provider name
	fallback Client
}

// NewMultiClient returns a router that sends unknown models to
// fallback.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel routes model to the named provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.models[model] = provider
}

func (m *MultiClient) clientFor(model string) Client {
	if provider, ok := m.models[model]; ok {
		if c, ok := m.clients[provider]; ok {
			return c
		}
	}
	return m.fallback
}

// Chat forwards to the provider serving model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	c := m.clientFor(model)
	if c == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return c.Chat(ctx, model, messages, tools)
}

// Ping checks the fallback provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil {
		return fmt.Errorf("no fallback client configured")
	}
	return m.fallback.Ping(ctx)
}

// PingModel checks the provider that would serve model.
func (m *MultiClient) PingModel(ctx context.Context, model string) error {
	c := m.clientFor(model)
	if c == nil {
		return fmt.Errorf("no provider configured for model %q", model)
	}
	return c.Ping(ctx)
}
