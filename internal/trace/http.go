package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/fsagent/internal/httpkit"
)

// DefaultRetryDelay spaces connect retries of the HTTP sink.
const DefaultRetryDelay = time.Second

// HTTPSink posts each finished trace to a remote trace service at
// <url>/projects/<owner>/<project-name>/calls.
type HTTPSink struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type callBatch struct {
	Project string `json:"project"`
	Calls   []Call `json:"calls"`
}

// NewHTTPSink returns a sink for the service at baseURL. A nil client
// uses the httpkit defaults.
func NewHTTPSink(baseURL, project, apiKey string, client *http.Client) (*HTTPSink, error) {
	owner, name, err := SplitProject(project)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("trace url %q: expected an absolute http(s) URL", baseURL)
	}
	if client == nil {
		client = httpkit.NewClient()
	}
	return &HTTPSink{
		endpoint: strings.TrimRight(baseURL, "/") +
			"/projects/" + url.PathEscape(owner) + "/" + url.PathEscape(name) + "/calls",
		apiKey: apiKey,
		client: client,
	}, nil
}

// Name implements Sink.
func (h *HTTPSink) Name() string { return "http" }

// Endpoint returns the URL batches are posted to.
func (h *HTTPSink) Endpoint() string { return h.endpoint }

// Export implements Sink.
func (h *HTTPSink) Export(ctx context.Context, calls []Call) error {
	if len(calls) == 0 {
		return nil
	}
	body, err := json.Marshal(callBatch{Project: calls[0].Project, Calls: calls})
	if err != nil {
		return fmt.Errorf("marshal calls: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post calls: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("trace service error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

// Close implements Sink.
func (h *HTTPSink) Close(context.Context) error {
	h.client.CloseIdleConnections()
	return nil
}
