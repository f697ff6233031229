package kanshi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kanshi server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// It does not apply to Stream, which is long-lived.
	Timeout time.Duration
}

// Client is an HTTP client for the Kanshi quality-monitoring API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client

	// streamClient has no global timeout so SSE connections can stay open.
	streamClient *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kanshi: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:      baseURL,
		client:       httpClient,
		streamClient: &http.Client{Transport: httpClient.Transport},
	}, nil
}

// Ingest submits one captured interaction for evaluation. The server assigns
// an ID and timestamp when they are zero. A "shed" status means the server
// was under load and performed critical-only evaluation; the submission still
// succeeded.
func (c *Client) Ingest(ctx context.Context, in Interaction) (*IngestResult, error) {
	var resp IngestResult
	if err := c.post(ctx, "/v1/interactions", in, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BreakerState returns the breaker position and traffic recommendation for an
// application. Applications the server has never seen report closed/allow.
func (c *Client) BreakerState(ctx context.Context, appID string) (*BreakerState, error) {
	var resp BreakerState
	if err := c.get(ctx, "/v1/apps/"+url.PathEscape(appID)+"/breaker", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecentVerdicts returns the most recent verdicts for an application.
// A limit of 0 or less uses the server default.
func (c *Client) RecentVerdicts(ctx context.Context, appID string, limit int) ([]Verdict, error) {
	var resp []Verdict
	if err := c.get(ctx, recentPath(appID, "verdicts", limit), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RecentDrift returns the most recent drift scores for an application.
func (c *Client) RecentDrift(ctx context.Context, appID string, limit int) ([]DriftScore, error) {
	var resp []DriftScore
	if err := c.get(ctx, recentPath(appID, "drift", limit), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RecentTransitions returns the most recent breaker transitions for an
// application.
func (c *Client) RecentTransitions(ctx context.Context, appID string, limit int) ([]Transition, error) {
	var resp []Transition
	if err := c.get(ctx, recentPath(appID, "transitions", limit), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RefreshRules forces an immediate rule cache refresh on the server.
// Returns the number of applications with active rules after the refresh.
func (c *Client) RefreshRules(ctx context.Context) (int, error) {
	var resp struct {
		Apps int `json:"apps"`
	}
	if err := c.post(ctx, "/v1/rules/refresh", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Apps, nil
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stream subscribes to the server's live event stream and invokes handler for
// each breaker transition and drift alert until ctx is canceled or the
// connection drops. Keepalive comments are filtered out. Returns nil when ctx
// is canceled.
func (c *Client) Stream(ctx context.Context, handler func(Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/stream", nil)
	if err != nil {
		return fmt.Errorf("kanshi: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("kanshi: GET /v1/stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return parseErrorResponse(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event.Type != "" || len(event.Data) > 0 {
				handler(event)
			}
			event = Event{}
		case strings.HasPrefix(line, ":"):
			// Comment line, used by the server as a keepalive.
		case strings.HasPrefix(line, "event:"):
			event.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			event.Data = append(event.Data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("kanshi: read event stream: %w", err)
	}
	return nil
}

func recentPath(appID, kind string, limit int) string {
	path := "/v1/apps/" + url.PathEscape(appID) + "/" + kind
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	return path
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kanshi: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("kanshi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kanshi: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kanshi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kanshi: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kanshi: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
