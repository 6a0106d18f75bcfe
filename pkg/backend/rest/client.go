// Package rest implements backend.Backend over HTTP.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/resumechat/pkg/backend"
)

// DefaultBaseURL is the analysis API root.
const DefaultBaseURL = "http://localhost:8000/api/v1/agent-analysis"

// Client implements the backend.Backend interface for the analysis REST API.
type Client struct {
	baseURL        string
	token          func() string
	onUnauthorized func()
	httpClient     *http.Client
	streamClient   *http.Client
	limiter        *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithTokenSource makes the client read the bearer token on every request.
func WithTokenSource(fn func() string) Option {
	return func(c *Client) { c.token = fn }
}

// WithUnauthorizedHook registers fn to run when the server answers 401.
func WithUnauthorizedHook(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// WithHTTPClient replaces the client used for both REST calls and streams.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
		c.streamClient = hc
	}
}

// New creates a new client with the given configuration.
func New(config *backend.Config, opts ...Option) *Client {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 5
	}

	token := config.Token
	c := &Client{
		baseURL: baseURL,
		token:   func() string { return token },
		httpClient: &http.Client{
			Timeout: timeout,
		},
		// Streams are bounded by the caller's context, not a client timeout.
		streamClient: &http.Client{},
		limiter:      rate.NewLimiter(limit, burst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// listEnvelope accepts both {"items": [...]} and a bare array.
type listEnvelope[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func decodeList[T any](data []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var env listEnvelope[T]
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, err
	}
	if env.Items == nil {
		return []T{}, nil
	}
	return env.Items, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

func (c *Client) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

// do sends req on hc and returns the response if it is 2xx.
func (c *Client) do(hc *http.Client, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	statusErr := &backend.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return nil, fmt.Errorf("%w: %w", backend.ErrUnauthorized, statusErr)
	}
	return nil, statusErr
}

func (c *Client) doJSON(ctx context.Context, method, url string, body any) ([]byte, error) {
	req, err := c.newRequest(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return data, nil
}

// ListConversations returns the server's conversation summaries.
func (c *Client) ListConversations(ctx context.Context) ([]backend.Summary, error) {
	data, err := c.doJSON(ctx, http.MethodGet, c.endpoint("conversations"), nil)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	items, err := decodeList[backend.Summary](data)
	if err != nil {
		return nil, fmt.Errorf("parsing conversations: %w", err)
	}
	return items, nil
}

// CreateConversation creates a conversation on the server.
func (c *Client) CreateConversation(ctx context.Context, r backend.CreateRequest) (*backend.Summary, error) {
	data, err := c.doJSON(ctx, http.MethodPost, c.endpoint("conversations"), r)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	var summary backend.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("parsing conversation: %w", err)
	}
	if summary.ID == "" {
		return nil, fmt.Errorf("create conversation: response has no id")
	}
	return &summary, nil
}

// DeleteConversation deletes a conversation on the server.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	data, err := c.doJSON(ctx, http.MethodDelete, c.endpoint("conversations", id), nil)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var result backend.DeleteResult
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("parsing delete result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("delete conversation: %s", result.Message)
	}
	return nil
}

// ListMessages returns the server-side history of a conversation.
func (c *Client) ListMessages(ctx context.Context, id string) ([]backend.Message, error) {
	data, err := c.doJSON(ctx, http.MethodGet, c.endpoint("conversations", id, "messages"), nil)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	items, err := decodeList[backend.Message](data)
	if err != nil {
		return nil, fmt.Errorf("parsing messages: %w", err)
	}
	return items, nil
}

// Stream posts the user message and returns the reply events. The body is
// read by a goroutine that stops when ctx is cancelled.
func (c *Client) Stream(ctx context.Context, id string, r backend.StreamRequest) (<-chan backend.Event, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("conversations", id, "stream"), r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.do(c.streamClient, req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	ch := make(chan backend.Event)
	go func() {
		defer resp.Body.Close()
		backend.Pump(ctx, resp.Body, ch)
	}()
	return ch, nil
}
