// Package model streams generated text from an OpenAI-compatible chat
// completion backend.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
)

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-4-turbo"
	DefaultMaxTokens   = 2048
	DefaultTemperature = 1.0
)

// DefaultTransport returns an http.Transport with tuned connection pool settings.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// ClientOptions configures a Client. Zero values select the defaults.
type ClientOptions struct {
	BaseURL      string
	Model        string
	MaxTokens    int
	Temperature  *float64
	SystemPrompt string
	// RequestsPerMinute caps outbound requests across all sessions; 0 disables the cap.
	RequestsPerMinute int
	// NetworkLogDir enables the JSON lines journal of upstream traffic.
	NetworkLogDir string
	// Transport replaces DefaultTransport, mainly for tests.
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// Client opens token streams against the chat completions endpoint.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	maxTokens    int
	temperature  float64
	systemPrompt string
	httpClient   *http.Client
	transport    *LoggingTransport
	limiter      *rate.Limiter
	logger       *zap.Logger
}

// NewClient builds a client. The API key may be empty; streams then fail
// upstream with the backend's authentication error.
func NewClient(apiKey string, opts ClientOptions) (*Client, error) {
	base := opts.Transport
	if base == nil {
		base = DefaultTransport()
	}
	transport, err := NewLoggingTransport(base, opts.NetworkLogDir)
	if err != nil {
		return nil, err
	}

	c := &Client{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		model:        opts.Model,
		maxTokens:    opts.MaxTokens,
		temperature:  DefaultTemperature,
		systemPrompt: opts.SystemPrompt,
		transport:    transport,
		// No client timeout: a stream lasts as long as generation does and
		// is bounded by the caller's context instead.
		httpClient: &http.Client{Transport: transport},
		logger:     opts.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	if opts.Temperature != nil {
		c.temperature = *opts.Temperature
	}
	if opts.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), 1)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

// Close releases the network journal.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Stream prepares a token stream for prompt. Nothing is sent until the first
// Recv.
func (c *Client) Stream(ctx context.Context, prompt string) *TokenStream {
	return &TokenStream{ctx: ctx, client: c, prompt: prompt}
}

func (c *Client) newRequest(ctx context.Context, prompt string) (*http.Request, error) {
	body, err := json.Marshal(ChatRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      true,
		Messages: []Message{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	return req, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
}

// open sends the request and returns the event stream body.
func (c *Client) open(ctx context.Context, prompt string) (io.ReadCloser, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, rnerrors.Wrap(err, rnerrors.ErrCodeUpstreamTransport, "Request not sent")
		}
	}

	req, err := c.newRequest(ctx, prompt)
	if err != nil {
		return nil, rnerrors.Wrap(err, rnerrors.ErrCodeInternal, "Request not sent")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, rnerrors.Wrap(err, rnerrors.ErrCodeUpstreamTransport, "Transport error")
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := parseError(resp)
		resp.Body.Close()
		fields := []zap.Field{
			zap.Int("status", resp.StatusCode),
			zap.Bool("rate_limited", apiErr.IsRateLimitError()),
			zap.Error(apiErr),
		}
		if retry := resp.Header.Get("Retry-After"); retry != "" {
			fields = append(fields, zap.String("retry_after", retry))
		}
		c.logger.Warn("upstream rejected request", fields...)

		wrapped := rnerrors.Wrap(apiErr, rnerrors.ErrCodeUpstreamTransport, "Invalid status code").
			WithContext("status", resp.StatusCode)
		if apiErr.IsRateLimitError() {
			wrapped.WithContext("rate_limited", true)
		}
		return nil, wrapped
	}

	c.logger.Debug("upstream stream opened",
		zap.String("model", c.model),
		zap.Duration("latency", time.Since(start)),
	)
	return resp.Body, nil
}

func parseError(resp *http.Response) *APIError {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if readErr != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		rawBody := strings.TrimSpace(string(body))
		if len(rawBody) > 500 {
			rawBody = rawBody[:500] + "..."
		}
		message := resp.Status
		if rawBody != "" {
			message = fmt.Sprintf("%s (raw: %s)", resp.Status, rawBody)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	message := errResp.Error.Message
	if message == "" {
		message = resp.Status
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Type:       errResp.Error.Type,
		Code:       errResp.Error.Code,
	}
}
