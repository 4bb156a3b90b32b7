package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openfroyo/draftsync/pkg/engine"
)

// Client talks to the challenge persistence service over HTTP/JSON.
// It implements engine.ChallengeService, engine.ResourceService and engine.ChallengeReader.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

var (
	_ engine.ChallengeService = (*Client)(nil)
	_ engine.ResourceService  = (*Client)(nil)
	_ engine.ChallengeReader  = (*Client)(nil)
)

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout. A client passed with WithHTTPClient is copied,
// not modified.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithToken sends token as a bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithRateLimit limits outgoing requests to rps per second with the given burst.
// A non-positive rps removes the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 && c.httpClient.Timeout != c.timeout {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}

	return c
}

// APIError is a failure reported by the service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError for a missing record.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// envelope is the response wrapper used by every endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateChallenge persists a new challenge.
func (c *Client) CreateChallenge(ctx context.Context, payload engine.Challenge) (engine.Challenge, error) {
	var out engine.Challenge
	err := c.do(ctx, http.MethodPost, "/challenges", payload, &out)
	return out, err
}

// UpdateChallenge replaces the stored challenge.
func (c *Client) UpdateChallenge(ctx context.Context, id string, payload engine.Challenge) (engine.Challenge, error) {
	var out engine.Challenge
	err := c.do(ctx, http.MethodPut, "/challenges/"+url.PathEscape(id), payload, &out)
	return out, err
}

// PatchChallenge sends a partial update carrying only the patched fields.
func (c *Client) PatchChallenge(ctx context.Context, id string, patch engine.Patch) (engine.Challenge, error) {
	var out engine.Challenge
	err := c.do(ctx, http.MethodPatch, "/challenges/"+url.PathEscape(id), patch, &out)
	return out, err
}

// GetChallenge fetches a challenge by id.
func (c *Client) GetChallenge(ctx context.Context, id string) (engine.Challenge, error) {
	var out engine.Challenge
	err := c.do(ctx, http.MethodGet, "/challenges/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ListResources lists the role assignments of a challenge.
func (c *Client) ListResources(ctx context.Context, challengeID string) ([]engine.ResourceAssignment, error) {
	q := url.Values{}
	q.Set("challengeId", challengeID)

	var out []engine.ResourceAssignment
	if err := c.do(ctx, http.MethodGet, "/resources?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateResource assigns a member to a role.
func (c *Client) CreateResource(ctx context.Context, a engine.ResourceAssignment) error {
	return c.do(ctx, http.MethodPost, "/resources", a, nil)
}

// DeleteResource removes a member from a role.
func (c *Client) DeleteResource(ctx context.Context, a engine.ResourceAssignment) error {
	return c.do(ctx, http.MethodDelete, "/resources", a, nil)
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// do sends one request and decodes the envelope's data into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	resp, status, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	if len(resp) == 0 {
		if status >= 400 {
			return &APIError{StatusCode: status, Message: http.StatusText(status)}
		}
		// 204 and friends
		return nil
	}

	var result envelope
	if err := json.Unmarshal(resp, &result); err != nil {
		if status >= 400 {
			return &APIError{StatusCode: status, Message: strings.TrimSpace(string(resp))}
		}
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if status >= 400 || !result.Success {
		apiErr := &APIError{StatusCode: status, Message: http.StatusText(status)}
		if result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return apiErr
	}

	if out != nil && len(result.Data) > 0 {
		if err := json.Unmarshal(result.Data, out); err != nil {
			return fmt.Errorf("failed to unmarshal response data: %w", err)
		}
	}
	return nil
}

// doRequest performs an HTTP request after waiting for the rate limiter.
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("api request")

	return respBody, resp.StatusCode, nil
}
