package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 8 << 20
)

// httpDoer is the minimal surface the client needs from net/http, kept as an
// interface so tests can substitute transports.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client executes JSON requests against the upstream catalog API. It owns
// timeout enforcement, (de)serialization, and error translation; retries
// belong to the caller.
type Client struct {
	baseURL *url.URL
	client  httpDoer
	timeout time.Duration
	logger  *slog.Logger
}

// Option tunes client construction.
type Option func(*Client)

// WithHTTPClient substitutes the underlying transport.
func WithHTTPClient(doer httpDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.client = doer
		}
	}
}

// WithTimeout overrides the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New builds a client rooted at baseURL.
func New(baseURL string, logger *slog.Logger, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("api: base url invalid: %s", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: parsed,
		client:  &http.Client{},
		timeout: defaultTimeout,
		logger:  logger.With(slog.String("agent", "api_client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Response carries the parsed body of a successful call.
type Response struct {
	Status int
	Body   json.RawMessage
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out any) error {
	if r == nil || len(r.Body) == 0 {
		return errors.New("api: empty response body")
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return &Error{Kind: KindDecode, Status: r.Status, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// Get issues a GET with optional query parameters.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, query, nil)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, nil, body)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPut, path, nil, body)
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, path, nil, body)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// Do executes a single request. Every failure resolves to *Error; the method
// never panics and never retries.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) (*Response, error) {
	if c == nil || c.client == nil {
		return nil, &Error{Kind: KindNetwork, Message: "client not initialized"}
	}

	target := c.resolve(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("encode request body: %v", err)}
		}
		reader = bytes.NewReader(payload)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target.String(), reader)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return nil, &Error{Kind: KindTimeout, Message: fmt.Sprintf("request exceeded %s", c.timeout)}
		}
		return nil, &Error{Kind: KindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	c.logger.Debug("request completed",
		slog.String("method", method),
		slog.String("path", target.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, translateStatus(resp.StatusCode, payload)
	}

	return &Response{Status: resp.StatusCode, Body: payload}, nil
}

// Export retrieves an opaque binary payload (CSV, Excel, PDF, bundled JSON)
// and returns it unmodified along with its declared content type.
func (c *Client) Export(ctx context.Context, path string, query url.Values) ([]byte, string, error) {
	if c == nil || c.client == nil {
		return nil, "", &Error{Kind: KindNetwork, Message: "client not initialized"}
	}
	target := c.resolve(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, "", &Error{Kind: KindValidation, Message: fmt.Sprintf("build request: %v", err)}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return nil, "", &Error{Kind: KindTimeout, Message: fmt.Sprintf("request exceeded %s", c.timeout)}
		}
		return nil, "", &Error{Kind: KindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, "", &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", translateStatus(resp.StatusCode, payload)
	}
	return payload, resp.Header.Get("Content-Type"), nil
}

func (c *Client) resolve(path string) *url.URL {
	ref := &url.URL{Path: strings.TrimLeft(path, "/")}
	base := *c.baseURL
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(ref)
}

// translateStatus maps a non-2xx response to the error taxonomy, preferring
// the structured error payload when one parses.
func translateStatus(status int, payload []byte) *Error {
	kind := KindServer
	if status >= 400 && status < 500 {
		kind = KindValidation
	}

	apiErr := &Error{Kind: kind, Status: status, Message: fmt.Sprintf("HTTP %d", status)}
	if len(payload) == 0 {
		return apiErr
	}
	var parsed errorPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return apiErr
	}
	switch {
	case parsed.Message != "":
		apiErr.Message = parsed.Message
	case parsed.Detail != "":
		apiErr.Message = parsed.Detail
	}
	apiErr.Code = parsed.Code
	return apiErr
}
