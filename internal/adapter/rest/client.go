// Package rest is an HTTP implementation of the adapter ports.
//
// Routes:
//
//	GET    /{controller}?{odata query}
//	GET    /{controller}/{id}
//	POST   /{controller}
//	PUT    /{controller}/{id}
//	DELETE /{controller}/{id}
//	GET    /{controller}/{id}/{relation}?{odata query}
//	POST   /{controller}/actions/{action}
//	POST   /{controller}/{id}/actions/{action}
//
// Idempotent requests are retried with exponential backoff on network
// errors, 429 and 5xx responses. POST is never retried.
package rest

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
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/roach88/entsync/internal/adapter"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
	"github.com/roach88/entsync/internal/telemetry"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap maps 404 to adapter.ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return adapter.ErrNotFound
	}
	return nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Client talks to a REST/OData endpoint.
type Client struct {
	base       *url.URL
	http       *http.Client
	limiter    *rate.Limiter
	maxTries   uint
	initial    time.Duration
	maxBackoff time.Duration
	header     http.Header
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

var (
	_ adapter.Adapter        = (*Client)(nil)
	_ adapter.RelationGetter = (*Client)(nil)
	_ adapter.ActionInvoker  = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit caps outgoing requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithRetry sets the attempt budget and the backoff bounds.
// maxTries counts the first attempt; 1 disables retries.
func WithRetry(maxTries uint, initial, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxTries = maxTries
		c.initial = initial
		c.maxBackoff = maxDelay
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Add(key, value) }
}

// WithMetrics records request metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	c := &Client{
		base:       u,
		http:       &http.Client{Timeout: 30 * time.Second},
		maxTries:   4,
		initial:    100 * time.Millisecond,
		maxBackoff: 2 * time.Second,
		header:     http.Header{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(q *query.Query, segments ...string) (string, error) {
	u := *c.base
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = c.base.Path + "/" + strings.Join(segments, "/")
	u.RawPath = c.base.EscapedPath() + "/" + strings.Join(escaped, "/")
	if q != nil {
		values, err := q.Values()
		if err != nil {
			return "", err
		}
		u.RawQuery = values.Encode()
	}
	return u.String(), nil
}

// do sends one logical request, retrying idempotent methods, and returns
// the response body of the final 2xx attempt.
func (c *Client) do(ctx context.Context, op, controller, method, target string, body any) ([]byte, error) {
	ctx, span := telemetry.StartSpan(ctx, "adapter."+op,
		attribute.String("http.method", method),
		attribute.String("entsync.controller", controller),
	)
	start := time.Now()
	status := "error"

	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			telemetry.EndSpan(span, err)
			return nil, fmt.Errorf("%s %s: encode body: %w", method, controller, err)
		}
	}

	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		if attempt > 1 {
			c.metrics.ObserveRetry(op)
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(encoded))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		for k, vs := range c.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if method == http.MethodPost || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			c.logger.Debug("request failed, retrying", "op", op, "attempt", attempt, "err", err)
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		status = strconv.Itoa(resp.StatusCode)
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		statusErr := &StatusError{Method: method, URL: target, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if method == http.MethodPost || !retryable(resp.StatusCode) {
			return nil, backoff.Permanent(statusErr)
		}
		c.logger.Debug("retryable status", "op", op, "attempt", attempt, "status", resp.StatusCode)
		return nil, statusErr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = c.maxBackoff
	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(max(c.maxTries, 1)),
	)

	c.metrics.ObserveRequest(op, controller, status, time.Since(start))
	telemetry.EndSpan(span, err)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return nil, fmt.Errorf("%s %s: %w", op, controller, err)
	}
	return data, nil
}

// GetAll implements adapter.Adapter.
func (c *Client) GetAll(ctx context.Context, controller string, q *query.Query) (adapter.Result, error) {
	target, err := c.endpoint(q, controller)
	if err != nil {
		return adapter.Result{}, err
	}
	body, err := c.do(ctx, "getAll", controller, http.MethodGet, target, nil)
	if err != nil {
		return adapter.Result{}, err
	}
	return adapter.NormalizeJSON(body)
}

// GetOne implements adapter.Adapter.
func (c *Client) GetOne(ctx context.Context, controller, id string, q *query.Query) (payload.Object, error) {
	target, err := c.endpoint(q, controller, id)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, "getOne", controller, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return adapter.UnwrapEntity(body)
}

// Post implements adapter.Adapter.
func (c *Client) Post(ctx context.Context, controller string, data payload.Object) (payload.Object, error) {
	target, err := c.endpoint(nil, controller)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, "post", controller, http.MethodPost, target, data)
	if err != nil {
		return nil, err
	}
	return adapter.UnwrapEntity(body)
}

// Put implements adapter.Adapter.
func (c *Client) Put(ctx context.Context, controller, id string, data payload.Object) (payload.Object, error) {
	target, err := c.endpoint(nil, controller, id)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, "put", controller, http.MethodPut, target, data)
	if err != nil {
		return nil, err
	}
	return adapter.UnwrapEntity(body)
}

// Remove implements adapter.Adapter.
func (c *Client) Remove(ctx context.Context, controller, id string) error {
	target, err := c.endpoint(nil, controller, id)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "remove", controller, http.MethodDelete, target, nil)
	return err
}

// GetRelation implements adapter.RelationGetter.
func (c *Client) GetRelation(ctx context.Context, controller, relation, id string, q *query.Query) (adapter.Result, error) {
	target, err := c.endpoint(q, controller, id, relation)
	if err != nil {
		return adapter.Result{}, err
	}
	body, err := c.do(ctx, "relation", controller, http.MethodGet, target, nil)
	if err != nil {
		return adapter.Result{}, err
	}
	return adapter.NormalizeJSON(body)
}

// Action implements adapter.ActionInvoker. The decoded JSON response is
// returned as is.
func (c *Client) Action(ctx context.Context, controller, action string, params payload.Object, id string) (any, error) {
	segments := []string{controller, "actions", action}
	if id != "" {
		segments = []string{controller, id, "actions", action}
	}
	target, err := c.endpoint(nil, segments...)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = payload.Object{}
	}
	body, err := c.do(ctx, "action", controller, http.MethodPost, target, params)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("action %s.%s: decode response: %w", controller, action, err)
	}
	return out, nil
}
