package opalmind

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	internalbackoff "github.com/authorityab/OpalMind-sub001/internal/backoff"
)

// maxResponseBytes caps how much of an upstream body is buffered for
// classification and decoding.
const maxResponseBytes = 10 * 1024 * 1024

// Client is the rate-limit-aware HTTP client under the read and write
// paths. It layers a per-call timeout, transport-level retries with linear
// backoff, circuit breaking, governor-driven throttling, middleware and
// metrics around the standard net/http Client. It is safe for concurrent
// use.
type Client struct {
	httpClient        *http.Client
	timeout           time.Duration
	transportRetries  int
	retryBackoff      time.Duration
	maxRetryBackoff   time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffStrategy   BackoffStrategy
	backoffCalculator *internalbackoff.Calculator
	retryCondition    RetryCondition
	governor          *Governor
	circuitBreaker    *CircuitBreaker
	middleware        []Middleware
	metrics           *MetricsCollector
	logger            Logger
	validationError   error
}

// New constructs a Client using the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		timeout:           30 * time.Second,
		transportRetries:  2,
		retryBackoff:      250 * time.Millisecond,
		maxRetryBackoff:   5 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            0.1,
		backoffStrategy:   LinearBackoff,
		backoffCalculator: internalbackoff.GetLinearCalculator(),
		retryCondition:    DefaultRetryCondition,
		governor:          NewGovernor(),
		circuitBreaker:    NewCircuitBreaker(CircuitBreakerConfig{}),
		middleware:        []Middleware{},
	}

	for _, option := range options {
		option(client)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// DefaultRetryCondition retries network failures and 5xx responses. 429 is
// deliberately excluded: the governor owns rate-limit pacing and queued
// writes retry at the queue layer.
func DefaultRetryCondition(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode >= 500
}

// Governor exposes the client's rate-limit governor so facades can consult
// Delay/State before scheduling work.
func (c *Client) Governor() *Governor {
	return c.governor
}

// Get performs an HTTP GET with context.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs an HTTP POST with the given content type.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// PostForm performs an HTTP POST with URL-encoded form values, the shape
// tracking endpoints expect.
func (c *Client) PostForm(ctx context.Context, url string, form url.Values) (*http.Response, error) {
	return c.Post(ctx, url, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

// Do executes a prepared *http.Request applying all reliability features.
// Responses with an error status are returned alongside a *ClientError
// carrying the classified kind.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	endpoint := getEndpointFromRequest(req)

	c.metrics.RecordRequestStart(req.Method, endpoint)
	defer c.metrics.RecordRequestEnd(req.Method, endpoint)

	var resp *http.Response
	var err error
	attempt := 0
	for {
		resp, err = c.attempt(req)
		if !c.shouldRetryTransport(req, resp, err, attempt) {
			break
		}

		attempt++
		c.metrics.RecordRetry(req.Method, endpoint, attempt)
		delay := c.backoffCalculator.Calculate(attempt-1, c.retryBackoff, c.maxRetryBackoff, c.backoffMultiplier, c.jitter)
		if c.logger != nil {
			c.logger.Info("retrying request", "attempt", attempt, "maxRetries", c.transportRetries,
				"backoff", delay.String(), "endpoint", endpoint)
		}

		if waitErr := sleepContext(req.Context(), delay); waitErr != nil {
			err = waitErr
			resp = nil
			break
		}
		if rewindErr := rewindBody(req); rewindErr != nil {
			err = rewindErr
			resp = nil
			break
		}
	}

	duration := time.Since(start)
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	c.metrics.RecordRequest(req.Method, endpoint, statusCode, duration)

	if err != nil {
		clientErr := c.classifyTransportError(req, err, attempt, duration)
		c.metrics.RecordError(clientErr.Kind, req.Method, endpoint)
		return nil, clientErr
	}

	if resp.StatusCode >= 400 {
		clientErr := c.classifyResponse(req, resp, attempt, duration)
		c.metrics.RecordError(clientErr.Kind, req.Method, endpoint)
		return resp, clientErr
	}

	return resp, nil
}

// attempt runs one upstream call: governor gate, circuit breaker gate,
// middleware chain, then bookkeeping on the outcome.
func (c *Client) attempt(req *http.Request) (*http.Response, error) {
	if err := c.governor.Wait(req.Context()); err != nil {
		return nil, err
	}

	if !c.circuitBreaker.Allow() {
		return nil, ErrCircuitOpen
	}

	resp, err := c.executeMiddleware(req)

	if resp != nil {
		c.governor.Observe(resp)
	}

	if err != nil || (resp != nil && resp.StatusCode >= 500) {
		c.circuitBreaker.RecordFailure()
	} else {
		c.circuitBreaker.RecordSuccess()
	}
	c.metrics.RecordCircuitBreakerState("default", c.circuitBreaker.State())

	return resp, err
}

func (c *Client) shouldRetryTransport(req *http.Request, resp *http.Response, err error, attempt int) bool {
	if attempt >= c.transportRetries {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if err != nil && req.Context().Err() != nil {
		return false
	}
	return c.retryCondition(resp, err)
}

func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

// classifyTransportError maps a network-layer failure to a ClientError.
// Network exceptions classify separately from HTTP-level error responses.
func (c *Client) classifyTransportError(req *http.Request, err error, attempt int, duration time.Duration) *ClientError {
	kind := ErrorKindNetwork
	message := "network request failed"

	var netErr net.Error
	switch {
	case errors.Is(err, ErrCircuitOpen):
		kind = ErrorKindCircuitOpen
		message = "circuit breaker is open"
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrorKindTimeout
		message = "request timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = ErrorKindTimeout
		message = "request timed out"
	}

	return c.newClientError(kind, message, err, req, 0, attempt, duration)
}

// classifyResponse maps an HTTP error status (and error-envelope bodies) to
// a ClientError. The response body is buffered and restored for the caller.
func (c *Client) classifyResponse(req *http.Request, resp *http.Response, attempt int, duration time.Duration) *ClientError {
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}

	kind := classifyStatus(resp.StatusCode)
	message := "upstream returned " + resp.Status
	if bodyKind, bodyMessage := classifyBody(body); bodyKind != "" {
		kind = bodyKind
		message = bodyMessage
	}

	var cause error
	if kind == ErrorKindRateLimit {
		cause = ErrRateLimited
	}

	return c.newClientError(kind, message, cause, req, resp.StatusCode, attempt, duration)
}

func (c *Client) newClientError(kind, message string, cause error, req *http.Request, statusCode, attempt int, duration time.Duration) *ClientError {
	return &ClientError{
		Kind:       kind,
		Message:    message,
		Guidance:   GuidanceFor(kind),
		Cause:      cause,
		StatusCode: statusCode,
		Method:     req.Method,
		URL:        scrubURL(req.URL.String()),
		Attempt:    attempt,
		MaxRetries: c.transportRetries,
		Timestamp:  time.Now(),
		Duration:   duration,
	}
}

// DecodeJSON decodes a successful response body into v, classifying
// error-envelope bodies and malformed payloads. It closes the body.
func DecodeJSON(resp *http.Response, v interface{}) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &ClientError{
			Kind:      ErrorKindNetwork,
			Message:   "reading response body failed",
			Guidance:  GuidanceFor(ErrorKindNetwork),
			Cause:     err,
			Timestamp: time.Now(),
		}
	}

	if kind, message := classifyBody(body); kind != "" {
		return &ClientError{
			Kind:       kind,
			Message:    message,
			Guidance:   GuidanceFor(kind),
			StatusCode: resp.StatusCode,
			Timestamp:  time.Now(),
		}
	}

	if err := json.Unmarshal(body, v); err != nil {
		return &ClientError{
			Kind:       ErrorKindParse,
			Message:    "malformed response payload",
			Guidance:   GuidanceFor(ErrorKindParse),
			Cause:      err,
			StatusCode: resp.StatusCode,
			Timestamp:  time.Now(),
		}
	}

	return nil
}

// rewindBody restores a request body before a retry using GetBody, which
// net/http populates for buffered bodies.
func rewindBody(req *http.Request) error {
	if req.Body == nil || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return err
	}
	req.Body = body
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

func getEndpointFromRequest(req *http.Request) string {
	if req.URL == nil {
		return "unknown"
	}

	host := req.URL.Host
	path := req.URL.Path

	var builder strings.Builder
	builder.WriteString(host)

	if path != "" && path != "/" {
		builder.WriteString(path)
	} else {
		builder.WriteByte('/')
	}

	return builder.String()
}
