package opalmind

import (
	"fmt"
	"net/http"
	"time"

	internalbackoff "github.com/authorityab/OpalMind-sub001/internal/backoff"
)

// WithTransportRetries sets the maximum number of transport-level retry
// attempts per call (network failures and 5xx responses).
func WithTransportRetries(n int) Option {
	return func(c *Client) {
		c.transportRetries = n
	}
}

// WithRetryBackoff sets the linear backoff unit between transport retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.retryBackoff = d
	}
}

// WithMaxRetryBackoff caps the backoff between transport retries.
func WithMaxRetryBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.maxRetryBackoff = d
	}
}

// WithBackoffMultiplier sets the multiplier used by the exponential strategy.
func WithBackoffMultiplier(f float64) Option {
	return func(c *Client) {
		c.backoffMultiplier = f
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0)
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.jitter = f
	}
}

// WithBackoffStrategy selects the transport retry backoff algorithm.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(c *Client) {
		c.backoffStrategy = strategy
		switch strategy {
		case ExponentialJitter:
			c.backoffCalculator = internalbackoff.GetExponentialJitterCalculator()
		case DecorrelatedJitter:
			c.backoffCalculator = internalbackoff.GetDecorrelatedJitterCalculator()
		default:
			c.backoffCalculator = internalbackoff.GetLinearCalculator()
		}
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// WithRetryCondition sets a custom transport retry condition.
func WithRetryCondition(fn RetryCondition) Option {
	return func(c *Client) {
		c.retryCondition = fn
	}
}

// WithGovernor sets a custom rate-limit governor. The default governor uses
// stock thresholds; build one with NewGovernor to tune them.
func WithGovernor(g *Governor) Option {
	return func(c *Client) {
		c.governor = g
		if c.metrics != nil && g != nil && g.metrics == nil {
			g.metrics = c.metrics
		}
	}
}

// WithCircuitBreaker sets the circuit breaker configuration
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.circuitBreaker = NewCircuitBreaker(config)
	}
}

// WithMiddleware adds middleware to the client
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
		// Update timeout if it was set
		if c.timeout != 0 {
			c.httpClient.Timeout = c.timeout
		}
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
		if c.governor != nil && c.governor.metrics == nil {
			c.governor.metrics = c.metrics
		}
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
		if c.governor != nil && c.governor.metrics == nil {
			c.governor.metrics = collector
		}
	}
}

// WithClientLogger sets the client logger; the governor inherits it when it
// has none of its own.
func WithClientLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
		if c.governor != nil && c.governor.logger == nil {
			c.governor.logger = logger
		}
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errs []string

	errs = append(errs, c.validateRetryConfig()...)
	errs = append(errs, c.validateCircuitBreakerConfig()...)
	errs = append(errs, c.validateHTTPClientConfig()...)
	errs = append(errs, c.validateExtremeValues()...)

	if len(errs) > 0 {
		return &ClientError{
			Kind:    ErrorKindConfig,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errs),
		}
	}

	return nil
}

// validateRetryConfig validates retry-related configuration
func (c *Client) validateRetryConfig() []string {
	var errs []string

	if c.transportRetries < 0 {
		errs = append(errs, "transportRetries must be non-negative")
	}

	if c.retryBackoff <= 0 {
		errs = append(errs, "retryBackoff must be positive")
	}

	if c.maxRetryBackoff < c.retryBackoff {
		errs = append(errs, "maxRetryBackoff must be greater than or equal to retryBackoff")
	}

	if c.backoffMultiplier <= 0 {
		errs = append(errs, "backoffMultiplier must be positive")
	}

	if c.jitter < 0 || c.jitter > 1 {
		errs = append(errs, "jitter must be between 0 and 1 (will be clamped automatically)")
	}

	if c.timeout <= 0 {
		errs = append(errs, "timeout must be positive")
	}

	return errs
}

// validateCircuitBreakerConfig validates circuit breaker configuration
func (c *Client) validateCircuitBreakerConfig() []string {
	var errs []string

	if c.circuitBreaker != nil {
		if c.circuitBreaker.config.FailureThreshold <= 0 {
			errs = append(errs, "circuitBreaker FailureThreshold must be positive")
		}
		if c.circuitBreaker.config.RecoveryTimeout <= 0 {
			errs = append(errs, "circuitBreaker RecoveryTimeout must be positive")
		}
		if c.circuitBreaker.config.SuccessThreshold <= 0 {
			errs = append(errs, "circuitBreaker SuccessThreshold must be positive")
		}
	}

	return errs
}

// validateHTTPClientConfig validates HTTP client configuration
func (c *Client) validateHTTPClientConfig() []string {
	var errs []string

	if c.httpClient == nil {
		errs = append(errs, "HTTP client cannot be nil")
	}

	for i, middleware := range c.middleware {
		if middleware == nil {
			errs = append(errs, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errs
}

// validateExtremeValues validates that configuration values are within reasonable bounds
func (c *Client) validateExtremeValues() []string {
	var errs []string

	if c.transportRetries > 10 {
		errs = append(errs, "transportRetries > 10 hammers a struggling upstream")
	}

	if c.retryBackoff > 10*time.Minute {
		errs = append(errs, "retryBackoff > 10m may cause very long delays")
	}
	if c.maxRetryBackoff > 1*time.Hour {
		errs = append(errs, "maxRetryBackoff > 1h may cause extremely long delays")
	}

	if c.timeout > 10*time.Minute {
		errs = append(errs, "timeout > 10m may cause requests to hang for too long")
	}

	return errs
}
