package opalmind

import (
	"net/http"
	"time"
)

// RetryCondition determines whether a transport-level attempt should be retried
type RetryCondition func(resp *http.Response, err error) bool

// Middleware represents a middleware function
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Option represents a Client configuration option
type Option func(*Client)

// BackoffStrategy selects the transport retry backoff algorithm.
type BackoffStrategy int

const (
	// LinearBackoff waits base × attemptNumber between transport retries.
	LinearBackoff BackoffStrategy = iota
	// ExponentialJitter waits base × multiplier^attempt with uniform jitter.
	ExponentialJitter
	// DecorrelatedJitter implements AWS-style decorrelated jitter.
	DecorrelatedJitter
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// CircuitBreaker short-circuits calls to an upstream that keeps failing.
// State transitions use atomics; safe for concurrent use.
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	state       int64
	failures    int64
	lastFailure int64
	successes   int64
}

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)
