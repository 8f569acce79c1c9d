package opalmind

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitEventKind is the governor's view of the last upstream response.
type RateLimitEventKind string

const (
	RateLimitOK      RateLimitEventKind = "ok"
	RateLimitWarned  RateLimitEventKind = "warned"
	RateLimitLimited RateLimitEventKind = "limited"
)

// RateLimitState is a snapshot of upstream quota signals.
type RateLimitState struct {
	Remaining    int
	HasRemaining bool
	ResetAt      time.Time
	LastEvent    RateLimitEventKind
}

// Governor tracks upstream quota signals and decides whether outgoing calls
// must wait. A 429 pauses traffic for the advertised (or fallback) interval;
// quota headers dropping under the warn threshold engage a pacing limiter
// that spreads the remaining budget until the advertised reset.
type Governor struct {
	warnThreshold int
	fallbackDelay time.Duration
	now           func() time.Time
	logger        Logger
	metrics       *MetricsCollector

	mu       sync.Mutex
	state    RateLimitState
	resumeAt time.Time
	limiter  *rate.Limiter
}

// GovernorOption configures a Governor.
type GovernorOption func(*Governor)

// WithWarnThreshold sets the remaining-quota level below which proactive
// throttling starts (default 10).
func WithWarnThreshold(n int) GovernorOption {
	return func(g *Governor) {
		g.warnThreshold = n
	}
}

// WithFallbackDelay sets the pause applied to a limited response carrying no
// Retry-After header (default 30s).
func WithFallbackDelay(d time.Duration) GovernorOption {
	return func(g *Governor) {
		g.fallbackDelay = d
	}
}

// WithGovernorClock overrides the time source for tests.
func WithGovernorClock(now func() time.Time) GovernorOption {
	return func(g *Governor) {
		g.now = now
	}
}

// WithGovernorLogger sets the governor logger.
func WithGovernorLogger(logger Logger) GovernorOption {
	return func(g *Governor) {
		g.logger = logger
	}
}

// WithGovernorMetrics sets the metrics collector.
func WithGovernorMetrics(mc *MetricsCollector) GovernorOption {
	return func(g *Governor) {
		g.metrics = mc
	}
}

// NewGovernor creates a Governor.
func NewGovernor(opts ...GovernorOption) *Governor {
	g := &Governor{
		warnThreshold: 10,
		fallbackDelay: 30 * time.Second,
		now:           time.Now,
		state:         RateLimitState{LastEvent: RateLimitOK},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Observe updates quota state from a response. Called after every upstream
// response, success or failure.
func (g *Governor) Observe(resp *http.Response) {
	if resp == nil {
		return
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if remaining, ok := parseIntHeader(resp.Header.Get("X-RateLimit-Remaining")); ok {
		g.state.Remaining = remaining
		g.state.HasRemaining = true
		if resetAt, ok := parseResetHeader(resp.Header.Get("X-RateLimit-Reset"), now); ok {
			g.state.ResetAt = resetAt
		}
		g.metrics.RecordRateLimitRemaining(remaining)
	}

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	limited := resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusServiceUnavailable && retryAfter > 0)
	if limited {
		delay := retryAfter
		if delay == 0 {
			delay = g.fallbackDelay
		}
		g.resumeAt = now.Add(delay)
		g.state.LastEvent = RateLimitLimited
		g.limiter = nil
		g.metrics.RecordRateLimited()
		if g.logger != nil {
			g.logger.Warn("upstream rate limited", "resumeIn", delay.String())
		}
		return
	}

	if g.state.HasRemaining && g.state.Remaining < g.warnThreshold {
		g.state.LastEvent = RateLimitWarned
		g.limiter = g.pacingLimiter(now)
		if g.logger != nil {
			g.logger.Warn("upstream quota low, throttling proactively",
				"remaining", g.state.Remaining, "threshold", g.warnThreshold)
		}
		return
	}

	g.state.LastEvent = RateLimitOK
	g.limiter = nil
}

// pacingLimiter spreads the remaining quota over the window until reset.
// Called with g.mu held.
func (g *Governor) pacingLimiter(now time.Time) *rate.Limiter {
	window := g.state.ResetAt.Sub(now)
	if window <= 0 {
		window = g.fallbackDelay
	}

	remaining := g.state.Remaining
	if remaining < 1 {
		remaining = 1
	}

	perSecond := float64(remaining) / window.Seconds()
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Delay reports how long outgoing calls must still hold off. Zero means
// calls may proceed (possibly paced by the warn limiter inside Wait).
func (g *Governor) Delay(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.resumeAt.After(now) {
		return g.resumeAt.Sub(now)
	}
	return 0
}

// Wait blocks until the governor clears the next call: first the hard pause
// from a limited response, then the proactive pacing limiter if engaged.
func (g *Governor) Wait(ctx context.Context) error {
	if d := g.Delay(g.now()); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	g.mu.Lock()
	limiter := g.limiter
	g.mu.Unlock()

	if limiter != nil {
		return limiter.Wait(ctx)
	}
	return nil
}

// State returns a copy of the current quota state.
func (g *Governor) State() RateLimitState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	// Try parsing as seconds first
	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour // Cap at 1 hour
			}
			return delay
		}
	}

	// Try parsing as HTTP-date
	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour { // Cap at 1 hour
			return delay
		}
	}

	return 0
}

func parseIntHeader(value string) (int, bool) {
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parseResetHeader accepts both epoch-seconds and delta-seconds forms of
// X-RateLimit-Reset.
func parseResetHeader(value string, now time.Time) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n < 0 {
		return time.Time{}, false
	}

	// Values beyond ~2001-09-09 in seconds can only be epoch timestamps.
	if n > 1_000_000_000 {
		return time.Unix(n, 0), true
	}
	return now.Add(time.Duration(n) * time.Second), true
}
