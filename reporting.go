package opalmind

import (
	"context"
	"encoding/json"
	"time"
)

// Reporter is the read-path facade: report fetches flow through the
// ResponseCache, so repeated requests for the same report within its TTL are
// answered without touching the upstream.
type Reporter struct {
	client     *Client
	cache      *ResponseCache
	defaultTTL time.Duration
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithReporterTTL sets the TTL applied when Fetch is called with ttl <= 0
// (default 5m).
func WithReporterTTL(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		r.defaultTTL = d
	}
}

// NewReporter creates a Reporter on top of a client and a response cache.
func NewReporter(client *Client, cache *ResponseCache, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		client:     client,
		cache:      cache,
		defaultTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch returns the JSON payload for a report URL, served from cache when a
// fresh entry exists. feature names the report family for per-feature stats
// and events; the full URL is the cache key. Each caller receives its own
// copy of the payload.
func (r *Reporter) Fetch(ctx context.Context, feature, url string, ttl time.Duration) (json.RawMessage, error) {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	value, err := r.cache.GetOrLoad(ctx, feature, url, ttl, func(ctx context.Context) (interface{}, error) {
		resp, err := r.client.Get(ctx, url)
		if err != nil {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			return nil, err
		}

		var payload json.RawMessage
		if err := DecodeJSON(resp, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}

	payload, ok := value.(json.RawMessage)
	if !ok {
		return nil, &ClientError{
			Kind:      ErrorKindParse,
			Message:   "cached report payload has unexpected type",
			Guidance:  GuidanceFor(ErrorKindParse),
			Timestamp: time.Now(),
		}
	}

	out := make(json.RawMessage, len(payload))
	copy(out, payload)
	return out, nil
}

// FetchInto fetches a report and unmarshals the payload into v.
func (r *Reporter) FetchInto(ctx context.Context, feature, url string, ttl time.Duration, v interface{}) error {
	payload, err := r.Fetch(ctx, feature, url, ttl)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return &ClientError{
			Kind:      ErrorKindParse,
			Message:   "malformed report payload",
			Guidance:  GuidanceFor(ErrorKindParse),
			Cause:     err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// Invalidate removes a single cached report.
func (r *Reporter) Invalidate(feature, url string) {
	r.cache.Invalidate(feature, url)
}

// Stats returns the per-feature cache statistics behind this reporter.
func (r *Reporter) Stats() CacheStats {
	return r.cache.Stats()
}
