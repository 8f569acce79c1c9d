// Package opalmind is the resiliency core sitting between OpalMind's
// report/tracking helpers and the upstream analytics HTTP API:
//
//   - TTL response cache with per-feature hit/miss/set stats and typed
//     cache events for external observers
//   - Single-flight retry queue for write operations, backed by a
//     pluggable idempotency store (in-memory or Redis)
//   - Rate-limit governor that reads upstream quota signals (429,
//     Retry-After, X-RateLimit-* headers) and paces outgoing calls
//   - Resilient HTTP client with per-call timeouts, transport-level
//     retries with linear backoff, circuit breaking and typed error
//     classification
//   - Prometheus metrics and lightweight structured logging
//
// Design goals:
//   - Small surface area – functional options configure everything
//   - Safe concurrent use of a single Client / RetryQueue / ResponseCache
//   - Pluggable backends: swap the in-memory idempotency store for the
//     Redis one without touching call sites
//   - Errors carry a stable kind plus operator guidance; auth tokens are
//     never echoed into errors or logs
//
// Typical usage:
//
//	client := opalmind.New(
//	    opalmind.WithTimeout(10*time.Second),
//	    opalmind.WithTransportRetries(2),
//	    opalmind.WithMetrics(),
//	)
//	queue := opalmind.NewRetryQueue(opalmind.NewInMemoryIdempotencyStore(24*time.Hour),
//	    opalmind.WithQueueMaxRetries(3),
//	)
//	defer queue.Close()
//
//	cache := opalmind.NewResponseCache()
//	reporter := opalmind.NewReporter(client, cache)
//	tracker := opalmind.NewTracker(client, queue)
//
// Reads flow through the cache (a hit short-circuits the network); writes
// flow through the queue, which coalesces concurrent submissions sharing an
// idempotency key and replays recorded outcomes instead of re-sending.
package opalmind
