package opalmind

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"time"
)

// TrackResult is the recorded outcome of a delivered tracking hit. It is what
// an idempotent replay returns, so it carries only what a caller can act on.
type TrackResult struct {
	StatusCode  int       `json:"status_code"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Tracker is the write-path facade: tracking hits are delivered through the
// RetryQueue, so transient upstream failures retry in the background and
// resubmissions under the same idempotency key collapse onto one delivery.
type Tracker struct {
	client *Client
	queue  *RetryQueue
}

// NewTracker creates a Tracker on top of a client and a retry queue.
func NewTracker(client *Client, queue *RetryQueue) *Tracker {
	return &Tracker{client: client, queue: queue}
}

// Send delivers a tracking hit as a form POST and blocks until it resolves.
// A non-empty idempotencyKey identifies the logical hit: concurrent sends
// sharing it coalesce, and a key whose outcome is already recorded returns
// that outcome without contacting the upstream.
func (t *Tracker) Send(ctx context.Context, url string, form url.Values, idempotencyKey string) (*TrackResult, error) {
	var opts []EnqueueOption
	if idempotencyKey != "" {
		opts = append(opts, WithIdempotencyKey(idempotencyKey))
	}

	outcome, err := t.queue.Enqueue(ctx, func(opCtx context.Context) (interface{}, error) {
		resp, err := t.client.PostForm(opCtx, url, form)
		if resp != nil && resp.Body != nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return &TrackResult{StatusCode: resp.StatusCode, DeliveredAt: time.Now()}, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	return decodeTrackResult(outcome)
}

// QueueStats returns the statistics of the queue behind this tracker.
func (t *Tracker) QueueStats() QueueStats {
	return t.queue.Stats()
}

// decodeTrackResult normalizes an outcome back to *TrackResult. Outcomes read
// from a durable store round-trip through JSON and come back as generic maps.
func decodeTrackResult(outcome interface{}) (*TrackResult, error) {
	switch v := outcome.(type) {
	case *TrackResult:
		return v, nil
	case TrackResult:
		return &v, nil
	}

	raw, err := json.Marshal(outcome)
	if err != nil {
		return nil, &ClientError{
			Kind:      ErrorKindParse,
			Message:   "recorded tracking outcome has unexpected type",
			Guidance:  GuidanceFor(ErrorKindParse),
			Cause:     err,
			Timestamp: time.Now(),
		}
	}
	var result TrackResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ClientError{
			Kind:      ErrorKindParse,
			Message:   "recorded tracking outcome has unexpected shape",
			Guidance:  GuidanceFor(ErrorKindParse),
			Cause:     err,
			Timestamp: time.Now(),
		}
	}
	return &result, nil
}
