package opalmind

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Operation is a deferred unit of work executed by the RetryQueue. The queue
// runs it on its own context so a caller that stops waiting does not cancel
// the work; the eventual outcome still lands in the idempotency store.
type Operation func(ctx context.Context) (interface{}, error)

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	idempotencyKey string
}

// WithIdempotencyKey tags the operation with a logical-write identity.
// Concurrent submissions sharing a key coalesce onto one execution, and a
// recorded outcome is replayed instead of re-running the operation.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.idempotencyKey = key
	}
}

// QueueStats is a point-in-time snapshot of queue activity.
type QueueStats struct {
	Pending        int
	InFlightKeys   int
	Succeeded      uint64
	Failed         uint64
	Retries        uint64
	IdempotentHits uint64
	Coalesced      uint64
}

// queueCall is the shared resolution slot all callers waiting on one logical
// write observe. Fields are written once before done is closed.
type queueCall struct {
	outcome interface{}
	err     error
	done    chan struct{}
}

// queueTask moves through pending → running → (succeeded | retrying →
// pending | failed). Only the runner mutates attempt.
type queueTask struct {
	op      Operation
	key     string
	attempt int
	call    *queueCall
}

// RetryQueue is a sequential task runner for write operations: FIFO
// admission, exactly one active runner, per-key single-flight coalescing,
// and bounded retries with delays scaled by attempt number. Outcomes of
// keyed tasks are persisted to the IdempotencyStore.
type RetryQueue struct {
	store        IdempotencyStore
	maxRetries   int
	baseDelay    time.Duration
	storeTimeout time.Duration
	logger       Logger
	metrics      *MetricsCollector

	mu          sync.Mutex
	cond        *sync.Cond
	tasks       []*queueTask
	inflight    map[string]*queueCall
	retryTimers map[*queueTask]*time.Timer
	closed      bool

	runnerDone chan struct{}

	succeeded      uint64
	failed         uint64
	retries        uint64
	idempotentHits uint64
	coalesced      uint64
}

// QueueOption configures a RetryQueue.
type QueueOption func(*RetryQueue)

// WithQueueMaxRetries sets the total attempt budget per task (default 3).
// A task is invoked at most maxRetries times before failing terminally.
func WithQueueMaxRetries(n int) QueueOption {
	return func(q *RetryQueue) {
		q.maxRetries = n
	}
}

// WithQueueBaseDelay sets the unit of the retry delay; attempt n waits
// baseDelay × n before re-admission (default 500ms).
func WithQueueBaseDelay(d time.Duration) QueueOption {
	return func(q *RetryQueue) {
		q.baseDelay = d
	}
}

// WithQueueStoreTimeout bounds idempotency store writes performed by the
// runner (default 5s).
func WithQueueStoreTimeout(d time.Duration) QueueOption {
	return func(q *RetryQueue) {
		q.storeTimeout = d
	}
}

// WithQueueLogger sets the queue logger.
func WithQueueLogger(logger Logger) QueueOption {
	return func(q *RetryQueue) {
		q.logger = logger
	}
}

// WithQueueMetrics sets the metrics collector.
func WithQueueMetrics(mc *MetricsCollector) QueueOption {
	return func(q *RetryQueue) {
		q.metrics = mc
	}
}

// NewRetryQueue creates a queue backed by the given store and starts its
// runner goroutine. Call Close to drain and stop it.
func NewRetryQueue(store IdempotencyStore, opts ...QueueOption) *RetryQueue {
	q := &RetryQueue{
		store:        store,
		maxRetries:   3,
		baseDelay:    500 * time.Millisecond,
		storeTimeout: 5 * time.Second,
		inflight:     make(map[string]*queueCall),
		retryTimers:  make(map[*queueTask]*time.Timer),
		runnerDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.maxRetries < 1 {
		q.maxRetries = 1
	}
	q.cond = sync.NewCond(&q.mu)

	go q.run()
	return q
}

// Enqueue submits an operation and blocks until it resolves terminally, the
// queue closes, or ctx expires. A recorded outcome for the idempotency key
// short-circuits without invoking the operation; an in-flight task with the
// same key is joined instead of duplicated.
func (q *RetryQueue) Enqueue(ctx context.Context, op Operation, opts ...EnqueueOption) (interface{}, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.idempotencyKey != "" {
		record, found, err := q.store.Get(ctx, o.idempotencyKey)
		if err != nil {
			// Lookup failure degrades to a fresh execution; worst case is a
			// duplicate send the upstream already tolerates.
			if q.logger != nil {
				q.logger.Warn("idempotency lookup failed", "key", o.idempotencyKey, "error", err.Error())
			}
			q.metrics.RecordStoreFailure("get")
		} else if found {
			atomic.AddUint64(&q.idempotentHits, 1)
			q.metrics.RecordIdempotentHit()
			return record.Outcome, nil
		}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}

	if o.idempotencyKey != "" {
		if call, ok := q.inflight[o.idempotencyKey]; ok {
			q.mu.Unlock()
			atomic.AddUint64(&q.coalesced, 1)
			q.metrics.RecordCoalesced()
			return q.wait(ctx, call)
		}
	}

	call := &queueCall{done: make(chan struct{})}
	if o.idempotencyKey != "" {
		q.inflight[o.idempotencyKey] = call
		q.metrics.RecordQueueInFlightKeys(len(q.inflight))
	}
	task := &queueTask{op: op, key: o.idempotencyKey, call: call}
	q.tasks = append(q.tasks, task)
	q.metrics.RecordQueuePending(len(q.tasks) + len(q.retryTimers))
	q.cond.Signal()
	q.mu.Unlock()

	return q.wait(ctx, call)
}

// wait blocks on a call's resolution or caller cancellation. The task keeps
// running after the caller gives up.
func (q *RetryQueue) wait(ctx context.Context, call *queueCall) (interface{}, error) {
	select {
	case <-call.done:
		return call.outcome, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns a snapshot of queue activity.
func (q *RetryQueue) Stats() QueueStats {
	q.mu.Lock()
	pending := len(q.tasks) + len(q.retryTimers)
	inflight := len(q.inflight)
	q.mu.Unlock()

	return QueueStats{
		Pending:        pending,
		InFlightKeys:   inflight,
		Succeeded:      atomic.LoadUint64(&q.succeeded),
		Failed:         atomic.LoadUint64(&q.failed),
		Retries:        atomic.LoadUint64(&q.retries),
		IdempotentHits: atomic.LoadUint64(&q.idempotentHits),
		Coalesced:      atomic.LoadUint64(&q.coalesced),
	}
}

// Close stops admission, cancels scheduled retries, drains already-admitted
// tasks and waits for the runner to exit. Tasks waiting on a retry timer
// resolve with ErrQueueClosed.
func (q *RetryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.runnerDone
		return
	}
	q.closed = true

	var orphaned []*queueTask
	for task, timer := range q.retryTimers {
		if timer.Stop() {
			orphaned = append(orphaned, task)
		}
		delete(q.retryTimers, task)
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, task := range orphaned {
		q.resolve(task, nil, ErrQueueClosed)
	}

	<-q.runnerDone
}

// run is the single active runner: it pops tasks in admission order and
// executes them one at a time.
func (q *RetryQueue) run() {
	defer close(q.runnerDone)

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.metrics.RecordQueuePending(len(q.tasks) + len(q.retryTimers))
		q.mu.Unlock()

		q.execute(task)
	}
}

func (q *RetryQueue) execute(task *queueTask) {
	outcome, err := task.op(context.Background())

	if err == nil {
		if task.key != "" {
			record := &IdempotencyRecord{
				Key:          task.key,
				Outcome:      outcome,
				AttemptCount: task.attempt + 1,
				CompletedAt:  time.Now(),
			}
			ctx, cancel := context.WithTimeout(context.Background(), q.storeTimeout)
			if serr := q.store.Set(ctx, record); serr != nil {
				// The operation already succeeded; the caller still gets the
				// result. Losing the record only risks a duplicate retry.
				if q.logger != nil {
					q.logger.Warn("idempotency record write failed", "key", task.key, "error", serr.Error())
				}
				q.metrics.RecordStoreFailure("set")
			}
			cancel()
		}
		atomic.AddUint64(&q.succeeded, 1)
		q.metrics.RecordQueueTask("succeeded")
		q.resolve(task, outcome, nil)
		return
	}

	if task.attempt+1 < q.maxRetries && retryableWriteError(err) {
		task.attempt++
		atomic.AddUint64(&q.retries, 1)
		q.metrics.RecordQueueRetry(task.attempt)
		if q.logger != nil {
			q.logger.Info("scheduling write retry",
				"key", task.key, "attempt", task.attempt, "maxRetries", q.maxRetries)
		}
		q.scheduleRetry(task, q.baseDelay*time.Duration(task.attempt))
		return
	}

	atomic.AddUint64(&q.failed, 1)
	q.metrics.RecordQueueTask("failed")
	q.resolve(task, nil, err)
}

// retryableWriteError reports whether a failed attempt is worth repeating.
// Classified client-side failures (auth, permission, validation, parse) are
// terminal; anything else is assumed transient.
func retryableWriteError(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return IsTransient(clientErr)
	}
	return true
}

// scheduleRetry re-admits the task at the tail after the delay. The timer
// keeps the runner free for other tasks while this one backs off.
func (q *RetryQueue) scheduleRetry(task *queueTask, delay time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.resolve(task, nil, ErrQueueClosed)
		return
	}

	timer := time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.retryTimers, task)
		if q.closed {
			q.mu.Unlock()
			q.resolve(task, nil, ErrQueueClosed)
			return
		}
		q.tasks = append(q.tasks, task)
		q.metrics.RecordQueuePending(len(q.tasks) + len(q.retryTimers))
		q.cond.Signal()
		q.mu.Unlock()
	})
	q.retryTimers[task] = timer
	q.metrics.RecordQueuePending(len(q.tasks) + len(q.retryTimers))
	q.mu.Unlock()
}

// resolve publishes the terminal outcome and clears in-flight bookkeeping so
// a future Enqueue under the same key starts from attempt 0.
func (q *RetryQueue) resolve(task *queueTask, outcome interface{}, err error) {
	if task.key != "" {
		q.mu.Lock()
		if q.inflight[task.key] == task.call {
			delete(q.inflight, task.key)
		}
		q.metrics.RecordQueueInFlightKeys(len(q.inflight))
		q.mu.Unlock()
	}

	task.call.outcome = outcome
	task.call.err = err
	close(task.call.done)
}
