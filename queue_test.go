package opalmind

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// flakyStore wraps an in-memory store with injectable failures.
type flakyStore struct {
	inner   *InMemoryIdempotencyStore
	failGet bool
	failSet bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{inner: NewInMemoryIdempotencyStore(0)}
}

func (s *flakyStore) Get(ctx context.Context, key string) (*IdempotencyRecord, bool, error) {
	if s.failGet {
		return nil, false, errors.New("store unavailable")
	}
	return s.inner.Get(ctx, key)
}

func (s *flakyStore) Set(ctx context.Context, record *IdempotencyRecord) error {
	if s.failSet {
		return errors.New("store unavailable")
	}
	return s.inner.Set(ctx, record)
}

func TestEnqueueSuccess(t *testing.T) {
	q := NewRetryQueue(NewInMemoryIdempotencyStore(0))
	defer q.Close()

	outcome, err := q.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "done", nil
	})

	if err != nil {
		t.Fatalf("Enqueue() returned error: %v", err)
	}
	if outcome != "done" {
		t.Errorf("Enqueue() returned %v, want done", outcome)
	}

	stats := q.Stats()
	if stats.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", stats.Succeeded)
	}
	if stats.Failed != 0 {
		t.Errorf("Failed = %d, want 0", stats.Failed)
	}
}

func TestEnqueueRetriesThenSucceeds(t *testing.T) {
	q := NewRetryQueue(NewInMemoryIdempotencyStore(0),
		WithQueueMaxRetries(3),
		WithQueueBaseDelay(time.Millisecond))
	defer q.Close()

	var invocations int32
	outcome, err := q.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&invocations, 1)
		if n < 3 {
			return nil, errors.New("transient")
		}
		return "recovered", nil
	})

	if err != nil {
		t.Fatalf("Enqueue() returned error: %v", err)
	}
	if outcome != "recovered" {
		t.Errorf("Enqueue() returned %v, want recovered", outcome)
	}
	if got := atomic.LoadInt32(&invocations); got != 3 {
		t.Errorf("operation invoked %d times, want 3", got)
	}

	stats := q.Stats()
	if stats.Retries != 2 {
		t.Errorf("Retries = %d, want 2", stats.Retries)
	}
	if stats.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", stats.Succeeded)
	}
}

func TestEnqueueExhaustsRetries(t *testing.T) {
	q := NewRetryQueue(NewInMemoryIdempotencyStore(0),
		WithQueueMaxRetries(2),
		WithQueueBaseDelay(time.Millisecond))
	defer q.Close()

	var invocations int32
	wantErr := errors.New("still down")
	_, err := q.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&invocations, 1)
		return nil, wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Fatalf("Enqueue() returned %v, want %v", err, wantErr)
	}
	if got := atomic.LoadInt32(&invocations); got != 2 {
		t.Errorf("operation invoked %d times, want 2", got)
	}
	if stats := q.Stats(); stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
}

func TestEnqueueDoesNotRetryTerminalErrors(t *testing.T) {
	q := NewRetryQueue(NewInMemoryIdempotencyStore(0),
		WithQueueMaxRetries(5),
		WithQueueBaseDelay(time.Millisecond))
	defer q.Close()

	var invocations int32
	_, err := q.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&invocations, 1)
		return nil, &ClientError{Kind: ErrorKindValidation, Message: "bad parameters"}
	})

	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Kind != ErrorKindValidation {
		t.Fatalf("Enqueue() returned %v, want Validation ClientError", err)
	}
	if got := atomic.LoadInt32(&invocations); got != 1 {
		t.Errorf("operation invoked %d times, want 1", got)
	}
}

func TestEnqueueRetryDelaysScale(t *testing.T) {
	baseDelay := 20 * time.Millisecond
	q := NewRetryQueue(NewInMemoryIdempotencyStore(0),
		WithQueueMaxRetries(3),
		WithQueueBaseDelay(baseDelay))
	defer q.Close()

	var mu sync.Mutex
	var timestamps []time.Time
	_, err := q.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
		mu.Lock()
		timestamps = append(timestamps, time.Now())
		n := len(timestamps)
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Enqueue() returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(timestamps) != 3 {
		t.Fatalf("operation invoked %d times, want 3", len(timestamps))
	}
	// Delays are baseDelay x attempt number: the second gap must cover at
	// least twice the base.
	if gap := timestamps[1].Sub(timestamps[0]); gap < baseDelay {
		t.Errorf("first retry delay %v, want >= %v", gap, baseDelay)
	}
	if gap := timestamps[2].Sub(timestamps[1]); gap < 2*baseDelay {
		t.Errorf("second retry delay %v, want >= %v", gap, 2*baseDelay)
	}
}

func TestEnqueueIdempotentReplay(t *testing.T) {
	q := NewRetryQueue(NewInMemoryIdempotencyStore(0))
	defer q.Close()

	var invocations int32
	op := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&invocations, 1)
		return "delivered", nil
	}

	first, err := q.Enqueue(context.Background(), op, WithIdempotencyKey("hit-42"))
	if err != nil {
		t.Fatalf("first Enqueue() returned error: %v", err)
	}

	second, err := q.Enqueue(context.Background(), op, WithIdempotencyKey("hit-42"))
	if err != nil {
		t.Fatalf("second Enqueue() returned error: %v", err)
	}

	if first != second {
		t.Errorf("replayed outcome %v differs from original %v", second, first)
	}
	if got := atomic.LoadInt32(&invocations); got != 1 {
		t.Errorf("operation invoked %d times, want 1", got)
	}
	if stats := q.Stats(); stats.IdempotentHits != 1 {
		t.Errorf("IdempotentHits = %d, want 1", stats.IdempotentHits)
	}
}

func TestEnqueueCoalescesConcurrentKeys(t *testing.T) {
	q := NewRetryQueue(NewInMemoryIdempotencyStore(0))
	defer q.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	var invocations int32
	op := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&invocations, 1)
		close(started)
		<-gate
		return "once", nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = q.Enqueue(context.Background(), op, WithIdempotencyKey("same"))
	}()

	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = q.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
			t.Error("coalesced caller must not run its own operation")
			return nil, nil
		}, WithIdempotencyKey("same"))
	}()

	// Wait for the second caller to attach before releasing the operation.
	deadline := time.Now().Add(2 * time.Second)
	for q.Stats().Coalesced == 0 {
		if time.Now().After(deadline) {
			t.Fatal("second caller never coalesced")
		}
		time.Sleep(time.Millisecond)
	}
	close(gate)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Errorf("caller %d returned error: %v", i, errs[i])
		}
		if results[i] != "once" {
			t.Errorf("caller %d returned %v, want once", i, results[i])
		}
	}
	if got := atomic.LoadInt32(&invocations); got != 1 {
		t.Errorf("operation invoked %d times, want 1", got)
	}
}

func TestEnqueueRunsTasksInAdmissionOrder(t *testing.T) {
	q := NewRetryQueue(NewInMemoryIdempotencyStore(0))
	defer q.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var order []string

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
			close(started)
			<-gate
			return nil, nil
		})
	}()
	<-started

	enqueueNamed := func(name string, wantPending int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil, nil
			})
		}()
		deadline := time.Now().Add(2 * time.Second)
		for q.Stats().Pending < wantPending {
			if time.Now().After(deadline) {
				t.Fatalf("task %s never admitted", name)
			}
			time.Sleep(time.Millisecond)
		}
	}

	enqueueNamed("second", 1)
	enqueueNamed("third", 2)

	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "second" || order[1] != "third" {
		t.Errorf("execution order = %v, want [second third]", order)
	}
}

func TestEnqueueCallerAbandonsWorkContinues(t *testing.T) {
	store := NewInMemoryIdempotencyStore(0)
	q := NewRetryQueue(store)
	defer q.Close()

	started := make(chan struct{})
	gate := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, func(opCtx context.Context) (interface{}, error) {
			close(started)
			<-gate
			return "finished", nil
		}, WithIdempotencyKey("abandoned"))
		done <- err
	}()

	<-started
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Enqueue() returned %v, want context.Canceled", err)
	}

	close(gate)

	// The task keeps running; its outcome still lands in the store.
	deadline := time.Now().Add(2 * time.Second)
	for {
		record, found, err := store.Get(context.Background(), "abandoned")
		if err != nil {
			t.Fatalf("store.Get() returned error: %v", err)
		}
		if found {
			if record.Outcome != "finished" {
				t.Errorf("recorded outcome %v, want finished", record.Outcome)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("outcome never recorded after caller abandoned")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEnqueueStoreSetFailureStillResolvesSuccess(t *testing.T) {
	store := newFlakyStore()
	store.failSet = true
	q := NewRetryQueue(store)
	defer q.Close()

	outcome, err := q.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "sent", nil
	}, WithIdempotencyKey("record-lost"))

	if err != nil {
		t.Fatalf("Enqueue() returned error: %v", err)
	}
	if outcome != "sent" {
		t.Errorf("Enqueue() returned %v, want sent", outcome)
	}
	if stats := q.Stats(); stats.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", stats.Succeeded)
	}
}

func TestEnqueueStoreGetFailureDegradesToExecution(t *testing.T) {
	store := newFlakyStore()
	store.failGet = true
	q := NewRetryQueue(store)
	defer q.Close()

	var invocations int32
	outcome, err := q.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&invocations, 1)
		return "fresh", nil
	}, WithIdempotencyKey("unreadable"))

	if err != nil {
		t.Fatalf("Enqueue() returned error: %v", err)
	}
	if outcome != "fresh" {
		t.Errorf("Enqueue() returned %v, want fresh", outcome)
	}
	if got := atomic.LoadInt32(&invocations); got != 1 {
		t.Errorf("operation invoked %d times, want 1", got)
	}
}

func TestEnqueueKeyResetsAfterTerminalFailure(t *testing.T) {
	q := NewRetryQueue(NewInMemoryIdempotencyStore(0),
		WithQueueMaxRetries(1))
	defer q.Close()

	var invocations int32
	fail := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&invocations, 1)
		return nil, errors.New("down")
	}

	if _, err := q.Enqueue(context.Background(), fail, WithIdempotencyKey("retry-me")); err == nil {
		t.Fatal("first Enqueue() should have failed")
	}
	// Failures record nothing; a fresh submission starts over.
	if _, err := q.Enqueue(context.Background(), fail, WithIdempotencyKey("retry-me")); err == nil {
		t.Fatal("second Enqueue() should have failed")
	}

	if got := atomic.LoadInt32(&invocations); got != 2 {
		t.Errorf("operation invoked %d times, want 2", got)
	}
}

func TestCloseRejectsNewWork(t *testing.T) {
	q := NewRetryQueue(NewInMemoryIdempotencyStore(0))
	q.Close()

	_, err := q.Enqueue(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue() after Close returned %v, want ErrQueueClosed", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	q := NewRetryQueue(NewInMemoryIdempotencyStore(0))
	q.Close()
	q.Close()
}
