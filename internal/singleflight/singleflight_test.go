package singleflight

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	g := New()
	if g == nil {
		t.Fatal("New() returned nil")
	}
	if g.m == nil {
		t.Error("New() did not initialize map")
	}
}

func TestDo(t *testing.T) {
	g := New()

	val, err := g.Do("key1", func() (interface{}, error) {
		return "hello", nil
	})

	if err != nil {
		t.Errorf("Do() returned error: %v", err)
	}
	if val != "hello" {
		t.Errorf("Do() returned %v, want hello", val)
	}
}

func TestDoError(t *testing.T) {
	g := New()
	expectedErr := errors.New("test error")

	val, err := g.Do("key1", func() (interface{}, error) {
		return nil, expectedErr
	})

	if err != expectedErr {
		t.Errorf("Do() returned error %v, want %v", err, expectedErr)
	}
	if val != nil {
		t.Errorf("Do() returned %v, want nil", val)
	}
}

func TestDoDuplicateCalls(t *testing.T) {
	g := New()

	var callCount int
	var mu sync.Mutex

	fn := func() (interface{}, error) {
		mu.Lock()
		callCount++
		mu.Unlock()
		time.Sleep(10 * time.Millisecond) // Simulate work
		return "result", nil
	}

	const numCalls = 10
	var wg sync.WaitGroup
	results := make([]interface{}, numCalls)
	errs := make([]error, numCalls)

	for i := 0; i < numCalls; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			results[index], errs[index] = g.Do("same-key", fn)
		}(i)
	}

	wg.Wait()

	// Some goroutines may enter Do after the owner already finished and
	// start a fresh execution; what matters is that every caller got a
	// valid result and far fewer executions ran than callers.
	mu.Lock()
	if callCount < 1 || callCount >= numCalls {
		t.Errorf("Function called %d times, want coalescing below %d", callCount, numCalls)
	}
	mu.Unlock()

	for i, result := range results {
		if errs[i] != nil {
			t.Errorf("Call %d returned error: %v", i, errs[i])
		}
		if result != "result" {
			t.Errorf("Call %d returned %v, want result", i, result)
		}
	}
}

func TestDoForgetsCompletedKeys(t *testing.T) {
	g := New()

	calls := 0
	fn := func() (interface{}, error) {
		calls++
		return calls, nil
	}

	if val, _ := g.Do("key1", fn); val != 1 {
		t.Errorf("first Do() returned %v, want 1", val)
	}
	// Key is forgotten on completion; a later call must execute again.
	if val, _ := g.Do("key1", fn); val != 2 {
		t.Errorf("second Do() returned %v, want 2", val)
	}
}

func TestForget(t *testing.T) {
	g := New()

	_, _ = g.Do("key1", func() (interface{}, error) {
		return "value", nil
	})

	g.Forget("key1")

	val, err := g.Do("key1", func() (interface{}, error) {
		return "new-value", nil
	})

	if err != nil {
		t.Errorf("Do() after Forget returned error: %v", err)
	}
	if val != "new-value" {
		t.Errorf("Do() after Forget returned %v, want new-value", val)
	}
}

func BenchmarkDo(b *testing.B) {
	g := New()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = g.Do("bench-key", func() (interface{}, error) {
			return "result", nil
		})
	}
}
