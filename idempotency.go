package opalmind

import (
	"context"
	"sync"
	"time"
)

// IdempotencyRecord is the persisted outcome of a successfully completed
// queued write. Records are created once, never mutated, and replayed
// verbatim for every later lookup under the same key until retention
// expires them.
type IdempotencyRecord struct {
	Key          string
	Outcome      interface{}
	AttemptCount int
	CompletedAt  time.Time
}

// IdempotencyStore persists completed outcomes keyed by idempotency key.
// Same-key writes are already serialized by the RetryQueue's single-flight
// discipline; implementations only need per-key atomicity for Get vs Set.
type IdempotencyStore interface {
	// Get returns the record for key, or found=false when absent.
	Get(ctx context.Context, key string) (*IdempotencyRecord, bool, error)

	// Set persists a completed record. Overwrites are not expected in normal
	// operation but must be tolerated.
	Set(ctx context.Context, record *IdempotencyRecord) error
}

type memIdemEntry struct {
	record    IdempotencyRecord
	expiresAt time.Time
}

// InMemoryIdempotencyStore is the volatile default store. Expired records
// are dropped lazily on lookup; no background sweep runs.
type InMemoryIdempotencyStore struct {
	mu        sync.RWMutex
	store     map[string]memIdemEntry
	retention time.Duration
}

// NewInMemoryIdempotencyStore creates an in-memory store keeping records for
// the given retention. A non-positive retention keeps records for the
// process lifetime.
func NewInMemoryIdempotencyStore(retention time.Duration) *InMemoryIdempotencyStore {
	return &InMemoryIdempotencyStore{
		store:     make(map[string]memIdemEntry),
		retention: retention,
	}
}

// Get implements IdempotencyStore. The returned record is a copy; callers
// can hold it without racing later writes.
func (s *InMemoryIdempotencyStore) Get(ctx context.Context, key string) (*IdempotencyRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	entry, exists := s.store[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if !entry.expiresAt.IsZero() && !time.Now().Before(entry.expiresAt) {
		s.mu.Lock()
		if current, ok := s.store[key]; ok && current.expiresAt.Equal(entry.expiresAt) {
			delete(s.store, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}

	record := entry.record
	return &record, true, nil
}

// Set implements IdempotencyStore.
func (s *InMemoryIdempotencyStore) Set(ctx context.Context, record *IdempotencyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := memIdemEntry{record: *record}
	if s.retention > 0 {
		entry.expiresAt = time.Now().Add(s.retention)
	}

	s.mu.Lock()
	s.store[record.Key] = entry
	s.mu.Unlock()
	return nil
}

// Len reports the number of live records, counting not-yet-evicted expired
// ones. Intended for tests and operator snapshots.
func (s *InMemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.store)
}

// Clear drops all records.
func (s *InMemoryIdempotencyStore) Clear() {
	s.mu.Lock()
	s.store = make(map[string]memIdemEntry)
	s.mu.Unlock()
}
