// internal/idempotency/store.go
// Package idempotency makes mutating ledger routes safe to retry. A client
// sends an Idempotency-Key header; the first request with that key is
// executed and its response stored, later requests with the same key and
// body get the stored response back.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrKeyInUse means the key is reserved by a request that has not finished.
	ErrKeyInUse = errors.New("idempotency key is in use")
	// ErrKeyNotReserved is returned by Complete for an unknown or expired key.
	ErrKeyNotReserved = errors.New("idempotency key is not reserved")
)

// Record is the stored state of one key.
type Record struct {
	Key          string `json:"key"`
	RequestHash  string `json:"request_hash"`
	Completed    bool   `json:"completed"`
	ResponseCode int    `json:"response_code,omitempty"`
	ResponseBody []byte `json:"response_body,omitempty"`
}

// Store persists idempotency records.
type Store interface {
	// Get returns the record for key, or nil if there is none.
	Get(ctx context.Context, key string) (*Record, error)
	// Reserve claims key for a request body hash. It fails with ErrKeyInUse
	// if the key already exists.
	Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) error
	// Complete stores the response of a reserved key.
	Complete(ctx context.Context, key string, code int, body []byte, ttl time.Duration) error
	// Release drops a reservation so the request can be retried.
	Release(ctx context.Context, key string) error
}

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

// MemoryStore keeps records in process memory. Used when no Redis is configured.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]memoryEntry
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]memoryEntry{}, now: time.Now}
}

func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	row, ok := s.rows[key]
	if !ok {
		return memoryEntry{}, false
	}
	if s.now().After(row.expiresAt) {
		delete(s.rows, key)
		return memoryEntry{}, false
	}
	return row, true
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	c := row.record
	c.ResponseBody = append([]byte(nil), row.record.ResponseBody...)
	return &c, nil
}

func (s *MemoryStore) Reserve(_ context.Context, key, requestHash string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return ErrKeyInUse
	}
	s.rows[key] = memoryEntry{
		record:    Record{Key: key, RequestHash: requestHash},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, code int, body []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.live(key)
	if !ok {
		return ErrKeyNotReserved
	}
	row.record.Completed = true
	row.record.ResponseCode = code
	row.record.ResponseBody = append([]byte(nil), body...)
	row.expiresAt = s.now().Add(ttl)
	s.rows[key] = row
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key)
	return nil
}
