package nonce

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps nonce records in a mutex-guarded map. It favors clarity
// over performance and exists for tests and single-process development; a
// crash loses the at-most-once guarantee, so production uses the Postgres or
// Redis store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Nonce] = rec
	return nil
}

func (s *MemoryStore) Find(_ context.Context, nonce string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[nonce]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) MarkUsed(_ context.Context, nonce string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[nonce]
	if !ok {
		return ErrNotFound
	}
	if rec.Used || rec.Revoked {
		return ErrConsumed
	}
	rec.Used = true
	rec.UsedTS = now
	s.records[nonce] = rec
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[nonce]
	if !ok {
		return ErrNotFound
	}
	if rec.Used || rec.Revoked {
		return ErrConsumed
	}
	rec.Revoked = true
	s.records[nonce] = rec
	return nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, rec := range s.records {
		if now.After(rec.ExpiresTS) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Stats(_ context.Context, now time.Time) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Total: len(s.records)}
	for _, rec := range s.records {
		switch {
		case rec.Revoked:
			stats.Revoked++
		case rec.Used:
			stats.Used++
		case now.After(rec.ExpiresTS):
			stats.Expired++
		default:
			stats.Active++
		}
	}
	return stats, nil
}
