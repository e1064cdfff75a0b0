package usage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Record is one identity's consumption for one period.
type Record struct {
	SessionsUsed int
	MinutesUsed  float64
	UpdatedAt    time.Time
}

// Store persists usage records keyed by identity key and period. Missing
// records read as zero.
type Store interface {
	Get(ctx context.Context, key, period string) (Record, error)
	IncrementSessions(ctx context.Context, key, period string) (Record, error)
	// IncrementSessionsIfBelow increments only when SessionsUsed < limit,
	// atomically with respect to other callers. ok reports whether it did.
	IncrementSessionsIfBelow(ctx context.Context, key, period string, limit int) (rec Record, ok bool, err error)
	AddMinutes(ctx context.Context, key, period string, minutes float64) (Record, error)
	Reset(ctx context.Context, key, period string) error
}

var errEmptyKey = errors.New("usage: empty identity key")

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), now: time.Now}
}

func memKey(key, period string) string { return key + "|" + period }

func (s *MemoryStore) Get(_ context.Context, key, period string) (Record, error) {
	if key == "" {
		return Record{}, errEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[memKey(key, period)], nil
}

func (s *MemoryStore) IncrementSessions(_ context.Context, key, period string) (Record, error) {
	if key == "" {
		return Record{}, errEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(key, period)
	rec := s.records[k]
	rec.SessionsUsed++
	rec.UpdatedAt = s.now()
	s.records[k] = rec
	return rec, nil
}

func (s *MemoryStore) IncrementSessionsIfBelow(_ context.Context, key, period string, limit int) (Record, bool, error) {
	if key == "" {
		return Record{}, false, errEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(key, period)
	rec := s.records[k]
	if rec.SessionsUsed >= limit {
		return rec, false, nil
	}
	rec.SessionsUsed++
	rec.UpdatedAt = s.now()
	s.records[k] = rec
	return rec, true, nil
}

func (s *MemoryStore) AddMinutes(_ context.Context, key, period string, minutes float64) (Record, error) {
	if key == "" {
		return Record{}, errEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(key, period)
	rec := s.records[k]
	rec.MinutesUsed += minutes
	rec.UpdatedAt = s.now()
	s.records[k] = rec
	return rec, nil
}

func (s *MemoryStore) Reset(_ context.Context, key, period string) error {
	if key == "" {
		return errEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, memKey(key, period))
	return nil
}
