// Package locks provides the workflow lock store consumed by the engine.
// A lock is keyed by (session, run id, name); a live record blocks acquisition
// of the same name, an expired one is reclaimed by the next observer, and all
// records of a run are released in bulk when the run ends, regardless of
// outcome. The engine never renews a lock; the TTL is fixed.
package locks

import (
	"context"
	"sync"
	"time"
)

// TTL is the fixed lifetime of a lock record. The engine never renews it;
// a crashed run's locks become reclaimable once the TTL elapses.
const TTL = 10 * time.Minute

// Store is the mutual-exclusion contract consumed by the workflow engine.
type Store interface {
	// IsLocked reports whether a live lock record exists for the given name.
	// An expired record is reclaimed and reported as unlocked.
	IsLocked(ctx context.Context, name string) (bool, error)

	// CreateLock records a lock owned by (session, runID) for the given name
	CreateLock(ctx context.Context, session, runID, name string) error

	// ReleaseLocks deletes all lock records owned by (session, runID).
	// Called unconditionally at run end.
	ReleaseLocks(ctx context.Context, session, runID string) error
}

type memoryRecord struct {
	session string
	runID   string
	expires time.Time
}

// MemoryStore is an in-process Store implementation. It satisfies the same
// contract as the SQLite store and is primarily useful in tests and examples.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory lock store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
}

// IsLocked reports whether a live record exists for name, reclaiming an
// expired one as a side effect.
func (s *MemoryStore) IsLocked(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return false, nil
	}
	if s.now().After(rec.expires) {
		delete(s.records, name)
		return false, nil
	}
	return true, nil
}

// CreateLock records a lock for name owned by (session, runID)
func (s *MemoryStore) CreateLock(ctx context.Context, session, runID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = memoryRecord{
		session: session,
		runID:   runID,
		expires: s.now().Add(TTL),
	}
	return nil
}

// ReleaseLocks deletes every record owned by (session, runID)
func (s *MemoryStore) ReleaseLocks(ctx context.Context, session, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, rec := range s.records {
		if rec.session == session && rec.runID == runID {
			delete(s.records, name)
		}
	}
	return nil
}
