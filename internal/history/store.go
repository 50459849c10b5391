// Package history stores resolved alerts.
package history

import (
	"errors"
	"sync"
	"time"

	"github.com/floodwatch/floodwatch/internal/types"
)

// ErrDuplicate is returned when a record for the same alert ID was already appended.
var ErrDuplicate = errors.New("history record already exists")

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	Severity types.Severity
	SensorID string
	Since    time.Time
	Limit    int
}

// Match reports whether rec passes the filter
func (f Filter) Match(rec types.HistoryRecord) bool {
	if f.Severity != "" && rec.Severity != f.Severity {
		return false
	}
	if f.SensorID != "" && rec.SensorID != f.SensorID {
		return false
	}
	if !f.Since.IsZero() && rec.RaisedAt.Before(f.Since) {
		return false
	}
	return true
}

// Store is an append-only record of resolved alerts.
type Store interface {
	// Append records a resolved alert. Appending the same alert ID twice
	// returns ErrDuplicate and leaves the store unchanged.
	Append(rec types.HistoryRecord) error
	// Query returns matching records newest-first.
	Query(f Filter) ([]types.HistoryRecord, error)
	// MaxID returns the highest alert ID appended or replayed. Prune does
	// not lower it. Alert numbering resumes after it.
	MaxID() uint64
	Close() error
}

// Pruner is implemented by stores that can evict records for a retention policy.
type Pruner interface {
	// Prune keeps at most maxRecords (0 means unlimited) and drops records
	// resolved before cutoff (zero means no age limit). It returns the number evicted.
	Prune(maxRecords int, cutoff time.Time) (int, error)
}

// MemoryStore keeps records in insertion order
type MemoryStore struct {
	mu      sync.RWMutex
	records []types.HistoryRecord
	seen    map[uint64]struct{}
	maxID   uint64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[uint64]struct{})}
}

func (s *MemoryStore) Append(rec types.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(rec)
}

func (s *MemoryStore) appendLocked(rec types.HistoryRecord) error {
	if _, ok := s.seen[rec.ID]; ok {
		return ErrDuplicate
	}
	s.seen[rec.ID] = struct{}{}
	s.records = append(s.records, cloneRecord(rec))
	if rec.ID > s.maxID {
		s.maxID = rec.ID
	}
	return nil
}

func (s *MemoryStore) MaxID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxID
}

func (s *MemoryStore) Query(f Filter) ([]types.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.HistoryRecord, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		if !f.Match(s.records[i]) {
			continue
		}
		out = append(out, cloneRecord(s.records[i]))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Prune evicts oldest records first. Evicted IDs stay known, so a late
// duplicate resolution is still rejected.
func (s *MemoryStore) Prune(maxRecords int, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(maxRecords, cutoff), nil
}

func (s *MemoryStore) pruneLocked(maxRecords int, cutoff time.Time) int {
	start := 0
	if !cutoff.IsZero() {
		for start < len(s.records) && resolvedAt(s.records[start]).Before(cutoff) {
			start++
		}
	}
	if maxRecords > 0 && len(s.records)-start > maxRecords {
		start = len(s.records) - maxRecords
	}
	if start == 0 {
		return 0
	}
	s.records = append([]types.HistoryRecord(nil), s.records[start:]...)
	return start
}

// Len returns the number of retained records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error { return nil }

func resolvedAt(rec types.HistoryRecord) time.Time {
	if rec.ResolvedAt != nil {
		return *rec.ResolvedAt
	}
	return rec.RaisedAt
}

func cloneRecord(rec types.HistoryRecord) types.HistoryRecord {
	return types.HistoryRecord{Alert: rec.Alert.Clone(), Duration: rec.Duration}
}
