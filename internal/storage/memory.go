package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore keeps records in insertion order. It also backs the file store.
type memoryStore struct {
	mu     sync.Mutex
	recs   []ExecutionRecord
	closed bool
}

// NewMemory returns a store that lives only as long as the process.
func NewMemory() Store { return &memoryStore{} }

func (s *memoryStore) prepare(rec *ExecutionRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now()
	}
	return nil
}

func (s *memoryStore) AppendExecution(_ context.Context, rec ExecutionRecord) error {
	if err := s.prepare(&rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memoryStore) ListExecutions(_ context.Context, q Query) ([]ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.listLocked(q), nil
}

func (s *memoryStore) listLocked(q Query) []ExecutionRecord {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	out := make([]ExecutionRecord, 0, min(limit, len(s.recs)))
	for i := len(s.recs) - 1; i >= 0; i-- {
		if q.TaskName == "" || s.recs[i].TaskName == q.TaskName {
			out = append(out, s.recs[i])
		}
	}
	newestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *memoryStore) DeleteExecutionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.deleteLocked(cutoff), nil
}

func (s *memoryStore) deleteLocked(cutoff time.Time) int64 {
	kept := s.recs[:0]
	var removed int64
	for _, r := range s.recs {
		if r.ExecutedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	clear(s.recs[len(kept):])
	s.recs = kept
	return removed
}

func (s *memoryStore) ExecutionStats(_ context.Context, taskName string) (ExecutionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ExecutionStats{}, ErrClosed
	}
	return statsOf(taskName, s.recs), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.recs = nil
	s.mu.Unlock()
	return nil
}
