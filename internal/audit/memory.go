package audit

import (
	"context"
	"sync"
	"time"

	"lv-closure/internal/model"
)

// MemoryStore is an in-process Store used in tests and local runs
// without a database. It enforces the same content-hash uniqueness as
// the table's constraint.
type MemoryStore struct {
	mu      sync.Mutex
	entries []model.AuditLogEntry
	hashes  map[string]struct{}
	nextID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hashes: make(map[string]struct{}), nextID: 1}
}

func (s *MemoryStore) Insert(ctx context.Context, entry model.AuditLogEntry) (*model.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[entry.ContentHash]; ok {
		return nil, nil
	}
	entry.ID = s.nextID
	s.nextID++
	entry.CreatedAt = time.Now().UTC()
	s.hashes[entry.ContentHash] = struct{}{}
	s.entries = append(s.entries, entry)
	out := entry
	return &out, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]model.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []model.AuditLogEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if f.AccountID != "" && e.AccountID != f.AccountID {
			continue
		}
		if f.UserID != "" && (e.UserID == nil || *e.UserID != f.UserID) {
			continue
		}
		if f.StepName != "" && e.StepName != f.StepName {
			continue
		}
		if f.Level != "" && e.Level != f.Level {
			continue
		}
		matched = append(matched, e)
	}
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultPageSize
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) Latest(ctx context.Context, accountID string) (*model.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].AccountID == accountID {
			e := s.entries[i]
			return &e, nil
		}
	}
	return nil, nil
}
