package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry hands out per-account recorders with a bounded lifetime.
// Recorders are cached while a closure is being driven and evicted
// after sitting idle, so the cache cannot grow with account history.
type Registry struct {
	store   Store
	log     *zap.Logger
	maxIdle time.Duration

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	recorder *Recorder
	lastUsed time.Time
}

func NewRegistry(store Store, log *zap.Logger) *Registry {
	return &Registry{
		store:   store,
		log:     log,
		maxIdle: 30 * time.Minute,
		entries: make(map[string]*registryEntry),
	}
}

// For returns the recorder for an account, creating it on first use.
// The userID is attached to entries for user-scoped reads; a later call
// with a non-empty userID upgrades a recorder created without one.
func (r *Registry) For(accountID, userID string) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[accountID]
	if ok {
		e.lastUsed = time.Now()
		if userID != "" && e.recorder.userID == "" {
			e.recorder.userID = userID
		}
		return e.recorder
	}
	rec := &Recorder{
		accountID: accountID,
		userID:    userID,
		store:     r.store,
		log:       r.log,
	}
	r.entries[accountID] = &registryEntry{recorder: rec, lastUsed: time.Now()}
	return rec
}

// Release drops the cached recorder once a closure run has finished.
func (r *Registry) Release(accountID string) {
	r.mu.Lock()
	delete(r.entries, accountID)
	r.mu.Unlock()
}

// StartPruner evicts idle recorders in the background until ctx ends.
func (r *Registry) StartPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.prune()
			}
		}
	}()
}

func (r *Registry) prune() {
	cutoff := time.Now().Add(-r.maxIdle)
	r.mu.Lock()
	for id, e := range r.entries {
		if e.lastUsed.Before(cutoff) {
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()
}

// size is test visibility into the cache.
func (r *Registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
