package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sark-gateway/sark/internal/domain/budget"
)

// LedgerStore keeps the append-only budget ledger in process memory.
type LedgerStore struct {
	mu      sync.RWMutex
	entries map[string][]budget.LedgerEntry
}

// NewLedgerStore creates an empty ledger.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{entries: make(map[string][]budget.LedgerEntry)}
}

// Append implements budget.LedgerStore.
func (s *LedgerStore) Append(_ context.Context, entry budget.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.PrincipalID] = append(s.entries[entry.PrincipalID], entry)
	return nil
}

// EntriesSince implements budget.LedgerStore.
func (s *LedgerStore) EntriesSince(_ context.Context, principalID string, since time.Time) ([]budget.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []budget.LedgerEntry
	for _, e := range s.entries[principalID] {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ budget.LedgerStore = (*LedgerStore)(nil)
