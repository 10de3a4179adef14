package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sark-gateway/sark/internal/domain/approval"
	"github.com/sark-gateway/sark/internal/domain/authz"
)

// ApprovalStore keeps approval requests in process memory.
type ApprovalStore struct {
	mu       sync.RWMutex
	requests map[string]approval.Request
}

// NewApprovalStore creates an empty store.
func NewApprovalStore() *ApprovalStore {
	return &ApprovalStore{requests: make(map[string]approval.Request)}
}

// Create implements approval.Store.
func (s *ApprovalStore) Create(_ context.Context, r *approval.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[r.ID]; exists {
		return authz.NewError(authz.KindConflict, fmt.Sprintf("approval %s already exists", r.ID))
	}
	s.requests[r.ID] = *r
	return nil
}

// Get implements approval.Store.
func (s *ApprovalStore) Get(_ context.Context, id string) (*approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, authz.NewError(authz.KindNotFound, fmt.Sprintf("approval %s not found", id))
	}
	out := r
	return &out, nil
}

// Update implements approval.Store.
func (s *ApprovalStore) Update(_ context.Context, r *approval.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; !ok {
		return authz.NewError(authz.KindNotFound, fmt.Sprintf("approval %s not found", r.ID))
	}
	s.requests[r.ID] = *r
	return nil
}

// ListByStatus implements approval.Store.
func (s *ApprovalStore) ListByStatus(_ context.Context, status approval.State) ([]approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []approval.Request
	for _, r := range s.requests {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ approval.Store = (*ApprovalStore)(nil)
