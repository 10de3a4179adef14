// Package memory provides in-memory implementations of the persistence
// ports: registry store, budget ledger, approval store, and a sliding-window
// rate limiter. Suitable for single-process deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/registry"
)

// RegistryStore keeps the server catalog in process memory.
type RegistryStore struct {
	mu           sync.RWMutex
	servers      map[string]registry.Server
	capabilities map[string]registry.Capability
	// byServer indexes capability ids by server id.
	byServer map[string][]string
}

// NewRegistryStore creates an empty catalog.
func NewRegistryStore() *RegistryStore {
	return &RegistryStore{
		servers:      make(map[string]registry.Server),
		capabilities: make(map[string]registry.Capability),
		byServer:     make(map[string][]string),
	}
}

// CreateServer implements registry.Store.
func (s *RegistryStore) CreateServer(_ context.Context, srv *registry.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.servers[srv.ID]; exists {
		return authz.NewError(authz.KindConflict, fmt.Sprintf("server %s already exists", srv.ID))
	}
	s.servers[srv.ID] = *srv
	return nil
}

// GetServer implements registry.Store.
func (s *RegistryStore) GetServer(_ context.Context, id string) (*registry.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, authz.NewError(authz.KindNotFound, fmt.Sprintf("server %s not found", id))
	}
	out := srv
	return &out, nil
}

// UpdateServer implements registry.Store.
func (s *RegistryStore) UpdateServer(_ context.Context, srv *registry.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[srv.ID]; !ok {
		return authz.NewError(authz.KindNotFound, fmt.Sprintf("server %s not found", srv.ID))
	}
	s.servers[srv.ID] = *srv
	return nil
}

// ListServers implements registry.Store with cursor pagination over a
// created_at ordering.
func (s *RegistryStore) ListServers(_ context.Context, q registry.Query, p registry.Page) (registry.PageResult, error) {
	p = p.Normalize()
	cur, err := registry.DecodeCursor(p.Cursor)
	if err != nil {
		return registry.PageResult{}, err
	}

	s.mu.RLock()
	matched := make([]registry.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		srv := srv
		if q.Matches(&srv) {
			matched = append(matched, srv)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if p.SortOrder == registry.SortAsc {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		if p.SortOrder == registry.SortAsc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	// Skip entries at or before the cursor position.
	start := 0
	if !cur.IsZero() {
		for i, srv := range matched {
			if srv.CreatedAt.Equal(cur.CreatedAt) && srv.ID == cur.LastID {
				start = i + 1
				break
			}
		}
	}

	var result registry.PageResult
	if p.IncludeTotal {
		total := int64(len(matched))
		result.Total = &total
	}

	end := start + p.Limit
	if end > len(matched) {
		end = len(matched)
	}
	result.Servers = matched[start:end]
	result.HasMore = end < len(matched)
	if result.HasMore && len(result.Servers) > 0 {
		last := result.Servers[len(result.Servers)-1]
		result.NextCursor = registry.Cursor{CreatedAt: last.CreatedAt, LastID: last.ID}.Encode()
	}
	return result, nil
}

// CreateCapability implements registry.Store.
func (s *RegistryStore) CreateCapability(_ context.Context, c *registry.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.capabilities[c.ID]; exists {
		return authz.NewError(authz.KindConflict, fmt.Sprintf("capability %s already exists", c.ID))
	}
	s.capabilities[c.ID] = *c
	s.byServer[c.ServerID] = append(s.byServer[c.ServerID], c.ID)
	return nil
}

// GetCapability implements registry.Store.
func (s *RegistryStore) GetCapability(_ context.Context, id string) (*registry.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.capabilities[id]
	if !ok {
		return nil, authz.NewError(authz.KindNotFound, fmt.Sprintf("capability %s not found", id))
	}
	out := c
	return &out, nil
}

// UpdateCapability implements registry.Store.
func (s *RegistryStore) UpdateCapability(_ context.Context, c *registry.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.capabilities[c.ID]; !ok {
		return authz.NewError(authz.KindNotFound, fmt.Sprintf("capability %s not found", c.ID))
	}
	s.capabilities[c.ID] = *c
	return nil
}

// ListCapabilities implements registry.Store.
func (s *RegistryStore) ListCapabilities(_ context.Context, serverID string) ([]registry.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byServer[serverID]
	out := make([]registry.Capability, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.capabilities[id])
	}
	return out, nil
}

// ListAllCapabilities implements registry.Store.
func (s *RegistryStore) ListAllCapabilities(_ context.Context) ([]registry.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]registry.Capability, 0, len(s.capabilities))
	for _, c := range s.capabilities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// WithinTx implements registry.Store by staging writes in a snapshot and
// swapping it in atomically when fn succeeds.
func (s *RegistryStore) WithinTx(ctx context.Context, fn func(registry.Store) error) error {
	s.mu.Lock()
	staged := &RegistryStore{
		servers:      make(map[string]registry.Server, len(s.servers)),
		capabilities: make(map[string]registry.Capability, len(s.capabilities)),
		byServer:     make(map[string][]string, len(s.byServer)),
	}
	for k, v := range s.servers {
		staged.servers[k] = v
	}
	for k, v := range s.capabilities {
		staged.capabilities[k] = v
	}
	for k, v := range s.byServer {
		staged.byServer[k] = append([]string(nil), v...)
	}
	s.mu.Unlock()

	if err := fn(staged); err != nil {
		return err
	}

	s.mu.Lock()
	s.servers = staged.servers
	s.capabilities = staged.capabilities
	s.byServer = staged.byServer
	s.mu.Unlock()
	return nil
}

var _ registry.Store = (*RegistryStore)(nil)
