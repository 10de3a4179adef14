package registry

import (
	"context"
	"strings"

	"github.com/sark-gateway/sark/internal/domain/authz"
)

// Query holds the AND-combined search predicates for a catalog listing.
// Zero-valued fields match everything.
type Query struct {
	Statuses      []Status
	Sensitivities []authz.Sensitivity
	TeamID        string
	OwnerID       string
	Tags          []string
	// MatchAllTags requires every tag to be present; otherwise any one
	// suffices.
	MatchAllTags bool
	// Search is matched case-insensitively against name and description.
	Search string
}

// Matches evaluates the predicates against one server. Store
// implementations without native filtering use this directly.
func (q Query) Matches(s *Server) bool {
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, s.Status) {
		return false
	}
	if len(q.Sensitivities) > 0 && !containsSensitivity(q.Sensitivities, s.Sensitivity) {
		return false
	}
	if q.TeamID != "" && !containsString(s.Teams, q.TeamID) {
		return false
	}
	if q.OwnerID != "" && s.OwnerID != q.OwnerID {
		return false
	}
	if len(q.Tags) > 0 {
		if q.MatchAllTags {
			for _, t := range q.Tags {
				if !containsString(s.Tags, t) {
					return false
				}
			}
		} else {
			any := false
			for _, t := range q.Tags {
				if containsString(s.Tags, t) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		}
	}
	if q.Search != "" {
		needle := strings.ToLower(q.Search)
		if !strings.Contains(strings.ToLower(s.Name), needle) &&
			!strings.Contains(strings.ToLower(s.Description), needle) {
			return false
		}
	}
	return true
}

func containsStatus(set []Status, v Status) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsSensitivity(set []authz.Sensitivity, v authz.Sensitivity) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Store is the registry persistence port. Implementations must return
// authz errors with KindNotFound for unknown ids.
type Store interface {
	CreateServer(ctx context.Context, s *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	UpdateServer(ctx context.Context, s *Server) error
	ListServers(ctx context.Context, q Query, p Page) (PageResult, error)

	CreateCapability(ctx context.Context, c *Capability) error
	GetCapability(ctx context.Context, id string) (*Capability, error)
	UpdateCapability(ctx context.Context, c *Capability) error
	ListCapabilities(ctx context.Context, serverID string) ([]Capability, error)
	ListAllCapabilities(ctx context.Context) ([]Capability, error)

	// WithinTx runs fn against a transactional view of the store.
	// An error from fn rolls back every write made inside it.
	WithinTx(ctx context.Context, fn func(Store) error) error
}
