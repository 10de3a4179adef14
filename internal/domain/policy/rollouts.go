package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sark-gateway/sark/internal/domain/authz"
)

// RolloutStatus is one feature's routing state.
type RolloutStatus struct {
	Feature  string `json:"feature"`
	Percent  int    `json:"percent"`
	Previous int    `json:"previous_percent"`
}

// Rollouts manages the rollout routers by feature flag and remembers each
// feature's previous percentage so a bad rollout can be reverted.
type Rollouts struct {
	mu       sync.Mutex
	routers  map[string]*Router
	previous map[string]int
}

// NewRollouts creates a manager over the given routers.
func NewRollouts(routers ...*Router) *Rollouts {
	s := &Rollouts{
		routers:  make(map[string]*Router, len(routers)),
		previous: make(map[string]int, len(routers)),
	}
	for _, r := range routers {
		s.routers[r.Feature()] = r
	}
	return s
}

// Set updates a feature's rollout percentage, recording the old value for
// Rollback.
func (s *Rollouts) Set(feature string, percent int) (RolloutStatus, error) {
	if percent < 0 || percent > 100 {
		return RolloutStatus{}, authz.NewError(authz.KindValidation,
			fmt.Sprintf("percentage %d out of range 0-100", percent))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routers[feature]
	if !ok {
		return RolloutStatus{}, authz.NewError(authz.KindNotFound,
			fmt.Sprintf("unknown rollout feature %q", feature))
	}
	s.previous[feature] = r.Percent()
	r.SetPercent(percent)
	return s.statusLocked(feature), nil
}

// Rollback reverts a feature to its previous percentage. A feature that was
// never Set reverts to zero.
func (s *Rollouts) Rollback(feature string) (RolloutStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routers[feature]
	if !ok {
		return RolloutStatus{}, authz.NewError(authz.KindNotFound,
			fmt.Sprintf("unknown rollout feature %q", feature))
	}
	prev := s.previous[feature]
	s.previous[feature] = r.Percent()
	r.SetPercent(prev)
	return s.statusLocked(feature), nil
}

// RollbackAll forces every feature to zero percent. Used during incidents to
// pin all traffic to the legacy engines at once.
func (s *Rollouts) RollbackAll() []RolloutStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RolloutStatus, 0, len(s.routers))
	for feature, r := range s.routers {
		s.previous[feature] = r.Percent()
		r.SetPercent(0)
		out = append(out, s.statusLocked(feature))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feature < out[j].Feature })
	return out
}

// Status reports every feature's current routing state.
func (s *Rollouts) Status() []RolloutStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RolloutStatus, 0, len(s.routers))
	for feature := range s.routers {
		out = append(out, s.statusLocked(feature))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feature < out[j].Feature })
	return out
}

func (s *Rollouts) statusLocked(feature string) RolloutStatus {
	return RolloutStatus{
		Feature:  feature,
		Percent:  s.routers[feature].Percent(),
		Previous: s.previous[feature],
	}
}
