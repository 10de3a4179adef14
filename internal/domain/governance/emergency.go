// Package governance implements the pre-policy predicates of the enforcement
// pipeline: the emergency switch, the static allowlist, break-glass override
// PINs, and time-of-day rules.
package governance

import (
	"sync"
	"time"
)

// EmergencyState is a snapshot of the emergency switch.
type EmergencyState struct {
	Active bool      `json:"active"`
	SetAt  time.Time `json:"set_at,omitempty"`
	SetBy  string    `json:"set_by,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// EmergencySwitch is the process-wide all-allow flag for incidents.
// When active, every request is allowed and tagged source=emergency;
// decisions continue to be audited.
type EmergencySwitch struct {
	mu    sync.RWMutex
	state EmergencyState
}

// NewEmergencySwitch creates an inactive switch.
func NewEmergencySwitch() *EmergencySwitch { return &EmergencySwitch{} }

// Active reports whether the switch is set.
func (s *EmergencySwitch) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Active
}

// Set activates or deactivates the switch, recording who and why.
func (s *EmergencySwitch) Set(active bool, setBy, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = EmergencyState{Active: active, SetAt: time.Now(), SetBy: setBy, Reason: reason}
}

// State returns a snapshot of the switch.
func (s *EmergencySwitch) State() EmergencyState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
