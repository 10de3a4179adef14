package service

import (
	"sync"
	"time"

	"github.com/sark-gateway/sark/internal/domain/audit"
)

// SinkError is one recorded delivery failure, kept in the recent-errors
// window consulted by alert predicates.
type SinkError struct {
	Sink           string
	At             time.Time
	Classification audit.Classification
	// Message is the stable error class, never the raw error text.
	Message string
}

// AlertPredicate inspects the recent-errors window and reports whether the
// alert should fire.
type AlertPredicate func(recent []SinkError) bool

// AlertCallback is invoked when a predicate fires.
type AlertCallback func(recent []SinkError)

// alertRule is one registered predicate with its cooldown bookkeeping.
type alertRule struct {
	name      string
	predicate AlertPredicate
	callback  AlertCallback
	cooldown  time.Duration
	lastFired time.Time
}

// AlertManager evaluates registered predicates over a bounded window of
// recent sink errors. Cooldowns prevent alert storms.
type AlertManager struct {
	mu         sync.Mutex
	rules      []*alertRule
	recent     []SinkError
	windowSize int
	now        func() time.Time
}

// NewAlertManager creates a manager keeping the last windowSize errors.
func NewAlertManager(windowSize int) *AlertManager {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &AlertManager{windowSize: windowSize, now: time.Now}
}

// Register adds a predicate with a cooldown between firings.
func (m *AlertManager) Register(name string, pred AlertPredicate, cb AlertCallback, cooldown time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, &alertRule{
		name: name, predicate: pred, callback: cb, cooldown: cooldown,
	})
}

// Record appends an error to the window and evaluates every rule.
// Callbacks run synchronously on the recording goroutine (the sink worker),
// so they must be fast.
func (m *AlertManager) Record(e SinkError) {
	m.mu.Lock()
	m.recent = append(m.recent, e)
	if len(m.recent) > m.windowSize {
		m.recent = m.recent[len(m.recent)-m.windowSize:]
	}
	window := make([]SinkError, len(m.recent))
	copy(window, m.recent)

	var fired []*alertRule
	now := m.now()
	for _, r := range m.rules {
		if r.cooldown > 0 && now.Sub(r.lastFired) < r.cooldown {
			continue
		}
		if r.predicate(window) {
			r.lastFired = now
			fired = append(fired, r)
		}
	}
	m.mu.Unlock()

	for _, r := range fired {
		r.callback(window)
	}
}

// Recent returns a copy of the error window.
func (m *AlertManager) Recent() []SinkError {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SinkError, len(m.recent))
	copy(out, m.recent)
	return out
}
