package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/cache"
)

// RecentSource exposes the most recent audit events, newest last. The file
// sink's in-memory ring satisfies it.
type RecentSource interface {
	Recent(n int) []audit.Event
}

// StatsService tracks runtime counters using lock-free atomics. It sits in
// the audit emit path: wrap the real emitter with Tee and every decision
// event updates the counters on its way through.
type StatsService struct {
	allowed     atomic.Int64
	denied      atomic.Int64
	rateLimited atomic.Int64
	errors      atomic.Int64
	invocations atomic.Int64

	mu         sync.Mutex
	bySource   map[string]int64
	byProtocol map[string]int64

	cache    *cache.DecisionCache
	pipeline *Pipeline
	recent   RecentSource
	started  time.Time
}

// NewStatsService creates a stats service. cache, pipeline, and recent are
// each optional; absent collaborators leave their snapshot section empty.
func NewStatsService(decisionCache *cache.DecisionCache, pipeline *Pipeline, recent RecentSource) *StatsService {
	return &StatsService{
		bySource:   make(map[string]int64),
		byProtocol: make(map[string]int64),
		cache:      decisionCache,
		pipeline:   pipeline,
		recent:     recent,
		started:    time.Now(),
	}
}

// Tee returns an emitter that updates the counters and forwards every event
// to next.
func (s *StatsService) Tee(next audit.Emitter) audit.Emitter {
	if next == nil {
		next = audit.NopEmitter{}
	}
	return teeEmitter{stats: s, next: next}
}

type teeEmitter struct {
	stats *StatsService
	next  audit.Emitter
}

func (t teeEmitter) Emit(e audit.Event) {
	t.stats.Observe(e)
	t.next.Emit(e)
}

// Observe updates the counters for one audit event.
func (s *StatsService) Observe(e audit.Event) {
	switch e.EventType {
	case audit.EventAuthzAllowed:
		s.allowed.Add(1)
		s.countSource(e)
	case audit.EventAuthzDenied:
		s.denied.Add(1)
		source := s.countSource(e)
		switch source {
		case string(authz.SourceRate):
			s.rateLimited.Add(1)
		case string(authz.SourceError):
			s.errors.Add(1)
		}
	case audit.EventToolInvoked:
		s.invocations.Add(1)
	}
}

func (s *StatsService) countSource(e audit.Event) string {
	source, _ := e.Details["source"].(string)
	if source == "" {
		return ""
	}
	s.mu.Lock()
	s.bySource[source]++
	s.mu.Unlock()
	return source
}

// RecordProtocol counts one invocation against a protocol. Empty names are
// skipped.
func (s *StatsService) RecordProtocol(protocol string) {
	if protocol == "" {
		return
	}
	s.mu.Lock()
	s.byProtocol[protocol]++
	s.mu.Unlock()
}

// AuditStats summarizes the audit pipeline's health.
type AuditStats struct {
	Emitted    int64           `json:"emitted"`
	Dropped    int64           `json:"dropped"`
	SinkHealth map[string]bool `json:"sink_health,omitempty"`
}

// Stats is a point-in-time snapshot. Counters are consistent individually,
// not across the whole snapshot.
type Stats struct {
	Allowed       int64            `json:"allowed"`
	Denied        int64            `json:"denied"`
	RateLimited   int64            `json:"rate_limited"`
	Errors        int64            `json:"errors"`
	Invocations   int64            `json:"invocations"`
	BySource      map[string]int64 `json:"by_source"`
	ByProtocol    map[string]int64 `json:"by_protocol"`
	Cache         *cache.Stats     `json:"cache,omitempty"`
	Audit         *AuditStats      `json:"audit,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Snapshot returns the current counters plus cache and audit pipeline state.
func (s *StatsService) Snapshot() Stats {
	s.mu.Lock()
	bySource := make(map[string]int64, len(s.bySource))
	for k, v := range s.bySource {
		bySource[k] = v
	}
	byProtocol := make(map[string]int64, len(s.byProtocol))
	for k, v := range s.byProtocol {
		byProtocol[k] = v
	}
	s.mu.Unlock()

	st := Stats{
		Allowed:       s.allowed.Load(),
		Denied:        s.denied.Load(),
		RateLimited:   s.rateLimited.Load(),
		Errors:        s.errors.Load(),
		Invocations:   s.invocations.Load(),
		BySource:      bySource,
		ByProtocol:    byProtocol,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.cache != nil {
		cs := s.cache.Stats()
		st.Cache = &cs
	}
	if s.pipeline != nil {
		st.Audit = &AuditStats{
			Emitted:    s.pipeline.Emitted(),
			Dropped:    s.pipeline.Dropped(),
			SinkHealth: s.pipeline.SinkHealth(),
		}
	}
	return st
}

// RecentEvents returns up to n recent audit events, newest last. Nil when
// no recent source is wired.
func (s *StatsService) RecentEvents(n int) []audit.Event {
	if s.recent == nil {
		return nil
	}
	return s.recent.Recent(n)
}

// Reset zeroes every counter.
func (s *StatsService) Reset() {
	s.allowed.Store(0)
	s.denied.Store(0)
	s.rateLimited.Store(0)
	s.errors.Store(0)
	s.invocations.Store(0)

	s.mu.Lock()
	s.bySource = make(map[string]int64)
	s.byProtocol = make(map[string]int64)
	s.mu.Unlock()
}
