package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// maxConsecutiveFailures is the number of back-to-back sweep panics after
// which the sweeper reports unhealthy.
const maxConsecutiveFailures = 3

// SweeperStats reports sweeper activity since start.
type SweeperStats struct {
	CleanupsRun    uint64
	EntriesRemoved uint64
	LastDuration   time.Duration
	Errors         uint64
}

// Sweeper periodically removes expired entries from a DecisionCache.
// It survives individual sweep failures and exposes a health predicate.
type Sweeper struct {
	cache    *DecisionCache
	interval time.Duration
	logger   *slog.Logger

	mu                  sync.Mutex
	stats               SweeperStats
	consecutiveFailures int
	running             bool

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewSweeper creates a sweeper for the given cache. A non-positive interval
// defaults to 60 seconds.
func NewSweeper(c *DecisionCache, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Sweeper{
		cache:    c,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start launches the background sweep goroutine. It stops when ctx is
// cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.markStopped()
				return
			case <-s.stopChan:
				s.markStopped()
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// sweep runs one cleanup pass, recording duration and recovering from panics
// so a single bad pass never kills the goroutine.
func (s *Sweeper) sweep() {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.stats.Errors++
			s.consecutiveFailures++
			s.mu.Unlock()
			s.logger.Error("cache sweep panicked", "panic", r)
		}
	}()

	removed := s.cache.CleanupExpired()

	s.mu.Lock()
	s.stats.CleanupsRun++
	s.stats.EntriesRemoved += uint64(removed)
	s.stats.LastDuration = time.Since(start)
	s.consecutiveFailures = 0
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("cache sweep completed",
			"removed", removed,
			"remaining", s.cache.Size(),
			"duration", time.Since(start))
	}
}

// Stop halts the sweeper and waits for the goroutine to exit.
// Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Sweeper) markStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Healthy reports whether the sweeper is running without repeated failures.
func (s *Sweeper) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.consecutiveFailures < maxConsecutiveFailures
}

// Stats returns a snapshot of sweeper counters.
func (s *Sweeper) Stats() SweeperStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
