package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sark-gateway/sark/internal/domain/ratelimit"
)

// window holds the request timestamps for one identifier.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// RateLimiter is a per-process sliding-window limiter. Each identifier
// keeps a log of request times inside the window; stale identifiers are
// swept by a background goroutine.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*window

	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// LimiterOption configures the limiter.
type LimiterOption func(*RateLimiter)

// WithLimiterClock injects a clock, for tests.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

// NewRateLimiter creates the limiter and starts its cleanup goroutine.
// Call Close to stop it.
func NewRateLimiter(opts ...LimiterOption) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	l := &RateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.wg.Add(1)
	go l.cleanupLoop(ctx)
	return l
}

// Check implements ratelimit.Limiter. The in-memory store cannot fail, so
// the error is always nil.
func (l *RateLimiter) Check(_ context.Context, identifier string, limit ratelimit.Limit) (ratelimit.Info, error) {
	if limit.Max <= 0 {
		return ratelimit.Unlimited(), nil
	}
	if limit.Window <= 0 {
		limit.Window = ratelimit.DefaultWindow
	}

	w := l.windowFor(identifier)
	now := l.now()
	cutoff := now.Add(-limit.Window)

	w.mu.Lock()
	defer w.mu.Unlock()

	// Drop entries that slid out of the window.
	kept := w.stamps[:0]
	for _, s := range w.stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	w.stamps = kept

	info := ratelimit.Info{Limit: limit.Max}
	if len(w.stamps) >= limit.Max {
		oldest := w.stamps[0]
		reset := oldest.Add(limit.Window)
		info.Allowed = false
		info.Remaining = 0
		info.ResetAt = reset.Unix()
		info.RetryAfter = reset.Sub(now)
		if info.RetryAfter < 0 {
			info.RetryAfter = 0
		}
		return info, nil
	}

	w.stamps = append(w.stamps, now)
	info.Allowed = true
	info.Remaining = limit.Max - len(w.stamps)
	info.ResetAt = w.stamps[0].Add(limit.Window).Unix()
	return info, nil
}

// windowFor returns the identifier's window, creating it if needed.
func (l *RateLimiter) windowFor(identifier string) *window {
	l.mu.RLock()
	w, ok := l.windows[identifier]
	l.mu.RUnlock()
	if ok {
		return w
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[identifier]; ok {
		return w
	}
	w = &window{}
	l.windows[identifier] = w
	return w
}

// cleanupLoop drops identifiers whose whole log is stale, bounding memory
// under identifier churn.
func (l *RateLimiter) cleanupLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep removes identifiers with no activity in the last default window.
func (l *RateLimiter) sweep() {
	cutoff := l.now().Add(-ratelimit.DefaultWindow)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, w := range l.windows {
		w.mu.Lock()
		stale := len(w.stamps) == 0 || !w.stamps[len(w.stamps)-1].After(cutoff)
		w.mu.Unlock()
		if stale {
			delete(l.windows, id)
		}
	}
}

// Close stops the cleanup goroutine.
func (l *RateLimiter) Close() {
	l.cancel()
	l.wg.Wait()
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)
