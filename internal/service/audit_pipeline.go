// Package service wires the domain components into running services: the
// audit pipeline, capability discovery, tool invocation, and approvals.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sark-gateway/sark/internal/domain/audit"
)

// ErrBreakerOpen is returned by a sink send attempted while its circuit
// breaker is open.
var ErrBreakerOpen = errors.New("audit sink breaker open")

// SinkOptions tunes one sink's delivery chain. Zero values take defaults.
type SinkOptions struct {
	// BatchSize flushes a batch when it reaches this many events. Default 50.
	BatchSize int
	// BatchTimeout flushes a non-empty batch after this long. Default 2s.
	BatchTimeout time.Duration
	// SendTimeout bounds one delivery attempt. Default 10s.
	SendTimeout time.Duration
	// FailureThreshold opens the breaker after this many consecutive
	// failures. Default 5.
	FailureThreshold uint32
	// RecoveryTimeout is how long the breaker stays open before admitting a
	// single probe. Default 30s.
	RecoveryTimeout time.Duration
	// MaxRetries is the number of extra attempts for retryable failures.
	// Default 2.
	MaxRetries int
	// HealthInterval is the health monitor period. Default 30s.
	HealthInterval time.Duration
	// QueueSize bounds the sink's event queue. Default 1000.
	QueueSize int
}

func (o SinkOptions) withDefaults() SinkOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 2 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	return o
}

// sinkWorker owns one sink: a bounded queue, a batcher, a circuit breaker,
// and a health monitor. Single consumer per sink; Emit is the producer.
type sinkWorker struct {
	sink     audit.Sink
	opts     SinkOptions
	queue    chan audit.Event
	breaker  *gobreaker.CircuitBreaker
	fallback *FallbackWriter
	alerts   *AlertManager
	logger   *slog.Logger

	healthy atomic.Bool
	dropped *atomic.Int64
}

// Pipeline fans audit events out to the configured sinks. Emit never
// blocks: each sink has a bounded queue with a drop-oldest overflow policy.
type Pipeline struct {
	workers  []*sinkWorker
	fallback *FallbackWriter
	alerts   *AlertManager
	logger   *slog.Logger

	dropped atomic.Int64
	emitted atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPipeline creates a pipeline delivering to the given sinks. fallback
// may be nil (undeliverable events are then dropped with a counter).
func NewPipeline(sinks []audit.Sink, opts SinkOptions, fallback *FallbackWriter, alerts *AlertManager, logger *slog.Logger) *Pipeline {
	opts = opts.withDefaults()
	p := &Pipeline{
		fallback: fallback,
		alerts:   alerts,
		logger:   logger,
		stopped:  make(chan struct{}),
	}
	for _, s := range sinks {
		w := &sinkWorker{
			sink:     s,
			opts:     opts,
			queue:    make(chan audit.Event, opts.QueueSize),
			fallback: fallback,
			alerts:   alerts,
			logger:   logger.With("sink", s.Name()),
			dropped:  &p.dropped,
		}
		w.healthy.Store(true)
		w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "audit-sink-" + s.Name(),
			MaxRequests: 1, // single probe in half-open
			Timeout:     opts.RecoveryTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("audit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		})
		p.workers = append(p.workers, w)
	}
	return p
}

// Start launches one worker and one health monitor per sink.
func (p *Pipeline) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(2)
		go func(w *sinkWorker) {
			defer p.wg.Done()
			w.run(ctx)
		}(w)
		go func(w *sinkWorker) {
			defer p.wg.Done()
			w.monitorHealth(ctx, p.stopped)
		}(w)
	}
}

// Emit enqueues an event for every sink and returns immediately.
// A full queue drops the oldest queued event, never blocks the producer.
func (p *Pipeline) Emit(event audit.Event) {
	p.emitted.Add(1)
	for _, w := range p.workers {
		select {
		case w.queue <- event:
			continue
		default:
		}
		// Queue full: make room by discarding the oldest event.
		select {
		case <-w.queue:
			p.dropped.Add(1)
		default:
		}
		select {
		case w.queue <- event:
		default:
			p.dropped.Add(1)
		}
	}
}

// Stop drains every queue, flushes pending batches, and waits for workers.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		for _, w := range p.workers {
			close(w.queue)
		}
		p.wg.Wait()
		if p.fallback != nil {
			p.fallback.Close()
		}
	})
}

// Dropped returns the number of events lost to queue overflow.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }

// Emitted returns the number of events accepted by Emit.
func (p *Pipeline) Emitted() int64 { return p.emitted.Load() }

// SinkHealth reports each sink's monitor verdict.
func (p *Pipeline) SinkHealth() map[string]bool {
	out := make(map[string]bool, len(p.workers))
	for _, w := range p.workers {
		out[w.sink.Name()] = w.healthy.Load()
	}
	return out
}

// run is the per-sink consumer: it batches events and flushes on size or
// timeout, with a final drain on shutdown.
func (w *sinkWorker) run(ctx context.Context) {
	batch := make([]audit.Event, 0, w.opts.BatchSize)
	ticker := time.NewTicker(w.opts.BatchTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.deliver(batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-w.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= w.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain whatever was already enqueued, then flush.
			for {
				select {
				case ev, ok := <-w.queue:
					if !ok {
						flush()
						return
					}
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver pushes one batch through the breaker with classified retries,
// falling back to disk when the batch is undeliverable.
func (w *sinkWorker) deliver(batch []audit.Event) {
	attempts := w.opts.MaxRetries + 1
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt < attempts; attempt++ {
		err := w.send(batch)
		if err == nil {
			return
		}
		if errors.Is(err, ErrBreakerOpen) {
			w.toFallback(batch, audit.Classification{
				Category: audit.CategoryNetwork,
				Severity: audit.SeverityMedium,
				Strategy: audit.StrategyCircuitBreak,
			}, "breaker_open")
			return
		}

		c := audit.Classify(err)
		w.alerts.Record(SinkError{
			Sink:           w.sink.Name(),
			At:             time.Now(),
			Classification: c,
			Message:        string(c.Category),
		})
		w.logger.Warn("audit batch delivery failed",
			"attempt", attempt+1, "category", c.Category, "error", err)

		switch c.Strategy {
		case audit.StrategyRetry:
			if attempt < attempts-1 {
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			w.toFallback(batch, c, "retries_exhausted")
			return
		case audit.StrategySkip:
			// The batch will never become deliverable; drop it.
			w.dropped.Add(int64(len(batch)))
			return
		default:
			w.toFallback(batch, c, string(c.Strategy))
			return
		}
	}
}

// send runs one attempt through the circuit breaker.
func (w *sinkWorker) send(batch []audit.Event) error {
	_, err := w.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.SendTimeout)
		defer cancel()
		return nil, w.sink.Send(ctx, batch)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrBreakerOpen, w.sink.Name())
	}
	return err
}

// toFallback writes an undeliverable batch to disk.
func (w *sinkWorker) toFallback(batch []audit.Event, c audit.Classification, why string) {
	if w.fallback == nil {
		w.dropped.Add(int64(len(batch)))
		return
	}
	w.fallback.Write(batch)
	w.logger.Info("audit batch written to fallback",
		"events", len(batch), "category", c.Category, "reason", why)
}

// monitorHealth probes the sink periodically and flips the health flag
// after consecutive failures reach the breaker threshold.
func (w *sinkWorker) monitorHealth(ctx context.Context, stopped <-chan struct{}) {
	ticker := time.NewTicker(w.opts.HealthInterval)
	defer ticker.Stop()

	var consecutive uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopped:
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := w.sink.HealthCheck(probeCtx)
			cancel()
			if err != nil {
				consecutive++
				if consecutive >= w.opts.FailureThreshold {
					w.healthy.Store(false)
				}
				continue
			}
			consecutive = 0
			w.healthy.Store(true)
		}
	}
}

// Compile-time check: the pipeline is the gateway's audit emitter.
var _ audit.Emitter = (*Pipeline)(nil)
