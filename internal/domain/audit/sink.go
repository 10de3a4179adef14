package audit

import "context"

// Sink is one external audit destination (SIEM, log service, file).
// Send delivers a batch in the sink's native envelope; implementations must
// honor the context deadline and be safe for use from a single worker
// goroutine per sink.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Send delivers a batch of events.
	Send(ctx context.Context, events []Event) error
	// HealthCheck probes the destination.
	HealthCheck(ctx context.Context) error
}

// Emitter is the inbound port the rest of the gateway uses to record audit
// events. Emit must return as soon as the event is enqueued.
type Emitter interface {
	Emit(event Event)
}

// NopEmitter discards every event. Used in tests and when auditing is
// disabled.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}

var _ Emitter = NopEmitter{}
