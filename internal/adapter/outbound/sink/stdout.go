package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sark-gateway/sark/internal/domain/audit"
)

// StdoutSink writes audit events as JSON Lines to a writer, one event per
// line. It is the default sink: single-node deployments collect audit
// records through the process log stream.
type StdoutSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdoutSink creates a sink writing to standard output.
func NewStdoutSink() *StdoutSink {
	return NewStdoutSinkTo(os.Stdout)
}

// NewStdoutSinkTo creates a sink writing to w.
func NewStdoutSinkTo(w io.Writer) *StdoutSink {
	return &StdoutSink{enc: json.NewEncoder(w)}
}

// Name implements audit.Sink.
func (s *StdoutSink) Name() string { return "stdout" }

// Send writes each event on its own line.
func (s *StdoutSink) Send(_ context.Context, events []audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if err := s.enc.Encode(ev); err != nil {
			return fmt.Errorf("encode audit event: %w", err)
		}
	}
	return nil
}

// HealthCheck implements audit.Sink.
func (s *StdoutSink) HealthCheck(context.Context) error { return nil }
