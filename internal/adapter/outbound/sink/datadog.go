package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sark-gateway/sark/internal/domain/audit"
)

// DatadogConfig configures the Datadog logs intake sink.
type DatadogConfig struct {
	// URL is the logs intake endpoint,
	// e.g. https://http-intake.logs.datadoghq.com/api/v2/logs.
	URL string
	// APIKey is sent in the DD-API-KEY header.
	APIKey string
	// Service tags log entries (default "sark").
	Service string
	// Tags are extra ddtags, joined with commas.
	Tags []string
	// Timeout bounds one HTTP request (default 10s).
	Timeout time.Duration
	// Compress enables gzip for large payloads.
	Compress bool
}

// DatadogSink delivers audit events to the Datadog logs API, one JSON array
// per batch.
type DatadogSink struct {
	cfg    DatadogConfig
	tags   string
	client *http.Client
}

// ddEntry is the Datadog log entry wrapping one event.
type ddEntry struct {
	DDSource string `json:"ddsource"`
	DDTags   string `json:"ddtags,omitempty"`
	Service  string `json:"service"`
	Message  string `json:"message"`
	Status   string `json:"status,omitempty"`
}

// NewDatadogSink creates a Datadog logs sink.
func NewDatadogSink(cfg DatadogConfig) (*DatadogSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("datadog sink: url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("datadog sink: api key is required")
	}
	if cfg.Service == "" {
		cfg.Service = "sark"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &DatadogSink{
		cfg:    cfg,
		tags:   strings.Join(cfg.Tags, ","),
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name implements audit.Sink.
func (s *DatadogSink) Name() string { return "datadog" }

// Send implements audit.Sink.
func (s *DatadogSink) Send(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	entries := make([]ddEntry, 0, len(events))
	for _, ev := range events {
		msg, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		entries = append(entries, ddEntry{
			DDSource: "sark",
			DDTags:   s.tags,
			Service:  s.cfg.Service,
			Message:  string(msg),
			Status:   severityStatus(ev.Severity),
		})
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal datadog batch: %w", err)
	}

	encoding := ""
	if s.cfg.Compress {
		var gz bool
		payload, gz = maybeGzip(payload)
		if gz {
			encoding = "gzip"
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build datadog request: %w", err)
	}
	req.Header.Set("DD-API-KEY", s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("datadog request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("datadog returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// HealthCheck sends an empty batch, which the intake accepts as a no-op.
func (s *DatadogSink) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, strings.NewReader("[]"))
	if err != nil {
		return err
	}
	req.Header.Set("DD-API-KEY", s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("datadog health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("datadog health returned %d", resp.StatusCode)
	}
	return nil
}

// severityStatus maps audit severities onto Datadog log statuses.
func severityStatus(sev audit.Severity) string {
	switch sev {
	case audit.SeverityCritical:
		return "critical"
	case audit.SeverityHigh:
		return "error"
	case audit.SeverityMedium:
		return "warn"
	default:
		return "info"
	}
}

var _ audit.Sink = (*DatadogSink)(nil)
