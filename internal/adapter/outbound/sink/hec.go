package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sark-gateway/sark/internal/domain/audit"
)

// HECConfig configures the Splunk HTTP Event Collector sink.
type HECConfig struct {
	// URL is the collector endpoint, e.g. https://splunk:8088/services/collector/event.
	URL string
	// Token is the HEC token sent in the Authorization header.
	Token string
	// Index is the target index (optional).
	Index string
	// SourceType defaults to "sark:audit".
	SourceType string
	// Source defaults to "sark".
	Source string
	// Timeout bounds one HTTP request (default 10s).
	Timeout time.Duration
	// Compress enables gzip for large payloads.
	Compress bool
}

// HECSink delivers audit events to Splunk HEC, one envelope per event,
// newline-concatenated in a single request per batch.
type HECSink struct {
	cfg    HECConfig
	client *http.Client
}

// hecEnvelope is the HEC wire format wrapping one event.
type hecEnvelope struct {
	Time       float64     `json:"time"`
	Source     string      `json:"source"`
	SourceType string      `json:"sourcetype"`
	Index      string      `json:"index,omitempty"`
	Host       string      `json:"host,omitempty"`
	Event      audit.Event `json:"event"`
}

// NewHECSink creates a Splunk HEC sink.
func NewHECSink(cfg HECConfig) (*HECSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("hec sink: url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("hec sink: token is required")
	}
	if cfg.SourceType == "" {
		cfg.SourceType = "sark:audit"
	}
	if cfg.Source == "" {
		cfg.Source = "sark"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HECSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name implements audit.Sink.
func (s *HECSink) Name() string { return "splunk_hec" }

// Send implements audit.Sink.
func (s *HECSink) Send(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, ev := range events {
		env := hecEnvelope{
			Time:       float64(ev.Timestamp.UnixMilli()) / 1000.0,
			Source:     s.cfg.Source,
			SourceType: s.cfg.SourceType,
			Index:      s.cfg.Index,
			Event:      ev,
		}
		if err := enc.Encode(env); err != nil {
			return fmt.Errorf("encode hec envelope: %w", err)
		}
	}

	payload := body.Bytes()
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
		return fmt.Errorf("build hec request: %w", err)
	}
	req.Header.Set("Authorization", "Splunk "+s.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("hec request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hec returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// HealthCheck probes the collector health endpoint when available and falls
// back to an empty POST otherwise.
func (s *HECSink) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.cfg.Token)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("hec health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("hec health returned %d", resp.StatusCode)
	}
	return nil
}

var _ audit.Sink = (*HECSink)(nil)
