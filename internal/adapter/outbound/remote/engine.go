// Package remote provides the RPC policy back-end: evaluations are posted
// as JSON to a sidecar policy service that answers with the shared result
// schema.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sark-gateway/sark/internal/domain/policy"
)

// defaultTimeout bounds one remote evaluation round trip.
const defaultTimeout = 15 * time.Second

// maxResponseBytes caps the sidecar response size.
const maxResponseBytes = 1 << 20

// Engine evaluates policies via a sidecar policy service.
type Engine struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Option configures the remote engine.
type Option func(*Engine)

// WithHTTPClient replaces the HTTP client (timeouts, transport).
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// NewEngine creates a client for the policy service at baseURL.
func NewEngine(baseURL string, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EngineID implements policy.Engine.
func (e *Engine) EngineID() string { return "remote" }

// Evaluate posts the input bundle to /v1/evaluate. Transport and decode
// failures return an error; the caller decides the fail-closed verdict.
func (e *Engine) Evaluate(ctx context.Context, input policy.Input) (policy.Result, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return policy.Result{}, fmt.Errorf("encode policy input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/v1/evaluate", bytes.NewReader(body))
	if err != nil {
		return policy.Result{}, fmt.Errorf("build policy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return policy.Result{}, fmt.Errorf("policy service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little for connection reuse, then fail.
		io.CopyN(io.Discard, resp.Body, 512)
		return policy.Result{}, fmt.Errorf("policy service returned status %d", resp.StatusCode)
	}

	var result policy.Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		return policy.Result{}, fmt.Errorf("decode policy result: %w", err)
	}
	return result, nil
}

// Healthy probes the sidecar's health endpoint.
func (e *Engine) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Compile-time check.
var _ policy.Engine = (*Engine)(nil)
