// Package protocol contains the transport adapters that discover tools from
// heterogeneous backends and execute invocations against them. One adapter
// per transport; the enforcement layer selects by protocol name.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sark-gateway/sark/internal/domain/authz"
)

// Shared adapter limits. Individual adapters may tighten these via config.
const (
	DefaultCallTimeout     = 30 * time.Second
	DefaultMaxPayloadBytes = 10 << 20 // 10MB
)

// Limits bound every adapter call.
type Limits struct {
	// CallTimeout is the per-invocation deadline.
	CallTimeout time.Duration
	// MaxPayloadBytes caps request parameter and response body sizes.
	MaxPayloadBytes int64
}

// withDefaults fills zero fields.
func (l Limits) withDefaults() Limits {
	if l.CallTimeout <= 0 {
		l.CallTimeout = DefaultCallTimeout
	}
	if l.MaxPayloadBytes <= 0 {
		l.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return l
}

// ResourceSchema describes one discovered remote resource (an API, a gRPC
// service, a database table, an MCP server).
type ResourceSchema struct {
	Name     string         `json:"name"`
	Protocol string         `json:"protocol"`
	Endpoint string         `json:"endpoint,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CapabilitySchema describes one invocable operation on a resource,
// normalized across transports.
type CapabilitySchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	// SensitivityHint is the transport-derived classification hint; the
	// registry's classifier may override it.
	SensitivityHint authz.Sensitivity `json:"sensitivity_hint,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
}

// Invocation is one capability call.
type Invocation struct {
	// Capability names the operation, as returned by GetCapabilities.
	Capability string `json:"capability"`
	// Parameters are the call arguments.
	Parameters map[string]any `json:"parameters,omitempty"`
	// RequestID correlates the call with the authorization decision.
	RequestID string `json:"request_id,omitempty"`
}

// InvocationResult is the normalized outcome of one call.
type InvocationResult struct {
	Success  bool           `json:"success"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Duration time.Duration  `json:"duration_ms"`
}

// Adapter is the transport port. Implementations must be safe for
// concurrent use, enforce Limits on every call, and never block
// indefinitely on I/O.
type Adapter interface {
	// ProtocolName identifies the transport ("http", "grpc", "database", "mcp").
	ProtocolName() string
	// ProtocolVersion is the transport revision the adapter speaks.
	ProtocolVersion() string
	// DiscoverResources enumerates the remote endpoint's resources.
	DiscoverResources(ctx context.Context) ([]ResourceSchema, error)
	// GetCapabilities details the operations of one resource.
	GetCapabilities(ctx context.Context, resource string) ([]CapabilitySchema, error)
	// ValidateRequest performs protocol-level sanity checks before any I/O.
	ValidateRequest(inv Invocation) error
	// Invoke executes one call under the adapter's deadline.
	Invoke(ctx context.Context, inv Invocation) (InvocationResult, error)
	// HealthCheck probes the remote endpoint.
	HealthCheck(ctx context.Context) error
	// Close releases connections.
	Close() error
}

// BatchInvoker is implemented by adapters that support batched calls.
type BatchInvoker interface {
	InvokeBatch(ctx context.Context, invs []Invocation) []InvocationResult
}

// checkPayloadSize rejects parameter maps whose serialized form exceeds the
// limit. Returns the serialized bytes for reuse.
func checkPayloadSize(params map[string]any, max int64) ([]byte, error) {
	if params == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, authz.NewError(authz.KindValidation, fmt.Sprintf("parameters not serializable: %v", err))
	}
	if int64(len(data)) > max {
		return nil, authz.NewError(authz.KindValidation,
			fmt.Sprintf("payload %d bytes exceeds limit %d", len(data), max))
	}
	return data, nil
}

// Registry holds the configured adapters by name. Adapters register at
// startup; lookups at request time are read-only.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its protocol name. Later registrations
// replace earlier ones.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ProtocolName()] = a
}

// Lookup returns the adapter for a protocol name.
func (r *Registry) Lookup(protocol string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[protocol]
	if !ok {
		return nil, authz.NewError(authz.KindNotFound, fmt.Sprintf("no adapter for protocol %q", protocol))
	}
	return a, nil
}

// Protocols lists registered protocol names, sorted.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every registered adapter, returning the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, a := range r.adapters {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
