// Package registry owns the resource server and capability entities, the
// server status machine, and cursor pagination over the server catalog.
package registry

import (
	"fmt"
	"time"

	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/tool"
)

// Transport identifies how the gateway reaches a downstream server.
type Transport string

// Supported transports.
const (
	TransportHTTP     Transport = "http"
	TransportGRPC     Transport = "grpc"
	TransportDatabase Transport = "database"
	TransportStdio    Transport = "stdio"
)

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	switch t {
	case TransportHTTP, TransportGRPC, TransportDatabase, TransportStdio:
		return true
	}
	return false
}

// Status is a server's lifecycle state.
type Status string

// Server statuses.
const (
	StatusRegistered     Status = "registered"
	StatusActive         Status = "active"
	StatusInactive       Status = "inactive"
	StatusUnhealthy      Status = "unhealthy"
	StatusDecommissioned Status = "decommissioned"
)

// transitions lists the allowed next states per status. Decommissioned is
// terminal and reachable from anywhere.
var transitions = map[Status][]Status{
	StatusRegistered: {StatusActive},
	StatusActive:     {StatusInactive, StatusUnhealthy},
	StatusInactive:   {StatusActive},
	StatusUnhealthy:  {StatusActive},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRegistered, StatusActive, StatusInactive, StatusUnhealthy, StatusDecommissioned:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status machine allows s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	if next == StatusDecommissioned {
		return s != StatusDecommissioned
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Server is a registered downstream MCP endpoint.
type Server struct {
	ID          string            `json:"id" db:"id"`
	Name        string            `json:"name" db:"name"`
	Description string            `json:"description,omitempty" db:"description"`
	Transport   Transport         `json:"transport" db:"transport"`
	Endpoint    string            `json:"endpoint" db:"endpoint"`
	Sensitivity authz.Sensitivity `json:"sensitivity" db:"sensitivity"`
	OwnerID     string            `json:"owner_id" db:"owner_id"`
	Teams       []string          `json:"teams,omitempty" db:"-"`
	Tags        []string          `json:"tags,omitempty" db:"-"`
	Status      Status            `json:"status" db:"status"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// Capability is one operation exposed by a server.
type Capability struct {
	ID               string            `json:"id" db:"id"`
	ServerID         string            `json:"server_id" db:"server_id"`
	Name             string            `json:"name" db:"name"`
	Description      string            `json:"description,omitempty" db:"description"`
	InputSchema      map[string]any    `json:"input_schema,omitempty" db:"-"`
	Sensitivity      authz.Sensitivity `json:"sensitivity" db:"sensitivity"`
	Override         *tool.Override    `json:"sensitivity_override,omitempty" db:"-"`
	RequiresApproval bool              `json:"requires_approval" db:"requires_approval"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// Spec describes a server to register, including its declared capabilities.
type Spec struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Transport   Transport        `json:"transport"`
	Endpoint    string           `json:"endpoint"`
	OwnerID     string           `json:"owner_id"`
	Teams       []string         `json:"teams,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	Tools       []CapabilitySpec `json:"tools,omitempty"`
}

// CapabilitySpec describes one declared capability.
type CapabilitySpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	// SensitivityHint is a transport-derived floor; the classifier result
	// is raised to it when the hint is stricter.
	SensitivityHint authz.Sensitivity `json:"sensitivity_hint,omitempty"`
}

// Validate checks the spec's required fields.
func (s Spec) Validate() error {
	if s.Name == "" {
		return authz.NewError(authz.KindValidation, "server name is required")
	}
	if !s.Transport.Valid() {
		return authz.NewError(authz.KindValidation,
			fmt.Sprintf("unknown transport %q", s.Transport))
	}
	// Stdio servers are launched, and database servers are reached through
	// a pre-opened pool; only network transports need an endpoint.
	if (s.Transport == TransportHTTP || s.Transport == TransportGRPC) && s.Endpoint == "" {
		return authz.NewError(authz.KindValidation, "endpoint is required")
	}
	seen := make(map[string]bool, len(s.Tools))
	for _, t := range s.Tools {
		if t.Name == "" {
			return authz.NewError(authz.KindValidation, "tool name is required")
		}
		if seen[t.Name] {
			return authz.NewError(authz.KindValidation,
				fmt.Sprintf("duplicate tool name %q", t.Name))
		}
		seen[t.Name] = true
	}
	return nil
}
