// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with request_id fields.
type LoggerKey struct{}

// RequestIDKey is the context key type for the correlation id assigned to
// each inbound request and forwarded downstream as X-SARK-Request-ID.
type RequestIDKey struct{}

// PrincipalKey is the context key type for the authenticated principal.
type PrincipalKey struct{}
