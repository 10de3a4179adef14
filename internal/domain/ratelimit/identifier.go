package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Identifier classes, in precedence order.
const (
	ClassAPIKey = "api_key"
	ClassUser   = "user"
	ClassToken  = "token"
	ClassIP     = "ip"
)

// Identity describes the resolved rate-limit identity for one request.
type Identity struct {
	// Identifier is the full counter key, e.g. "user:u-42" or "ip:10.0.0.1".
	Identifier string
	// Class is the identifier class, which selects the limit.
	Class string
}

// DeriveIdentity resolves the rate-limit identifier for a request using the
// precedence: api key header, authenticated principal, bearer token hash,
// client IP. principalID is empty when the request is unauthenticated.
func DeriveIdentity(r *http.Request, principalID string) Identity {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return Identity{Identifier: ClassAPIKey + ":" + key, Class: ClassAPIKey}
	}

	bearer := bearerToken(r)
	if principalID != "" && bearer != "" {
		return Identity{Identifier: ClassUser + ":" + principalID, Class: ClassUser}
	}
	if bearer != "" {
		h := sha256.Sum256([]byte(bearer))
		return Identity{Identifier: ClassToken + ":" + hex.EncodeToString(h[:16]), Class: ClassToken}
	}
	if principalID != "" {
		return Identity{Identifier: ClassUser + ":" + principalID, Class: ClassUser}
	}
	return Identity{Identifier: ClassIP + ":" + ClientIP(r), Class: ClassIP}
}

// bearerToken extracts the bearer credential from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// ClientIP resolves the caller address: first X-Forwarded-For entry, then
// X-Real-IP, then the peer address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if i := strings.IndexByte(xff, ','); i >= 0 {
			first = xff[:i]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
