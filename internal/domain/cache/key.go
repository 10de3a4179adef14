package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Key builds the decision cache key for a (principal, action, resource,
// context) tuple. Layout:
//
//	policy:decision:{principal}:{action}:{resource-sanitized}:{sha256(ctx)[0:16]}
//
// The context hash is computed over a canonical serialization with sorted
// keys so that logically equal contexts always produce the same key.
func Key(principalID, action, resourceID string, reqCtx map[string]any) string {
	return fmt.Sprintf("policy:decision:%s:%s:%s:%s",
		principalID, action, sanitizeResource(resourceID), ContextHash(reqCtx))
}

// KeyPrefix returns the invalidation prefix covering every cached decision
// for the given principal.
func KeyPrefix(principalID string) string {
	return "policy:decision:" + principalID + ":"
}

// sanitizeResource strips characters that would collide with the key's
// delimiter or make keys unprintable.
func sanitizeResource(resourceID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, resourceID)
}

// ContextHash returns the first 16 hex characters of the SHA-256 of the
// canonical (sorted-key) JSON serialization of ctx.
func ContextHash(reqCtx map[string]any) string {
	h := sha256.Sum256([]byte(canonicalJSON(reqCtx)))
	return hex.EncodeToString(h[:])[:16]
}

// canonicalJSON serializes a value deterministically: map keys are emitted
// in sorted order at every nesting level.
func canonicalJSON(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kj, _ := json.Marshal(k)
			b.Write(kj)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		j, err := json.Marshal(t)
		if err != nil {
			// Unserializable values collapse to their Go string form; the
			// hash only needs to be deterministic, not reversible.
			j, _ = json.Marshal(fmt.Sprintf("%v", t))
		}
		b.Write(j)
	}
}
