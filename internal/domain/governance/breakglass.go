package governance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alexedwards/argon2id"
)

// pinParams follows the OWASP minimum for Argon2id.
var pinParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Override is one break-glass grant: a salted PIN hash bound to a specific
// request id, consumable at most once before its expiry.
type Override struct {
	RequestID string    `json:"request_id"`
	PinHash   string    `json:"pin_hash"`
	ExpiresAt time.Time `json:"expires_at"`
	OneShot   bool      `json:"one_shot"`
	GrantedBy string    `json:"granted_by"`
	Consumed  bool      `json:"consumed"`
}

// HashPin returns the Argon2id PHC-format hash of a raw PIN.
func HashPin(pin string) (string, error) {
	return argon2id.CreateHash(pin, pinParams)
}

// BreakGlass manages break-glass overrides. Validation verifies the PIN
// against its salted hash (argon2id comparison is constant-time) and marks
// one-shot overrides consumed atomically under the store lock.
type BreakGlass struct {
	mu        sync.Mutex
	overrides map[string]*Override // request id → grant
	now       func() time.Time
}

// NewBreakGlass creates an empty break-glass store.
func NewBreakGlass() *BreakGlass {
	return &BreakGlass{
		overrides: make(map[string]*Override),
		now:       time.Now,
	}
}

// Grant mints an override for requestID with the given raw PIN and ttl.
// A fresh grant replaces any prior grant for the same request id.
func (b *BreakGlass) Grant(_ context.Context, requestID, pin, grantedBy string, ttl time.Duration) (*Override, error) {
	hash, err := HashPin(pin)
	if err != nil {
		return nil, fmt.Errorf("hash pin: %w", err)
	}
	o := &Override{
		RequestID: requestID,
		PinHash:   hash,
		ExpiresAt: b.now().Add(ttl),
		OneShot:   true,
		GrantedBy: grantedBy,
	}
	b.mu.Lock()
	b.overrides[requestID] = o
	b.mu.Unlock()
	return o, nil
}

// Validate checks a presented PIN against the grant for requestID without
// consuming it. Returns false for unknown, expired, or consumed grants.
func (b *BreakGlass) Validate(_ context.Context, requestID, pin string) bool {
	b.mu.Lock()
	o, ok := b.overrides[requestID]
	if !ok || o.Consumed || b.now().After(o.ExpiresAt) {
		b.mu.Unlock()
		return false
	}
	hash := o.PinHash
	b.mu.Unlock()

	// Verification runs outside the lock: argon2id hashing is deliberately slow.
	match, err := argon2id.ComparePasswordAndHash(pin, hash)
	return err == nil && match
}

// Consume marks the grant for requestID consumed. Returns false if the
// grant is missing, expired, or already consumed; the mark is atomic so two
// racing consumers cannot both succeed.
func (b *BreakGlass) Consume(_ context.Context, requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.overrides[requestID]
	if !ok || o.Consumed || b.now().After(o.ExpiresAt) {
		return false
	}
	o.Consumed = true
	return true
}

// Sweep removes expired grants and returns the number removed.
func (b *BreakGlass) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	now := b.now()
	for id, o := range b.overrides {
		if now.After(o.ExpiresAt) {
			delete(b.overrides, id)
			removed++
		}
	}
	return removed
}
