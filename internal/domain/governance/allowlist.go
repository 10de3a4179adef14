package governance

import (
	"net/netip"
	"sync"
)

// Allowlist is a set of principal ids and IP addresses/CIDRs whose
// membership grants a direct allow.
type Allowlist struct {
	mu         sync.RWMutex
	principals map[string]bool
	prefixes   []netip.Prefix
}

// NewAllowlist builds an allowlist from identifier strings. Entries that
// parse as CIDRs or IPs match by address; everything else matches by
// principal id. Invalid entries are ignored.
func NewAllowlist(entries []string) *Allowlist {
	a := &Allowlist{principals: make(map[string]bool)}
	for _, e := range entries {
		a.add(e)
	}
	return a
}

func (a *Allowlist) add(entry string) {
	if p, err := netip.ParsePrefix(entry); err == nil {
		a.prefixes = append(a.prefixes, p)
		return
	}
	if ip, err := netip.ParseAddr(entry); err == nil {
		bits := 32
		if ip.Is6() {
			bits = 128
		}
		a.prefixes = append(a.prefixes, netip.PrefixFrom(ip, bits))
		return
	}
	a.principals[entry] = true
}

// Add inserts an entry at runtime.
func (a *Allowlist) Add(entry string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.add(entry)
}

// Contains reports whether the principal id or client IP is allowlisted.
func (a *Allowlist) Contains(principalID, clientIP string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.principals[principalID] {
		return true
	}
	ip, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	for _, p := range a.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Empty reports whether the allowlist has no entries.
func (a *Allowlist) Empty() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.principals) == 0 && len(a.prefixes) == 0
}
