package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexedwards/argon2id"

	"github.com/sark-gateway/sark/internal/domain/authz"
)

// Token lifetimes.
const (
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 24 * time.Hour
)

// Credentials are the raw login fields posted to an identity provider.
type Credentials map[string]string

// IdentityProvider authenticates a credential set against one identity
// backend (LDAP, SAML assertion exchange, OIDC code exchange, static).
type IdentityProvider interface {
	Name() string
	Authenticate(ctx context.Context, creds Credentials) (authz.Principal, error)
}

// StaticUser is one locally configured account.
type StaticUser struct {
	Username string
	// PasswordHash is an argon2id hash of the account password.
	PasswordHash string
	Principal    authz.Principal
}

// StaticProvider authenticates against configured accounts. It backs
// deployments without a directory and doubles as the test provider.
type StaticProvider struct {
	users map[string]StaticUser
}

// NewStaticProvider builds a provider over the given accounts.
func NewStaticProvider(users []StaticUser) *StaticProvider {
	m := make(map[string]StaticUser, len(users))
	for _, u := range users {
		m[u.Username] = u
	}
	return &StaticProvider{users: m}
}

// Name implements IdentityProvider.
func (p *StaticProvider) Name() string { return "static" }

// Authenticate verifies username/password credentials.
func (p *StaticProvider) Authenticate(_ context.Context, creds Credentials) (authz.Principal, error) {
	u, ok := p.users[creds["username"]]
	if !ok {
		return authz.Principal{}, authz.NewError(authz.KindUnauthenticated, "invalid credentials")
	}
	match, err := argon2id.ComparePasswordAndHash(creds["password"], u.PasswordHash)
	if err != nil || !match {
		return authz.Principal{}, authz.NewError(authz.KindUnauthenticated, "invalid credentials")
	}
	pr := u.Principal
	pr.Provider = p.Name()
	return pr, nil
}

// TokenPair is the login/refresh response payload.
type TokenPair struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    int64           `json:"expires_in"`
	User         authz.Principal `json:"user"`
}

// session is one issued token pair's server-side state.
type session struct {
	principal authz.Principal
	expiresAt time.Time
	// refreshOf links a refresh token back to its access token so a
	// refresh invalidates the whole pair.
	refreshOf string
}

// APIKeyEntry binds an argon2id-hashed API key to a principal.
type APIKeyEntry struct {
	// ID is a short public identifier, used as the lookup key.
	ID string
	// KeyHash is the argon2id hash of the full secret.
	KeyHash   string
	Principal authz.Principal
}

// TokenService issues and verifies opaque bearer tokens and API keys.
// Tokens are random, held server-side with their expiry; there is nothing
// to forge and revocation is a map delete.
type TokenService struct {
	mu        sync.Mutex
	providers map[string]IdentityProvider
	access    map[string]session
	refresh   map[string]session
	apiKeys   map[string]APIKeyEntry

	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// TokenOption configures the token service.
type TokenOption func(*TokenService)

// WithTokenTTLs overrides the access and refresh lifetimes.
func WithTokenTTLs(access, refresh time.Duration) TokenOption {
	return func(s *TokenService) {
		s.accessTTL = access
		s.refreshTTL = refresh
	}
}

// WithTokenClock injects a clock, for tests.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *TokenService) { s.now = now }
}

// NewTokenService creates the token service over the given identity
// providers and API keys.
func NewTokenService(providers []IdentityProvider, keys []APIKeyEntry, logger *slog.Logger, opts ...TokenOption) *TokenService {
	s := &TokenService{
		providers:  make(map[string]IdentityProvider, len(providers)),
		access:     make(map[string]session),
		refresh:    make(map[string]session),
		apiKeys:    make(map[string]APIKeyEntry, len(keys)),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		logger:     logger,
		now:        time.Now,
	}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}
	for _, k := range keys {
		s.apiKeys[k.ID] = k
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login authenticates against the named provider and issues a token pair.
func (s *TokenService) Login(ctx context.Context, provider string, creds Credentials) (TokenPair, error) {
	s.mu.Lock()
	p, ok := s.providers[provider]
	s.mu.Unlock()
	if !ok {
		return TokenPair{}, authz.NewError(authz.KindNotFound,
			fmt.Sprintf("unknown identity provider %q", provider))
	}
	principal, err := p.Authenticate(ctx, creds)
	if err != nil {
		return TokenPair{}, err
	}
	return s.issue(principal), nil
}

// Refresh exchanges a live refresh token for a new pair, invalidating the
// old one.
func (s *TokenService) Refresh(refreshToken string) (TokenPair, error) {
	s.mu.Lock()
	sess, ok := s.refresh[refreshToken]
	if !ok || s.now().After(sess.expiresAt) {
		delete(s.refresh, refreshToken)
		s.mu.Unlock()
		return TokenPair{}, authz.NewError(authz.KindUnauthenticated, "invalid refresh token")
	}
	delete(s.refresh, refreshToken)
	delete(s.access, sess.refreshOf)
	s.mu.Unlock()
	return s.issue(sess.principal), nil
}

// Authenticate resolves an access token to its principal.
func (s *TokenService) Authenticate(token string) (authz.Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.access[token]
	if !ok {
		return authz.Principal{}, false
	}
	if s.now().After(sess.expiresAt) {
		delete(s.access, token)
		return authz.Principal{}, false
	}
	return sess.principal, true
}

// VerifyAPIKey resolves an API key of the form "<id>.<secret>" to its
// principal.
func (s *TokenService) VerifyAPIKey(key string) (authz.Principal, bool) {
	id, secret, ok := splitAPIKey(key)
	if !ok {
		return authz.Principal{}, false
	}
	s.mu.Lock()
	entry, found := s.apiKeys[id]
	s.mu.Unlock()
	if !found {
		return authz.Principal{}, false
	}
	match, err := argon2id.ComparePasswordAndHash(secret, entry.KeyHash)
	if err != nil || !match {
		return authz.Principal{}, false
	}
	pr := entry.Principal
	pr.Provider = "apikey"
	return pr, true
}

// issue mints a fresh token pair for a principal.
func (s *TokenService) issue(principal authz.Principal) TokenPair {
	accessToken := randomToken()
	refreshToken := randomToken()
	now := s.now()

	s.mu.Lock()
	s.access[accessToken] = session{principal: principal, expiresAt: now.Add(s.accessTTL)}
	s.refresh[refreshToken] = session{
		principal: principal,
		expiresAt: now.Add(s.refreshTTL),
		refreshOf: accessToken,
	}
	s.sweepLocked(now)
	s.mu.Unlock()

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		User:         principal,
	}
}

// sweepLocked drops expired sessions. Called opportunistically on issue so
// the maps do not grow without bound.
func (s *TokenService) sweepLocked(now time.Time) {
	for t, sess := range s.access {
		if now.After(sess.expiresAt) {
			delete(s.access, t)
		}
	}
	for t, sess := range s.refresh {
		if now.After(sess.expiresAt) {
			delete(s.refresh, t)
		}
	}
}

func randomToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// splitAPIKey separates "<id>.<secret>".
func splitAPIKey(key string) (id, secret string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i], key[i+1:], i > 0 && i < len(key)-1
		}
	}
	return "", "", false
}
