package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sark-gateway/sark/internal/ctxkey"
	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/ratelimit"
)

// RequestIDHeader carries the correlation id on responses and downstream
// calls.
const RequestIDHeader = "X-SARK-Request-ID"

// requestID extracts or assigns the correlation id and enriches the
// request logger.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = r.Header.Get("X-Request-ID")
		}
		if id == "" {
			id = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, id)
		ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, s.logger.With("request_id", id))
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate resolves the caller's principal from an API key or bearer
// token and stores it in the context. Requests with neither, or with dead
// credentials, stop here.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-API-Key"); key != "" {
			principal, ok := s.tokens.VerifyAPIKey(key)
			if !ok {
				writeKindError(w, authz.KindUnauthenticated, "invalid api key")
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeKindError(w, authz.KindUnauthenticated, "missing credentials")
			return
		}
		principal, ok := s.tokens.Authenticate(token)
		if !ok {
			writeKindError(w, authz.KindUnauthenticated, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

// requireAdmin guards the admin subrouter.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := principalFrom(r.Context())
		if !principal.IsAdmin() {
			writeKindError(w, authz.KindForbiddenPolicy, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces the per-identifier sliding window and stamps the
// X-RateLimit-* headers on every response it sees. Limiter backend
// failures fail open.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limits.Enabled || s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		principal := principalFrom(r.Context())
		if s.limits.AdminBypass && principal.IsAdmin() {
			setRateHeaders(w, ratelimit.Unlimited())
			next.ServeHTTP(w, r)
			return
		}

		identity := ratelimit.DeriveIdentity(r, principal.ID)
		info, err := s.limiter.Check(r.Context(), identity.Identifier, s.limitForClass(identity.Class))
		if err != nil {
			s.logger.Warn("rate limiter unavailable, failing open",
				"identifier_class", identity.Class, "error", err)
			if s.metrics != nil {
				s.metrics.LimiterFailures.Inc()
			}
			next.ServeHTTP(w, r)
			return
		}

		setRateHeaders(w, info)
		if !info.Allowed {
			if s.metrics != nil {
				s.metrics.RateLimited.Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(info.RetryAfter.Seconds()+0.5)))
			writeKindError(w, authz.KindRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitForClass selects the configured limit for an identifier class.
// Token-class identifiers (bearer without a resolved principal) share the
// user budget.
func (s *Server) limitForClass(class string) ratelimit.Limit {
	switch class {
	case ratelimit.ClassAPIKey:
		return s.limits.APIKey
	case ratelimit.ClassUser, ratelimit.ClassToken:
		return s.limits.User
	default:
		return s.limits.IP
	}
}

func setRateHeaders(w http.ResponseWriter, info ratelimit.Info) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	if info.ResetAt > 0 {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt, 10))
	}
}

// instrument records the request counter and latency histogram.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.metrics.Requests.WithLabelValues(route, r.Method, statusClass(rec.status)).Inc()
		s.metrics.Duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}

// bearerToken extracts the bearer credential, if any.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// withPrincipal stores the authenticated principal in the context.
func withPrincipal(ctx context.Context, p authz.Principal) context.Context {
	return context.WithValue(ctx, ctxkey.PrincipalKey{}, p)
}

// principalFrom reads the authenticated principal. The zero principal
// means unauthenticated.
func principalFrom(ctx context.Context) authz.Principal {
	if p, ok := ctx.Value(ctxkey.PrincipalKey{}).(authz.Principal); ok {
		return p
	}
	return authz.Principal{}
}

// requestIDFrom reads the correlation id assigned by the middleware.
func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxkey.RequestIDKey{}).(string); ok {
		return id
	}
	return ""
}
