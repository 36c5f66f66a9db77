package backend

import (
	"context"
	"net/http"
	"strings"

	"github.com/MrWong99/pitchpractice/internal/entitlement"
)

// Accounts maps bearer tokens to plan state. The reference backend has no
// billing integration; plans come from configuration.
type Accounts struct {
	// Default applies to requests without a known token.
	Default entitlement.Entitlement

	// Tokens maps a bearer token to its entitlement.
	Tokens map[string]entitlement.Entitlement

	// RequireToken rejects requests without a known token with 401 instead
	// of applying Default.
	RequireToken bool
}

// Lookup returns the entitlement for token and whether the token is known.
func (a Accounts) Lookup(token string) (entitlement.Entitlement, bool) {
	if token != "" {
		if e, ok := a.Tokens[token]; ok {
			return e, true
		}
	}
	e := a.Default
	if e.Plan == "" {
		e.Plan = entitlement.PlanFree
	}
	return e, false
}

type entitlementKey struct{}

// EntitlementFrom returns the caller's entitlement stored by the auth
// middleware.
func EntitlementFrom(ctx context.Context) entitlement.Entitlement {
	if e, ok := ctx.Value(entitlementKey{}).(entitlement.Entitlement); ok {
		return e
	}
	return entitlement.Entitlement{Plan: entitlement.PlanFree}
}

// authenticate resolves the bearer token to an entitlement.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accounts := s.accounts.Load()
		e, known := accounts.Lookup(bearerToken(r))
		if !known && accounts.RequireToken {
			w.Header().Set("WWW-Authenticate", `Bearer realm="pitchpractice"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "a valid bearer token is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), entitlementKey{}, e)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// capabilities resolves the caller's entitlement at the server clock's now.
func (s *Server) capabilities(ctx context.Context) entitlement.Capabilities {
	return entitlement.Resolve(EntitlementFrom(ctx), s.cfg.Clock.Now())
}
