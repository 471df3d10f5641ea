// Package authmw maps bearer tokens to actors: a single tenant, or the
// superuser who may act on every tenant.
package authmw

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Actor is the authenticated caller.
type Actor struct {
	TenantID  string
	Superuser bool
}

// CanAccess reports whether the actor may touch tenantID's data.
func (a Actor) CanAccess(tenantID string) bool {
	return a.Superuser || (tenantID != "" && a.TenantID == tenantID)
}

type credential struct {
	token []byte
	actor Actor
}

// Tokens is the token table. Build it with NewTokens.
type Tokens struct {
	creds []credential
}

// NewTokens builds the token table from "tenant:token" pairs and an optional
// superuser token.
func NewTokens(tenantTokens []string, superuserToken string) (*Tokens, error) {
	t := &Tokens{}
	if superuserToken != "" {
		t.creds = append(t.creds, credential{token: []byte(superuserToken), actor: Actor{Superuser: true}})
	}
	for _, pair := range tenantTokens {
		tenantID, token, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || tenantID == "" || token == "" {
			return nil, fmt.Errorf("tenant token %q: want tenant:token", pair)
		}
		t.creds = append(t.creds, credential{token: []byte(token), actor: Actor{TenantID: tenantID}})
	}
	return t, nil
}

// Len returns the number of configured tokens.
func (t *Tokens) Len() int { return len(t.creds) }

// lookup compares got against every token so the time taken does not depend
// on which one matched.
func (t *Tokens) lookup(got []byte) (Actor, bool) {
	var (
		found Actor
		ok    bool
	)
	for _, c := range t.creds {
		if subtle.ConstantTimeCompare(got, c.token) == 1 && !ok {
			found, ok = c.actor, true
		}
	}
	return found, ok
}

type actorKey struct{}

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// BearerToken returns middleware that resolves the Authorization header to an
// Actor and stores it in the request context. Unknown tokens get a 401.
func BearerToken(tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			actor, ok := tokens.lookup([]byte(auth[len("Bearer "):]))
			if !ok {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
