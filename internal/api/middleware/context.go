package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	principalKey     contextKey = "principal"
	principalSinkKey contextKey = "principal_sink"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Name      string
	KeyPrefix string
	Scopes    []string
}

// HasScope reports whether p may act with scope. admin implies every scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope || s == "admin" {
			return true
		}
	}
	return false
}

// SetPrincipal stores p in ctx and reports its name to the request logger.
func SetPrincipal(ctx context.Context, p Principal) context.Context {
	if sink, ok := ctx.Value(principalSinkKey).(*string); ok {
		*sink = p.Name
	}
	return context.WithValue(ctx, principalKey, p)
}

func withPrincipalSink(ctx context.Context, dst *string) context.Context {
	return context.WithValue(ctx, principalSinkKey, dst)
}

func GetPrincipal(r *http.Request) (Principal, bool) {
	p, ok := r.Context().Value(principalKey).(Principal)
	return p, ok
}

// PrincipalName returns the caller name recorded in audit fields, or
// "anonymous" when the request was not authenticated.
func PrincipalName(r *http.Request) string {
	if p, ok := GetPrincipal(r); ok && p.Name != "" {
		return p.Name
	}
	return "anonymous"
}
