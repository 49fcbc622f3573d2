package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/devicegate/devicegate/internal/service"
)

// AccessTokenParam carries the session token for clients that cannot set
// headers, such as browser WebSocket connections.
const AccessTokenParam = "access_token"

const adminSubject = "admin"

// Principal is an authenticated administrator session.
type Principal struct {
	Subject   string
	SessionID string
	Token     string
	ExpiresAt time.Time
}

func (p *Principal) IsAdmin() bool { return p != nil && p.Subject == adminSubject }

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the session attached by Authenticate, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// Authenticate requires a valid session token from the Authorization
// header or the access_token query parameter.
func Authenticate(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				token = r.URL.Query().Get(AccessTokenParam)
			}
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Authentication required. Provide a Bearer token.")
				return
			}

			p, err := authSvc.ValidateJWT(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid or expired session")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), &Principal{
				Subject:   p.Subject,
				SessionID: p.SessionID,
				Token:     token,
				ExpiresAt: p.ExpiresAt,
			})))
		})
	}
}

// BearerToken returns the token of an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequireAdmin rejects sessions that are not the administrator's. It runs
// after Authenticate.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !PrincipalFrom(r.Context()).IsAdmin() {
				writeError(w, http.StatusForbidden, "Admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
