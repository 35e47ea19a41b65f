package httputil

import (
	"context"
	"net/http"
	"strings"

	"github.com/bissquit/service-shop/internal/domain"
	"github.com/bissquit/service-shop/internal/pkg/ctxlog"
)

// RefreshTokenCookie is the name of the HttpOnly cookie carrying the refresh token.
const RefreshTokenCookie = "refresh_token"

// PasswordChangeRequiredMessage is returned while a provisioned account still uses its temporary password.
const PasswordChangeRequiredMessage = "password change required"

// CORSMiddleware creates CORS middleware that handles preflight requests
// and adds appropriate CORS headers to responses.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	originsSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Credentials are allowed so the refresh cookie reaches /auth/refresh.
			if origin != "" && (originsSet[origin] || originsSet["*"]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type contextKey string

const principalKey contextKey = "principal"

// TokenValidator resolves the principal of an access token.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*domain.Principal, error)
}

// AuthMiddleware authenticates requests with a bearer access token.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				Error(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
				Error(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			principal, err := validator.ValidateToken(r.Context(), strings.TrimSpace(token))
			if err != nil {
				ctxlog.FromContext(r.Context()).Debug("access token rejected", "error", err)
				Error(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := ctxlog.With(WithPrincipal(r.Context(), principal), "role", principal.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithPrincipal stores the authenticated principal in ctx.
func WithPrincipal(ctx context.Context, p *domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal extracts the authenticated principal from context, or nil.
func GetPrincipal(ctx context.Context) *domain.Principal {
	if p, ok := ctx.Value(principalKey).(*domain.Principal); ok {
		return p
	}
	return nil
}

// RoleCheckFunc decides whether the request in ctx may proceed. It returns
// domain.ErrUnauthenticated or an error matching domain.ErrAccessDenied on refusal.
type RoleCheckFunc func(ctx context.Context, message string, allowed ...domain.Role) error

// TokenRoleCheck checks the role claim of the validated access token.
func TokenRoleCheck(ctx context.Context, message string, allowed ...domain.Role) error {
	return domain.CheckRole(GetPrincipal(ctx), message, allowed...)
}

// RequireRole allows requests whose access token carries one of roles.
func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return RequireRoleWith(TokenRoleCheck, "", roles...)
}

// RequireRoleWith guards a route with check. An empty message uses the default access denied text.
func RequireRoleWith(check RoleCheckFunc, message string, roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := check(r.Context(), message, roles...); err != nil {
				HandleError(r.Context(), w, err, AccessErrorMappings)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePasswordChanged blocks accounts that still have to replace their temporary password.
func RequirePasswordChanged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := GetPrincipal(r.Context())
		if principal == nil {
			Error(w, http.StatusUnauthorized, domain.ErrUnauthenticated.Error())
			return
		}
		if principal.RequiresPasswordChange {
			Error(w, http.StatusForbidden, PasswordChangeRequiredMessage)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AccessErrorMappings maps guard refusals to HTTP responses.
var AccessErrorMappings = []ErrorMapping{
	{Error: domain.ErrUnauthenticated, Status: http.StatusUnauthorized},
	{Error: domain.ErrAccessDenied, Status: http.StatusForbidden},
}

