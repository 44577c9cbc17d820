package middleware

import (
	"context"
	"net/http"
	"strings"

	"llm_router/internal/auth"
	"llm_router/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

// TenantClaimsKey is the context key for the verified tenant claims
const TenantClaimsKey ContextKey = "tenantClaims"

// TenantJWTMiddleware requires a valid tenant bearer token and stores its claims
// in the request context. An empty secret disables the check.
func TenantJWTMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(secret) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.Header.Get("Authorization")
			if tokenString == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}
			tokenString = strings.TrimPrefix(tokenString, "Bearer ")

			claims, err := auth.ValidateTenantJWT(tokenString, secret)
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), TenantClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTenantClaims retrieves the tenant claims from the request context
func GetTenantClaims(ctx context.Context) (*auth.TenantClaims, bool) {
	claims, ok := ctx.Value(TenantClaimsKey).(*auth.TenantClaims)
	return claims, ok
}

// TenantAllowed reports whether the caller may act for tenantID. Requests that
// went through no token check carry no claims and are allowed.
func TenantAllowed(ctx context.Context, tenantID string) bool {
	claims, ok := GetTenantClaims(ctx)
	if !ok {
		return true
	}
	return claims.TenantID == tenantID
}
