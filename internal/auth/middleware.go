package auth

import (
	"errors"
	"net/http"
	"strings"
)

// BearerToken returns the credential of an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func extractClaims(r *http.Request) (*Claims, error) {
	token, ok := BearerToken(r)
	if !ok {
		return nil, errors.New("missing or malformed Authorization header")
	}
	return ValidateJWT(token)
}

func RequireRole(requiredRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := extractClaims(r)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if claims.Role != requiredRole {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func IsAdmin(next http.Handler) http.Handler {
	return RequireRole(RoleAdmin)(next)
}
