// ABOUTME: HTTP middleware for JWT authentication on API endpoints and socket upgrades
// ABOUTME: Extracts JWT from Authorization header (or ?token=) and adds principal to context

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ErrMissingToken is returned when a request carries no credentials.
var ErrMissingToken = errors.New("missing authorization token")

// extractToken returns the bearer token from the Authorization header, or the
// "token" query parameter for browser websocket upgrades that cannot set headers.
// Returns the token and an error message (empty if successful).
func extractToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, ""
		}
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// HTTPAuthMiddleware rejects requests without a valid token and attaches the
// AuthContext to the rest.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractToken(r)
			if errMsg != "" {
				writeJSONError(w, http.StatusUnauthorized, errMsg)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeJSONError(w, http.StatusUnauthorized, msg)
				return
			}

			authCtx := &AuthContext{PrincipalID: claims.Subject, Roles: claims.Roles}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires admin or owner role.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeJSONError(w, http.StatusUnauthorized, "not authenticated")
				return
			}

			if !authCtx.IsAdmin() {
				writeJSONError(w, http.StatusForbidden, "admin role required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Authenticator returns a function that resolves the principal of a socket
// upgrade request. Its signature matches hub.Authenticator.
func Authenticator(verifier TokenVerifier) func(*http.Request) (string, error) {
	return func(r *http.Request) (string, error) {
		token, errMsg := extractToken(r)
		if errMsg != "" {
			return "", ErrMissingToken
		}
		claims, err := verifier.Verify(token)
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	}
}
