// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, the admin gate and the socket authenticator

package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okHandler(got **AuthContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			*got = FromContext(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("user-123", []string{"member"}, time.Hour)

	var gotAuthCtx *AuthContext
	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(verifier)(okHandler(&gotAuthCtx)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if gotAuthCtx == nil || gotAuthCtx.PrincipalID != "user-123" {
		t.Fatalf("AuthContext = %+v, want principal user-123", gotAuthCtx)
	}
}

func TestHTTPAuthMiddleware_QueryToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("user-123", nil, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(verifier)(okHandler(nil)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	verifier := newTestVerifier(t)
	expired, _ := verifier.Generate("user-123", nil, -time.Minute)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"missing header", "", "missing authorization header"},
		{"wrong scheme", "Basic abc", "invalid authorization header format"},
		{"empty bearer", "Bearer ", "empty token"},
		{"garbage", "Bearer nope", "invalid token"},
		{"expired", "Bearer " + expired, "token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			HTTPAuthMiddleware(verifier)(okHandler(nil)).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantMsg)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
		})
	}
}

func TestRequireAdminHTTP(t *testing.T) {
	verifier := newTestVerifier(t)
	admin, _ := verifier.Generate("root", []string{"admin"}, time.Hour)
	member, _ := verifier.Generate("user1", []string{"member"}, time.Hour)

	handler := HTTPAuthMiddleware(verifier)(RequireAdminHTTP()(okHandler(nil)))

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"admin", admin, http.StatusOK},
		{"member", member, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/servers", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	RequireAdminHTTP()(okHandler(nil)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("without auth: status = %d, want 401", rec.Code)
	}
}

func TestAuthenticator(t *testing.T) {
	verifier := newTestVerifier(t)
	authenticate := Authenticator(verifier)
	token, _ := verifier.Generate("user1", nil, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/socket.io/?EIO=4&transport=websocket&token="+token, nil)
	got, err := authenticate(req)
	if err != nil {
		t.Fatalf("authenticate() error = %v", err)
	}
	if got != "user1" {
		t.Errorf("principal = %q, want user1", got)
	}

	_, err = authenticate(httptest.NewRequest(http.MethodGet, "/ws", nil))
	if !errors.Is(err, ErrMissingToken) {
		t.Errorf("no token: error = %v, want ErrMissingToken", err)
	}

	bad := httptest.NewRequest(http.MethodGet, "/ws", nil)
	bad.Header.Set("Authorization", "Bearer junk")
	_, err = authenticate(bad)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("bad token: error = %v, want ErrInvalidToken", err)
	}
}
