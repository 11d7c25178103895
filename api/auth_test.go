package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"

	"kando-api/domain"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func tokenFor(t *testing.T, sub string, role domain.Role) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"aud": "api://kando",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
	if role != "" {
		claims["role"] = string(role)
	}
	return signToken(t, claims)
}

func newTestAuth() *Auth {
	return NewAuth(AuthConfig{Audience: "api://kando", SharedSecret: testSecret, RoleClaim: "role"})
}

func TestBearerTokenFromHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		err    error
	}{
		{"valid", "Bearer header.payload.signature", "header.payload.signature", nil},
		{"padded", "  Bearer a.b.c  ", "a.b.c", nil},
		{"blank", "   ", "", errMissingAuthorization},
		{"wrong scheme", "Basic a.b.c", "", errBadAuthorization},
		{"too many periods", "Bearer " + strings.Repeat(".", 1000), "", errBadAuthorization},
		{"prefix only", "Bearer ", "", errBadAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := make(http.Header)
			header.Set(echo.HeaderAuthorization, tt.header)
			token, err := bearerTokenFromHeader(header)
			if err != tt.err {
				t.Fatalf("expected error %v, got %v", tt.err, err)
			}
			if string(token) != tt.want {
				t.Fatalf("unexpected token content: %s", token)
			}
		})
	}

	if _, err := bearerTokenFromHeader(make(http.Header)); err != errMissingAuthorization {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestBearerTokenFromQueryParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/board/stream?token=a.b.c", nil)
	token, err := bearerTokenFromRequest(req)
	if err != nil || string(token) != "a.b.c" {
		t.Fatalf("unexpected token %q err=%v", token, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/board/stream", nil)
	if _, err := bearerTokenFromRequest(req); err != errMissingAuthorization {
		t.Fatalf("expected missing authorization, got %v", err)
	}
}

func TestIdentityFromBearerRoles(t *testing.T) {
	auth := newTestAuth()
	tests := []struct {
		name string
		role domain.Role
		want domain.Role
	}{
		{"admin claim", domain.RoleAdmin, domain.RoleAdmin},
		{"user claim", domain.RoleUser, domain.RoleUser},
		{"unknown claim", domain.Role("owner"), domain.RoleGuest},
		{"no claim", "", domain.RoleUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := auth.IdentityFromBearer([]byte(tokenFor(t, "user-123", tt.role)))
			if err != nil {
				t.Fatalf("unexpected error verifying token: %v", err)
			}
			if id.UserID != "user-123" || id.Role != tt.want {
				t.Fatalf("unexpected identity: %+v", id)
			}
		})
	}
}

func TestIdentityFromBearerRejects(t *testing.T) {
	auth := newTestAuth()
	tests := map[string]jwt.MapClaims{
		"expired":        {"sub": "u", "aud": "api://kando", "exp": time.Now().Add(-5 * time.Minute).Unix()},
		"wrong audience": {"sub": "u", "aud": "api://other", "exp": time.Now().Add(time.Minute).Unix()},
		"missing sub":    {"aud": "api://kando", "exp": time.Now().Add(time.Minute).Unix()},
		"no expiry":      {"sub": "u", "aud": "api://kando"},
	}
	for name, claims := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := auth.IdentityFromBearer([]byte(signToken(t, claims))); err == nil {
				t.Fatalf("expected token to be rejected")
			}
		})
	}
	if _, err := auth.IdentityFromBearer(nil); err != errBadAuthorization {
		t.Fatalf("expected bad authorization for empty token, got %v", err)
	}
}

func TestAuthProviderReadsContext(t *testing.T) {
	auth := newTestAuth()
	ctx := context.Background()
	if id, ok := auth.CurrentUserID(ctx); ok || id != "" {
		t.Fatalf("expected anonymous caller, got %q", id)
	}
	if auth.Role(ctx) != domain.RoleGuest {
		t.Fatalf("expected guest role")
	}

	ctx = WithIdentity(ctx, Identity{UserID: "u1", Role: domain.RoleAdmin})
	if id, ok := auth.CurrentUserID(ctx); !ok || id != "u1" {
		t.Fatalf("unexpected user %q", id)
	}
	if auth.Role(ctx) != domain.RoleAdmin {
		t.Fatalf("unexpected role %q", auth.Role(ctx))
	}
}
