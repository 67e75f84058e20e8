package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func doRequest(t *testing.T, mw echo.MiddlewareFunc, token string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/claims", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, UserIDFromContext(c.Request().Context()))
	})
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	rec := doRequest(t, JWTMiddleware(JWTConfig{SigningKey: testKey}), "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestJWTMiddleware_InvalidToken(t *testing.T) {
	rec := doRequest(t, JWTMiddleware(JWTConfig{SigningKey: testKey}), "garbage")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	cfg := JWTConfig{SigningKey: testKey}
	token, err := IssueToken(cfg, "user-1", []string{RoleUser}, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := doRequest(t, JWTMiddleware(cfg), token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "user-1" {
		t.Errorf("subject not bound to context: %q", rec.Body.String())
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	token, _ := IssueToken(JWTConfig{SigningKey: []byte("another-key-another-key-another!")}, "u", nil, time.Minute)
	rec := doRequest(t, JWTMiddleware(JWTConfig{SigningKey: testKey}), token)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestJWTMiddleware_Expired(t *testing.T) {
	cfg := JWTConfig{SigningKey: testKey}
	token, _ := IssueToken(cfg, "u", nil, -time.Minute)
	rec := doRequest(t, JWTMiddleware(cfg), token)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	rec := doRequest(t, DevAuthMiddleware(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "dev-user" {
		t.Errorf("expected dev-user principal, got %q", rec.Body.String())
	}
}

func requireRoleRequest(t *testing.T, userRoles []string, required ...string) int {
	t.Helper()
	cfg := JWTConfig{SigningKey: testKey}
	token, _ := IssueToken(cfg, "u", userRoles, time.Minute)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := JWTMiddleware(cfg)(RequireRole(required...)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}))
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec.Code
}

func TestRequireRole_Allowed(t *testing.T) {
	if code := requireRoleRequest(t, []string{RoleAudit}, RoleAdmin, RoleAudit); code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
}

func TestRequireRole_AdminAlwaysPasses(t *testing.T) {
	if code := requireRoleRequest(t, []string{RoleAdmin}, RoleAudit); code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	if code := requireRoleRequest(t, []string{RoleUser}, RoleAdmin, RoleAudit); code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", code)
	}
}
