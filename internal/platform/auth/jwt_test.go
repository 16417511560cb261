package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub":   "acct-7",
		"roles": []any{"user", "admin"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	actor, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if actor.AccountID != "acct-7" {
		t.Fatalf("account id = %q", actor.AccountID)
	}
	if !actor.IsAdmin() {
		t.Fatal("expected admin role")
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	cases := map[string]string{
		"wrong secret": signToken(t, "other-secret", jwt.MapClaims{"sub": "acct-7"}),
		"missing sub":  signToken(t, "test-secret", jwt.MapClaims{"roles": []any{"user"}}),
		"expired": signToken(t, "test-secret", jwt.MapClaims{
			"sub": "acct-7",
			"exp": time.Now().Add(-time.Hour).Unix(),
		}),
		"garbage": "not-a-token",
	}
	for name, token := range cases {
		if _, err := v.Verify(token); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestMiddlewareSkipPathsAndAdminGuard(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	var sawActor Actor
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawActor, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := Middleware(v, []string{"/healthz"})(inner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("skip path status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/balance", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret", jwt.MapClaims{"sub": "acct-9"}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || sawActor.AccountID != "acct-9" {
		t.Fatalf("status=%d actor=%q", rec.Code, sawActor.AccountID)
	}

	guarded := Middleware(v, nil)(RequireAdmin(inner))
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/deposits/dep-1/decision", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret", jwt.MapClaims{"sub": "acct-9"}))
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin status = %d", rec.Code)
	}
}
