package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"go.uber.org/zap"
)

func signToken(t *testing.T, key *rsa.PrivateKey, claims *domain.CustomClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func claimsFor(role string, ttl time.Duration) *domain.CustomClaims {
	return &domain.CustomClaims{
		UserID: "u-1",
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   "u-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
}

func TestVerifyToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	v := NewBaseValidator(&key.PublicKey)

	claims, err := v.VerifyToken("Bearer " + signToken(t, key, claimsFor("operator", time.Hour)))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "u-1" || claims.Role != "operator" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := v.VerifyToken(signToken(t, key, claimsFor("operator", -time.Minute))); err == nil {
		t.Fatal("expired token accepted")
	}

	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	if _, err := v.VerifyToken(signToken(t, other, claimsFor("admin", time.Hour))); err == nil {
		t.Fatal("token signed by foreign key accepted")
	}

	hs, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claimsFor("admin", time.Hour)).SignedString([]byte("secret"))
	if _, err := v.VerifyToken(hs); err == nil {
		t.Fatal("HS256 token accepted")
	}
}

func TestRBAC_RoleHierarchy(t *testing.T) {
	rbac, err := NewRBAC("", "", zap.NewNop())
	if err != nil {
		t.Fatalf("rbac: %v", err)
	}
	cases := []struct {
		role, obj, act string
		want           bool
	}{
		{"auditor", "ledger", ActRead, true},
		{"auditor", "approvals", ActWrite, false},
		{"operator", "approvals", ActWrite, true},
		{"operator", "ledger", ActRead, true},
		{"operator", "policies", ActWrite, false},
		{"admin", "policies", ActWrite, true},
		{"admin", "agents", ActWrite, true},
		{"", "dashboard", ActRead, false},
	}
	for _, tc := range cases {
		got, err := rbac.Authorize(tc.role, tc.obj, tc.act)
		if err != nil {
			t.Fatalf("authorize: %v", err)
		}
		if got != tc.want {
			t.Fatalf("%s %s %s: expected %v, got %v", tc.role, tc.act, tc.obj, tc.want, got)
		}
	}
}

func TestMiddlewareChain(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	rbac, err := NewRBAC("", "", zap.NewNop())
	if err != nil {
		t.Fatalf("rbac: %v", err)
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, found := ClaimsFrom(r.Context()); !found || c.UserID != "u-1" {
			t.Errorf("claims missing in handler")
		}
		w.WriteHeader(http.StatusNoContent)
	})
	h := NewMiddleware(NewBaseValidator(&key.PublicKey), zap.NewNop())(rbac.Require("policies", ActWrite)(ok))

	call := func(header string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/policies", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := call(""); code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", code)
	}
	if code := call("Bearer " + signToken(t, key, claimsFor("auditor", time.Hour))); code != http.StatusForbidden {
		t.Fatalf("auditor: expected 403, got %d", code)
	}
	if code := call("Bearer " + signToken(t, key, claimsFor("admin", time.Hour))); code != http.StatusNoContent {
		t.Fatalf("admin: expected 204, got %d", code)
	}
}
