package identity_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pkt.systems/editd/internal/identity"
)

func signToken(t *testing.T, secret []byte, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func TestHeaderProvider(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(identity.DefaultHeader, "  alice ")
	id, err := identity.HeaderProvider{}.Identify(r)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if id != "alice" {
		t.Fatalf("expected alice, got %q", id)
	}

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := (identity.HeaderProvider{}).Identify(bare); !errors.Is(err, identity.ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestJWTProviderSubject(t *testing.T) {
	t.Parallel()

	secret := []byte("test-secret")
	provider := identity.NewJWTProvider(secret)
	token := signToken(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "bob",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, err := provider.Identify(r)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if id != "bob" {
		t.Fatalf("expected bob, got %q", id)
	}
}

func TestJWTProviderRejectsBadTokens(t *testing.T) {
	t.Parallel()

	secret := []byte("test-secret")
	provider := identity.NewJWTProvider(secret)

	cases := map[string]string{
		"wrong secret": signToken(t, []byte("other"), jwt.SigningMethodHS256, jwt.MapClaims{"sub": "bob"}),
		"no subject":   signToken(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}),
		"expired":      signToken(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "bob", "exp": time.Now().Add(-time.Hour).Unix()}),
	}
	for name, token := range cases {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		if _, err := provider.Identify(r); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	missing := httptest.NewRequest(http.MethodPost, "/", nil)
	if _, err := provider.Identify(missing); !errors.Is(err, identity.ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}
