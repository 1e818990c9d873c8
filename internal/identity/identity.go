// Package identity extracts an opaque caller identity from HTTP requests.
// The core only compares identities; it never inspects their structure.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultHeader is the trusted identity header used when JWT auth is disabled.
const DefaultHeader = "X-Editd-Identity"

// ErrNoIdentity indicates the request carried no usable identity.
var ErrNoIdentity = errors.New("identity: no identity present")

// Provider resolves the identity a request acts as.
type Provider interface {
	Identify(r *http.Request) (string, error)
}

// HeaderProvider trusts a reverse-proxy-injected header. Intended for dev,
// tests, and deployments that terminate auth upstream.
type HeaderProvider struct {
	// Header names the header carrying the identity; empty selects DefaultHeader.
	Header string
}

// Identify returns the trimmed header value.
func (p HeaderProvider) Identify(r *http.Request) (string, error) {
	header := p.Header
	if header == "" {
		header = DefaultHeader
	}
	id := strings.TrimSpace(r.Header.Get(header))
	if id == "" {
		return "", ErrNoIdentity
	}
	return id, nil
}

// JWTProvider validates an HS256 bearer token and uses its subject claim as
// the identity.
type JWTProvider struct {
	secret []byte
}

// NewJWTProvider returns a provider validating tokens signed with secret.
func NewJWTProvider(secret []byte) *JWTProvider {
	return &JWTProvider{secret: append([]byte(nil), secret...)}
}

// Identify parses the Authorization bearer token and returns its subject.
func (p *JWTProvider) Identify(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", ErrNoIdentity
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("identity: parse token: %w", err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", ErrNoIdentity
	}
	return sub, nil
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
