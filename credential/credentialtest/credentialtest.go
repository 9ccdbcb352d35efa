// Package credentialtest mints signed credentials for tests.
package credentialtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Minter signs credentials with a throwaway ES256 key.
type Minter struct {
	signer jose.Signer
}

// NewMinter returns a Minter with a freshly generated key.
func NewMinter(t testing.TB) *Minter {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatalf("jose.NewSigner: %v", err)
	}
	return &Minter{signer: signer}
}

// Mint signs claims as-is.
func (m *Minter) Mint(t testing.TB, claims map[string]any) string {
	t.Helper()
	raw, err := jwt.Signed(m.signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("jwt.Signed: %v", err)
	}
	return raw
}

// MintExpiringAt signs a credential for subject "auth0|test" that expires at
// exp (second precision). extra claims are merged over the defaults.
func (m *Minter) MintExpiringAt(t testing.TB, exp time.Time, extra map[string]any) string {
	t.Helper()
	claims := map[string]any{
		"sub":   "auth0|test",
		"email": "test@example.com",
		"iat":   time.Now().Unix(),
		"exp":   exp.Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	return m.Mint(t, claims)
}

// MintExpiringIn is MintExpiringAt relative to the current time.
func (m *Minter) MintExpiringIn(t testing.TB, d time.Duration, extra map[string]any) string {
	t.Helper()
	return m.MintExpiringAt(t, time.Now().Add(d), extra)
}

// Unsigned builds a three-segment credential with an empty signature from an
// arbitrary payload. It is useful for payloads go-jose refuses to produce.
func Unsigned(t testing.TB, payload any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(body) + "."
}
