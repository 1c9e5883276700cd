package registry

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"
)

// localSigner signs digests with an in-process ECDSA key, standing in
// for the transit backend.
type localSigner struct {
	key *ecdsa.PrivateKey
}

func (s localSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, s.key, digest)
}

func newTestIssuer(t *testing.T) (*Issuer, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	issuer, err := NewIssuer(localSigner{key: key}, &key.PublicKey, "cabotage-app", "cabotage-builder")
	if err != nil {
		t.Fatalf("NewIssuer returned error: %v", err)
	}
	return issuer, key
}

func TestFingerprintFromDigest(t *testing.T) {
	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i)
	}
	want := "AAAQ:EAYE:AUDA:OCAJ:BIFQ:YDIO:B4IB:CEQT:CQKR:MFYY:DENB:WHA5"
	if got := fingerprintFromDigest(digest); got != want {
		t.Fatalf("fingerprintFromDigest = %q, want %q", got, want)
	}
}

func TestFingerprintStableForKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	first, err := Fingerprint(&key.PublicKey)
	if err != nil {
		t.Fatalf("Fingerprint returned error: %v", err)
	}
	second, err := Fingerprint(&key.PublicKey)
	if err != nil {
		t.Fatalf("Fingerprint returned error: %v", err)
	}
	if first != second {
		t.Fatalf("fingerprint not stable: %q vs %q", first, second)
	}
	chunks := strings.Split(first, ":")
	if len(chunks) != 12 {
		t.Fatalf("expected 12 chunks, got %d (%q)", len(chunks), first)
	}
	for _, chunk := range chunks {
		if len(chunk) != 4 {
			t.Fatalf("expected 4-character chunks, got %q", chunk)
		}
	}
}

func TestMint(t *testing.T) {
	issuer, key := newTestIssuer(t)
	fixed := time.Unix(1700000000, 0)
	issuer.now = func() time.Time { return fixed }

	access := []Access{{Type: "repository", Name: "cabotage/org/proj/app", Actions: []string{"push", "pull"}}}
	token, err := issuer.Mint(context.Background(), "cabotage-registry", access)
	if err != nil {
		t.Fatalf("Mint returned error: %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected three JWT segments, got %d", len(parts))
	}

	headerJSON, err := b64.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decoding header: %v", err)
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		t.Fatalf("unmarshaling header: %v", err)
	}
	if header.Typ != "JWT" || header.Alg != "ES256" {
		t.Fatalf("unexpected header: %+v", header)
	}
	if header.Kid != issuer.kid {
		t.Fatalf("kid mismatch: %q vs %q", header.Kid, issuer.kid)
	}

	claimsJSON, err := b64.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decoding claims: %v", err)
	}
	var claims tokenClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		t.Fatalf("unmarshaling claims: %v", err)
	}
	if claims.Issuer != "cabotage-app" || claims.Subject != "cabotage-builder" || claims.Audience != "cabotage-registry" {
		t.Fatalf("unexpected identity claims: %+v", claims)
	}
	if claims.IssuedAt != fixed.Unix() || claims.NotBefore != fixed.Unix() {
		t.Fatalf("unexpected iat/nbf: %d/%d", claims.IssuedAt, claims.NotBefore)
	}
	if claims.Expires-claims.IssuedAt != 600 {
		t.Fatalf("expected 600s lifetime, got %d", claims.Expires-claims.IssuedAt)
	}
	if claims.JTI == "" {
		t.Fatal("expected a jti claim")
	}
	if len(claims.Access) != 1 || claims.Access[0].Name != "cabotage/org/proj/app" {
		t.Fatalf("unexpected access claim: %+v", claims.Access)
	}

	raw, err := b64.DecodeString(parts[2])
	if err != nil {
		t.Fatalf("decoding signature: %v", err)
	}
	if len(raw) != 64 {
		t.Fatalf("expected 64-byte P-256 signature, got %d", len(raw))
	}
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	r := new(big.Int).SetBytes(raw[:32])
	s := new(big.Int).SetBytes(raw[32:])
	if !ecdsa.Verify(&key.PublicKey, digest[:], r, s) {
		t.Fatal("signature does not verify against the issuing key")
	}
}

func TestMintNilAccessSerializesEmptyList(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	token, err := issuer.Mint(context.Background(), "cabotage-registry", nil)
	if err != nil {
		t.Fatalf("Mint returned error: %v", err)
	}
	claimsJSON, err := b64.DecodeString(strings.Split(token, ".")[1])
	if err != nil {
		t.Fatalf("decoding claims: %v", err)
	}
	if !strings.Contains(string(claimsJSON), `"access":[]`) {
		t.Fatalf("expected empty access list, got %s", claimsJSON)
	}
}

func TestPullSecretPayload(t *testing.T) {
	payload, err := PullSecretPayload("registry.example.com", "the-credential")
	if err != nil {
		t.Fatalf("PullSecretPayload returned error: %v", err)
	}
	var doc struct {
		Auths map[string]struct {
			Username string `json:"username"`
			Password string `json:"password"`
			Email    string `json:"email"`
		} `json:"auths"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	auth, ok := doc.Auths["registry.example.com"]
	if !ok {
		t.Fatalf("expected auths entry for registry URL, got %s", payload)
	}
	if auth.Username != "none" || auth.Password != "the-credential" || auth.Email != "none" {
		t.Fatalf("unexpected auth entry: %+v", auth)
	}
}
