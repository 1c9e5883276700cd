package registry

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TokenTTL is the lifetime of an issued registry JWT. A build that
// outlives its token will fail the push and be retried.
const TokenTTL = 600 * time.Second

// Signer produces a DER-encoded ECDSA signature over a SHA-256
// digest. In production this is the Vault transit backend.
type Signer interface {
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// Issuer mints registry-protocol JWTs signed by a remote ECDSA key.
type Issuer struct {
	signer  Signer
	pub     *ecdsa.PublicKey
	kid     string
	issuer  string
	subject string
	now     func() time.Time
}

func NewIssuer(signer Signer, pub *ecdsa.PublicKey, issuer, subject string) (*Issuer, error) {
	kid, err := Fingerprint(pub)
	if err != nil {
		return nil, err
	}
	return &Issuer{
		signer:  signer,
		pub:     pub,
		kid:     kid,
		issuer:  issuer,
		subject: subject,
		now:     time.Now,
	}, nil
}

// Fingerprint derives the token header key id from a public key:
// SHA-256 of the SubjectPublicKeyInfo DER, truncated to 240 bits,
// base32-encoded and grouped into colon-separated 4-character chunks.
func Fingerprint(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	digest := sha256.Sum256(der)
	return fingerprintFromDigest(digest[:]), nil
}

func fingerprintFromDigest(digest []byte) string {
	encoded := base32.StdEncoding.EncodeToString(digest[:30])
	chunks := make([]string, 0, len(encoded)/4)
	for i := 0; i < len(encoded); i += 4 {
		chunks = append(chunks, encoded[i:i+4])
	}
	return strings.Join(chunks, ":")
}

type tokenHeader struct {
	Typ string `json:"typ"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

type tokenClaims struct {
	Issuer    string   `json:"iss"`
	Subject   string   `json:"sub"`
	Audience  string   `json:"aud"`
	Expires   int64    `json:"exp"`
	NotBefore int64    `json:"nbf"`
	IssuedAt  int64    `json:"iat"`
	JTI       string   `json:"jti"`
	Access    []Access `json:"access"`
}

// Mint issues a signed registry JWT granting access, addressed to
// the given audience (the registry service name).
func (i *Issuer) Mint(ctx context.Context, audience string, access []Access) (string, error) {
	if access == nil {
		access = []Access{}
	}
	headerJSON, err := json.Marshal(tokenHeader{Typ: "JWT", Alg: "ES256", Kid: i.kid})
	if err != nil {
		return "", err
	}
	now := i.now().Unix()
	claimsJSON, err := json.Marshal(tokenClaims{
		Issuer:    i.issuer,
		Subject:   i.subject,
		Audience:  audience,
		Expires:   now + int64(TokenTTL/time.Second),
		NotBefore: now,
		IssuedAt:  now,
		JTI:       uuid.New().String(),
		Access:    access,
	})
	if err != nil {
		return "", err
	}

	signing := b64.EncodeToString(headerJSON) + "." + b64.EncodeToString(claimsJSON)
	digest := sha256.Sum256([]byte(signing))
	der, err := i.signer.Sign(ctx, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	raw, err := derToRaw(der, i.pub.Curve.Params().BitSize)
	if err != nil {
		return "", err
	}
	return signing + "." + b64.EncodeToString(raw), nil
}

// derToRaw converts a DER-encoded ECDSA signature into the fixed
// width r||s form JOSE requires, each integer padded to the curve's
// byte length.
func derToRaw(der []byte, curveBits int) ([]byte, error) {
	var sig struct {
		R, S *big.Int
	}
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, fmt.Errorf("parsing DER signature: %w", err)
	}
	width := (curveBits + 7) / 8
	raw := make([]byte, 2*width)
	sig.R.FillBytes(raw[:width])
	sig.S.FillBytes(raw[width:])
	return raw, nil
}

// PullSecretPayload builds the dockerconfigjson document a pod uses
// to pull from the registry with an opaque builder credential.
func PullSecretPayload(url, credential string) ([]byte, error) {
	doc := map[string]any{
		"auths": map[string]any{
			url: map[string]string{
				"username": "none",
				"password": credential,
				"email":    "none",
			},
		},
	}
	return json.Marshal(doc)
}
