package registry

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// DefaultCredentialMaxAge bounds how long an opaque builder credential
// is accepted after issuance.
const DefaultCredentialMaxAge = 60 * time.Second

var (
	errBadCredential     = errors.New("malformed credential")
	errBadSignature      = errors.New("credential signature mismatch")
	errCredentialExpired = errors.New("credential expired")
)

// Credentials issues and verifies opaque, time-bounded builder
// credentials: a URL-safe serialization of an access list, signed
// with a shared HMAC-SHA256 secret and stamped with issuance time.
type Credentials struct {
	secret []byte
	now    func() time.Time
}

func NewCredentials(secret string) *Credentials {
	return &Credentials{secret: []byte(secret), now: time.Now}
}

var b64 = base64.RawURLEncoding

// Generate serializes access into a signed credential of the form
// <payload>.<timestamp>.<signature>.
func (c *Credentials) Generate(access []Access) (string, error) {
	payload, err := json.Marshal(access)
	if err != nil {
		return "", err
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(c.now().Unix()))
	signed := b64.EncodeToString(payload) + "." + b64.EncodeToString(ts[:])
	return signed + "." + c.sign(signed), nil
}

// Verify checks the credential's signature and age and returns the
// access list it carries. maxAge <= 0 uses DefaultCredentialMaxAge.
func (c *Credentials) Verify(credential string, maxAge time.Duration) ([]Access, error) {
	if maxAge <= 0 {
		maxAge = DefaultCredentialMaxAge
	}
	idx := strings.LastIndexByte(credential, '.')
	if idx < 0 {
		return nil, errBadCredential
	}
	signed, sig := credential[:idx], credential[idx+1:]
	if !hmac.Equal([]byte(c.sign(signed)), []byte(sig)) {
		return nil, errBadSignature
	}

	parts := strings.Split(signed, ".")
	if len(parts) != 2 {
		return nil, errBadCredential
	}
	tsBytes, err := b64.DecodeString(parts[1])
	if err != nil || len(tsBytes) != 8 {
		return nil, errBadCredential
	}
	issued := time.Unix(int64(binary.BigEndian.Uint64(tsBytes)), 0)
	if c.now().Sub(issued) > maxAge {
		return nil, errCredentialExpired
	}

	payload, err := b64.DecodeString(parts[0])
	if err != nil {
		return nil, errBadCredential
	}
	var access []Access
	if err := json.Unmarshal(payload, &access); err != nil {
		return nil, errBadCredential
	}
	return access, nil
}

func (c *Credentials) sign(signed string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(signed))
	return b64.EncodeToString(mac.Sum(nil))
}
