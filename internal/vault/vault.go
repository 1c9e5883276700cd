// Package vault wraps the HashiCorp Vault API client for the two
// concerns the control plane has: KV storage of application secrets
// and transit signing for registry auth tokens.
package vault

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

// Client is a thin wrapper over the Vault API client scoped to a
// secret prefix and a transit signing key.
type Client struct {
	api          *vaultapi.Client
	prefix       string
	transitMount string
	signingKey   string
}

func New(addr, token, prefix, transitMount, signingKey string) (*Client, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	api, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	api.SetToken(token)
	return &Client{
		api:          api,
		prefix:       strings.Trim(prefix, "/"),
		transitMount: strings.Trim(transitMount, "/"),
		signingKey:   signingKey,
	}, nil
}

// Prefix returns the KV path prefix secrets are written under.
func (c *Client) Prefix() string {
	return c.prefix
}

// WriteSecret stores data at <prefix>/<path>.
func (c *Client) WriteSecret(ctx context.Context, path string, data map[string]any) error {
	full := c.prefix + "/" + strings.TrimPrefix(path, "/")
	if _, err := c.api.Logical().WriteWithContext(ctx, full, data); err != nil {
		return fmt.Errorf("writing secret %s: %w", full, err)
	}
	return nil
}

// DeleteSecret removes the secret at <prefix>/<path>.
func (c *Client) DeleteSecret(ctx context.Context, path string) error {
	full := c.prefix + "/" + strings.TrimPrefix(path, "/")
	if _, err := c.api.Logical().DeleteWithContext(ctx, full); err != nil {
		return fmt.Errorf("deleting secret %s: %w", full, err)
	}
	return nil
}

// Sign signs digest (raw bytes, pre-hashed with SHA-256) with the
// transit signing key and returns the DER-encoded signature. Transit
// responses carry signatures as "vault:v<N>:<base64 der>".
func (c *Client) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/sign/%s/sha2-256", c.transitMount, c.signingKey)
	secret, err := c.api.Logical().WriteWithContext(ctx, path, map[string]any{
		"input":     base64.StdEncoding.EncodeToString(digest),
		"prehashed": true,
	})
	if err != nil {
		return nil, fmt.Errorf("transit sign: %w", err)
	}
	raw, ok := secret.Data["signature"].(string)
	if !ok {
		return nil, fmt.Errorf("transit sign: response missing signature")
	}
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 || parts[0] != "vault" {
		return nil, fmt.Errorf("transit sign: malformed signature %q", raw)
	}
	der, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("transit sign: decoding signature: %w", err)
	}
	return der, nil
}

// SigningPublicKey returns the latest version of the transit signing
// key's public half, parsed from its PEM encoding.
func (c *Client) SigningPublicKey(ctx context.Context) (any, error) {
	path := fmt.Sprintf("%s/keys/%s", c.transitMount, c.signingKey)
	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading transit key: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("transit key %s not found", c.signingKey)
	}
	latest, err := latestKeyVersion(secret.Data)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode([]byte(latest))
	if block == nil {
		return nil, fmt.Errorf("transit key %s: no PEM block in public key", c.signingKey)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing transit public key: %w", err)
	}
	return pub, nil
}

func latestKeyVersion(data map[string]any) (string, error) {
	keys, ok := data["keys"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("transit key response missing versions")
	}
	best := -1
	var pemStr string
	for ver, entry := range keys {
		n, err := strconv.Atoi(ver)
		if err != nil || n <= best {
			continue
		}
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		pk, ok := m["public_key"].(string)
		if !ok {
			continue
		}
		best = n
		pemStr = pk
	}
	if best < 0 {
		return "", fmt.Errorf("transit key has no readable public key versions")
	}
	return pemStr, nil
}
