// Package github is a minimal GitHub App client covering what the
// pipeline needs: installation tokens, deployment statuses, and
// repository tarball downloads.
package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const apiBase = "https://api.github.com"

// Client authenticates as a GitHub App. App-level requests use a
// short-lived RS256 bearer minted from the App's private key;
// repository-level requests use cached installation tokens.
type Client struct {
	appID      int64
	privateKey *rsa.PrivateKey
	httpClient *http.Client
	baseURL    string
	now        func() time.Time

	mu     sync.Mutex
	appJWT struct {
		token   string
		expires time.Time
	}
	installTokens map[int64]installationToken
}

type installationToken struct {
	token   string
	expires time.Time
}

func New(appID int64, privateKeyPEM []byte, httpClient *http.Client) (*Client, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("github app private key: no PEM block")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		pkcs8, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("parsing github app private key: %w", err)
		}
		rsaKey, ok := pkcs8.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("github app private key is not RSA")
		}
		key = rsaKey
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		appID:         appID,
		privateKey:    key,
		httpClient:    httpClient,
		baseURL:       apiBase,
		now:           time.Now,
		installTokens: make(map[int64]installationToken),
	}, nil
}

// appBearer returns the App-level JWT, minting a fresh one when the
// cached token is within a minute of its 10 minute expiry.
func (c *Client) appBearer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.appJWT.token != "" && now.Before(c.appJWT.expires.Add(-60*time.Second)) {
		return c.appJWT.token, nil
	}
	expires := now.Add(10 * time.Minute)
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iat": now.Add(-30 * time.Second).Unix(),
		"exp": expires.Unix(),
		"iss": c.appID,
	})
	signed, err := tok.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing app jwt: %w", err)
	}
	c.appJWT.token = signed
	c.appJWT.expires = expires
	return signed, nil
}

// InstallationToken returns an access token for the installation,
// reusing the cached one until it is within a minute of expiry.
func (c *Client) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	c.mu.Lock()
	cached, ok := c.installTokens[installationID]
	c.mu.Unlock()
	if ok && c.now().Before(cached.expires.Add(-60*time.Second)) {
		return cached.token, nil
	}

	bearer, err := c.appBearer()
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting installation token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("installation token request failed: %s: %s", resp.Status, body)
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding installation token: %w", err)
	}

	c.mu.Lock()
	c.installTokens[installationID] = installationToken{token: payload.Token, expires: payload.ExpiresAt}
	c.mu.Unlock()
	return payload.Token, nil
}

// DeploymentStatus is the subset of the deployment status API the
// pipeline posts.
type DeploymentStatus struct {
	State       string `json:"state"`
	Description string `json:"description,omitempty"`
	Environment string `json:"environment,omitempty"`
	LogURL      string `json:"log_url,omitempty"`
}

// PostDeploymentStatus posts a status to the deployment's statuses
// URL (as delivered in the webhook payload).
func (c *Client) PostDeploymentStatus(ctx context.Context, installationID int64, statusesURL string, status DeploymentStatus) error {
	token, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(status)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, statusesURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", "application/vnd.github.flash-preview+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting deployment status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("deployment status rejected: %s: %s", resp.Status, respBody)
	}
	return nil
}

// DownloadTarball streams the gzipped tarball of repository at ref.
// The caller must close the returned reader.
func (c *Client) DownloadTarball(ctx context.Context, installationID int64, repository, ref string) (io.ReadCloser, error) {
	token, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/repos/%s/tarball/%s", c.baseURL, repository, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading tarball: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("tarball download failed: %s: %s", resp.Status, body)
	}
	return resp.Body, nil
}
