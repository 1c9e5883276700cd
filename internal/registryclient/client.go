// Package registryclient is a minimal Docker registry v2 API client
// covering what the image pruner needs: tag listing and manifest
// deletion, authenticated with bearer JWTs.
package registryclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const manifestMediaTypes = "application/vnd.docker.distribution.manifest.v2+json, application/vnd.oci.image.manifest.v1+json"

// TokenSource mints a bearer token scoped to one repository.
type TokenSource interface {
	RepositoryToken(ctx context.Context, repository string, actions []string) (string, error)
}

// Client talks to one registry host.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// New constructs a registry client. baseURL includes the scheme,
// e.g. "http://localhost:30000".
func New(baseURL string, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, tokens: tokens, httpClient: httpClient}
}

// ListTags returns all tags of a repository.
func (c *Client) ListTags(ctx context.Context, repository string) ([]string, error) {
	token, err := c.tokens.RepositoryToken(ctx, repository, []string{"*"})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v2/%s/tags/list", c.baseURL, repository)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing tags for %s: %w", repository, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing tags for %s: %s", repository, resp.Status)
	}
	var payload struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding tag list for %s: %w", repository, err)
	}
	return payload.Tags, nil
}

// DeleteTag resolves the tag's manifest digest and deletes the
// manifest. Registries reject deletion by tag, so the digest round
// trip is required.
func (c *Client) DeleteTag(ctx context.Context, repository, tag string) error {
	token, err := c.tokens.RepositoryToken(ctx, repository, []string{"*"})
	if err != nil {
		return err
	}
	digest, err := c.resolveDigest(ctx, token, repository, tag)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL, repository, digest)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deleting manifest %s@%s: %w", repository, digest, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("deleting manifest %s@%s: %s", repository, digest, resp.Status)
	}
	return nil
}

func (c *Client) resolveDigest(ctx context.Context, token, repository, tag string) (string, error) {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL, repository, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", manifestMediaTypes)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolving digest for %s:%s: %w", repository, tag, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolving digest for %s:%s: %s", repository, tag, resp.Status)
	}
	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", fmt.Errorf("resolving digest for %s:%s: no digest header", repository, tag)
	}
	return digest, nil
}
