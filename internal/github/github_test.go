package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

var testKeyPEM = func() []byte {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}()

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := New(4242, testKeyPEM, server.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.baseURL = server.URL
	return client
}

func TestNewRejectsGarbageKey(t *testing.T) {
	if _, err := New(1, []byte("not a pem block"), nil); err == nil {
		t.Fatal("expected error for non-PEM key material")
	}
}

func TestAppBearerClaims(t *testing.T) {
	client, err := New(4242, testKeyPEM, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return fixed }

	bearer, err := client.appBearer()
	if err != nil {
		t.Fatalf("appBearer: %v", err)
	}
	parts := strings.Split(bearer, ".")
	if len(parts) != 3 {
		t.Fatalf("expected three JWT segments, got %d", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decoding claims: %v", err)
	}
	var claims struct {
		Iat int64 `json:"iat"`
		Exp int64 `json:"exp"`
		Iss int64 `json:"iss"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		t.Fatalf("unmarshaling claims: %v", err)
	}
	if claims.Iss != 4242 {
		t.Fatalf("expected iss 4242, got %d", claims.Iss)
	}
	if claims.Iat != fixed.Add(-30*time.Second).Unix() {
		t.Fatalf("expected backdated iat, got %d", claims.Iat)
	}
	if claims.Exp != fixed.Add(10*time.Minute).Unix() {
		t.Fatalf("expected 10 minute expiry, got %d", claims.Exp)
	}
}

func TestAppBearerCachedUntilNearExpiry(t *testing.T) {
	client, err := New(4242, testKeyPEM, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	first, err := client.appBearer()
	if err != nil {
		t.Fatalf("appBearer: %v", err)
	}
	now = now.Add(5 * time.Minute)
	second, err := client.appBearer()
	if err != nil {
		t.Fatalf("appBearer: %v", err)
	}
	if first != second {
		t.Fatal("expected cached bearer to be reused")
	}

	now = now.Add(5 * time.Minute)
	third, err := client.appBearer()
	if err != nil {
		t.Fatalf("appBearer: %v", err)
	}
	if third == first {
		t.Fatal("expected fresh bearer once the cached one neared expiry")
	}
}

func TestInstallationTokenCached(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	expiresAt := time.Now().Add(time.Hour).UTC()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app/installations/42/access_tokens" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("expected app bearer, got %q", r.Header.Get("Authorization"))
		}
		mu.Lock()
		requests++
		token := fmt.Sprintf("ghs_token%d", requests)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"token": token, "expires_at": expiresAt})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	now := time.Now()
	client.now = func() time.Time { return now }

	first, err := client.InstallationToken(context.Background(), 42)
	if err != nil {
		t.Fatalf("InstallationToken: %v", err)
	}
	second, err := client.InstallationToken(context.Background(), 42)
	if err != nil {
		t.Fatalf("InstallationToken: %v", err)
	}
	if first != second || requests != 1 {
		t.Fatalf("expected cached token, got %q/%q after %d requests", first, second, requests)
	}

	// Within a minute of expiry the cache is treated as stale.
	now = expiresAt.Add(-30 * time.Second)
	third, err := client.InstallationToken(context.Background(), 42)
	if err != nil {
		t.Fatalf("InstallationToken: %v", err)
	}
	if third == first || requests != 2 {
		t.Fatalf("expected refreshed token, got %q after %d requests", third, requests)
	}
}

func TestInstallationTokenRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"message":"Not Found"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	if _, err := client.InstallationToken(context.Background(), 7); err == nil {
		t.Fatal("expected error for rejected token request")
	}
}

func TestPostDeploymentStatus(t *testing.T) {
	var gotStatus DeploymentStatus
	var gotAccept, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/app/installations/42/access_tokens":
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{"token": "ghs_abc", "expires_at": time.Now().Add(time.Hour)})
		case "/repos/pypi/warehouse/deployments/9/statuses":
			gotAccept = r.Header.Get("Accept")
			gotAuth = r.Header.Get("Authorization")
			if err := json.NewDecoder(r.Body).Decode(&gotStatus); err != nil {
				t.Errorf("decoding status body: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server)
	status := DeploymentStatus{State: "in_progress", Description: "build commencing", Environment: "production"}
	err := client.PostDeploymentStatus(context.Background(), 42, server.URL+"/repos/pypi/warehouse/deployments/9/statuses", status)
	if err != nil {
		t.Fatalf("PostDeploymentStatus: %v", err)
	}
	if gotAccept != "application/vnd.github.flash-preview+json" {
		t.Fatalf("expected flash-preview accept header, got %q", gotAccept)
	}
	if gotAuth != "token ghs_abc" {
		t.Fatalf("expected installation token auth, got %q", gotAuth)
	}
	if gotStatus != status {
		t.Fatalf("expected status %+v, got %+v", status, gotStatus)
	}
}

func TestDownloadTarball(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/app/installations/42/access_tokens":
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{"token": "ghs_abc", "expires_at": time.Now().Add(time.Hour)})
		case "/repos/pypi/warehouse/tarball/abc123":
			if r.Header.Get("Authorization") != "token ghs_abc" {
				t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
			}
			io.WriteString(w, "tarball bytes")
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server)
	body, err := client.DownloadTarball(context.Background(), 42, "pypi/warehouse", "abc123")
	if err != nil {
		t.Fatalf("DownloadTarball: %v", err)
	}
	defer body.Close()
	content, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("reading tarball: %v", err)
	}
	if string(content) != "tarball bytes" {
		t.Fatalf("expected tarball bytes, got %q", content)
	}
}

func TestDownloadTarballMissingRef(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/app/installations/42/access_tokens" {
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{"token": "ghs_abc", "expires_at": time.Now().Add(time.Hour)})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	if _, err := client.DownloadTarball(context.Background(), 42, "pypi/warehouse", "gone"); err == nil {
		t.Fatal("expected error for missing ref")
	}
}
