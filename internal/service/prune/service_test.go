package prune

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/cabotage/cabotage-app/internal/domain"
	"github.com/cabotage/cabotage-app/internal/registryclient"
	"github.com/cabotage/cabotage-app/internal/repository"
)

type fakeAppRepo struct {
	apps []domain.Application
}

func (f *fakeAppRepo) GetApplicationByID(_ context.Context, id string) (*domain.Application, error) {
	for i := range f.apps {
		if f.apps[i].ID == id {
			return &f.apps[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeAppRepo) ListApplications(_ context.Context) ([]domain.Application, error) {
	return f.apps, nil
}

type noopTokens struct{}

func (noopTokens) RepositoryToken(context.Context, string, []string) (string, error) {
	return "tok", nil
}

// fakeRegistry serves the tag list and digest resolution endpoints and
// records which manifests get deleted.
type fakeRegistry struct {
	tags    map[string][]string
	deleted []string
}

func (f *fakeRegistry) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			repo := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v2/"), "/tags/list")
			json.NewEncoder(w).Encode(map[string]any{"name": repo, "tags": f.tags[repo]})
		case r.Method == http.MethodHead:
			w.Header().Set("Docker-Content-Digest", "sha256:"+r.URL.Path[len(r.URL.Path)-7:])
		case r.Method == http.MethodDelete:
			f.deleted = append(f.deleted, r.URL.Path)
			w.WriteHeader(http.StatusAccepted)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testApps() *fakeAppRepo {
	return &fakeAppRepo{apps: []domain.Application{{
		ID:               "a1",
		Slug:             "warehouse",
		OrganizationSlug: "pypi",
		ProjectSlug:      "infra",
	}}}
}

func TestPruneAllDeletesExpiredTags(t *testing.T) {
	registry := &fakeRegistry{tags: map[string][]string{
		"cabotage/pypi/infra/warehouse": {
			"image-1", "image-2", "image-3", "image-4", "image-5", "image-6", "image-7",
			"release-1", "release-2", "release-3",
		},
	}}
	server := httptest.NewServer(registry.handler(t))
	defer server.Close()

	svc := New(testApps(), registryclient.New(server.URL, noopTokens{}, server.Client()), discardLogger(), 5)
	if err := svc.PruneAll(context.Background()); err != nil {
		t.Fatalf("PruneAll: %v", err)
	}

	// Seven image tags minus the newest five leaves two; all three
	// release tags survive.
	if len(registry.deleted) != 2 {
		t.Fatalf("expected 2 deletions, got %d: %v", len(registry.deleted), registry.deleted)
	}
	sort.Strings(registry.deleted)
	for _, path := range registry.deleted {
		if !strings.HasPrefix(path, "/v2/cabotage/pypi/infra/warehouse/manifests/") {
			t.Fatalf("unexpected deletion path %q", path)
		}
	}
}

func TestPruneAllIgnoresBuildcacheTags(t *testing.T) {
	tags := []string{"image-1-buildcache", "image-2-buildcache"}
	for i := 1; i <= 6; i++ {
		tags = append(tags, fmt.Sprintf("image-%d", i))
	}
	registry := &fakeRegistry{tags: map[string][]string{
		"cabotage/pypi/infra/warehouse": tags,
	}}
	server := httptest.NewServer(registry.handler(t))
	defer server.Close()

	svc := New(testApps(), registryclient.New(server.URL, noopTokens{}, server.Client()), discardLogger(), 5)
	if err := svc.PruneAll(context.Background()); err != nil {
		t.Fatalf("PruneAll: %v", err)
	}
	if len(registry.deleted) != 1 {
		t.Fatalf("expected only image-1 deleted, got %v", registry.deleted)
	}
}

func TestPruneAllIgnoresForeignTags(t *testing.T) {
	registry := &fakeRegistry{tags: map[string][]string{
		"cabotage/pypi/infra/warehouse": {"latest", "v1.2.3", "image-1", "release-1"},
	}}
	server := httptest.NewServer(registry.handler(t))
	defer server.Close()

	svc := New(testApps(), registryclient.New(server.URL, noopTokens{}, server.Client()), discardLogger(), 5)
	if err := svc.PruneAll(context.Background()); err != nil {
		t.Fatalf("PruneAll: %v", err)
	}
	if len(registry.deleted) != 0 {
		t.Fatalf("expected no deletions, got %v", registry.deleted)
	}
}

func TestNewDefaultsKeepCount(t *testing.T) {
	svc := New(testApps(), nil, discardLogger(), 0)
	if svc.keep != keepTagsDefault {
		t.Fatalf("expected default keep %d, got %d", keepTagsDefault, svc.keep)
	}
}
