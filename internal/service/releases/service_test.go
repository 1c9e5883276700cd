package releases

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/cabotage/cabotage-app/internal/domain"
	"github.com/cabotage/cabotage-app/internal/repository"
)

type fakeReleaseRepo struct {
	created *domain.Release
	err     error
}

func (f *fakeReleaseRepo) CreateRelease(_ context.Context, release *domain.Release) error {
	if f.err != nil {
		return f.err
	}
	release.Version = 7
	f.created = release
	return nil
}

func (f *fakeReleaseRepo) GetReleaseByID(context.Context, string) (*domain.Release, error) {
	return nil, repository.ErrNotFound
}

type fakeImageRepo struct {
	image *domain.Image
	err   error
}

func (f *fakeImageRepo) CreateImage(context.Context, *domain.Image) error { return nil }
func (f *fakeImageRepo) GetImageByID(context.Context, string) (*domain.Image, error) {
	return f.image, f.err
}
func (f *fakeImageRepo) GetLatestBuiltImage(context.Context, string) (*domain.Image, error) {
	return f.image, f.err
}
func (f *fakeImageRepo) RecordImageBuild(context.Context, string, domain.ImageBuildResult) error {
	return nil
}

type fakeConfigRepo struct {
	configs []domain.Configuration
}

func (f *fakeConfigRepo) UpsertConfiguration(context.Context, *domain.Configuration) error {
	return nil
}
func (f *fakeConfigRepo) GetConfiguration(context.Context, string, string) (*domain.Configuration, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeConfigRepo) ListConfigurations(context.Context, string) ([]domain.Configuration, error) {
	return f.configs, nil
}

type fakeAppRepo struct {
	app *domain.Application
}

func (f *fakeAppRepo) GetApplicationByID(context.Context, string) (*domain.Application, error) {
	if f.app == nil {
		return nil, repository.ErrNotFound
	}
	return f.app, nil
}
func (f *fakeAppRepo) ListApplications(context.Context) ([]domain.Application, error) {
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateForSplitsReleaseCommands(t *testing.T) {
	releaseRepo := &fakeReleaseRepo{}
	svc := New(releaseRepo, &fakeImageRepo{image: &domain.Image{
		ID:             "img-1",
		ApplicationID:  "app-1",
		RepositoryName: "cabotage/pypi/infra/warehouse",
		Version:        3,
		Built:          true,
		Processes: map[string]domain.Process{
			"web":             {Command: "gunicorn app:app"},
			"worker":          {Command: "celery worker"},
			"release":         {Command: "alembic upgrade head"},
			"release-cleanup": {Command: "cleanup.sh"},
		},
	}}, &fakeConfigRepo{}, &fakeAppRepo{app: &domain.Application{
		ID:                "app-1",
		HealthCheckPath:   "/_health/",
		DeploymentTimeout: 180,
	}}, discardLogger())

	release, err := svc.CreateFor(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("CreateFor returned error: %v", err)
	}

	if len(release.Processes) != 2 {
		t.Fatalf("expected 2 long-running processes, got %v", release.Processes)
	}
	if len(release.ReleaseCommands) != 2 {
		t.Fatalf("expected 2 release commands, got %v", release.ReleaseCommands)
	}
	if _, ok := release.Processes["release"]; ok {
		t.Fatal("release command leaked into long-running processes")
	}
	if release.ImageID != "img-1" || release.RepositoryName != "cabotage/pypi/infra/warehouse" {
		t.Fatalf("unexpected image pinning: %+v", release)
	}
	if release.Version != 7 {
		t.Fatalf("expected repository-assigned version, got %d", release.Version)
	}
	if release.HealthCheckPath != "/_health/" || release.DeploymentTimeout != 180 {
		t.Fatalf("expected app roll-out metadata copied, got %+v", release)
	}
	if releaseRepo.created == nil {
		t.Fatal("expected release persisted")
	}
}

func TestCreateForSnapshotsConfigurationSlugs(t *testing.T) {
	configs := []domain.Configuration{
		{Name: "database-url", KeySlug: "vault:cabotage-secrets/automation/pypi/infra-warehouse/configuration/database-url/3", Secret: true},
		{Name: "port", KeySlug: "consul:cabotage/pypi/infra-warehouse/configuration/port/1"},
	}
	svc := New(&fakeReleaseRepo{}, &fakeImageRepo{image: &domain.Image{
		ID:        "img-1",
		Built:     true,
		Processes: map[string]domain.Process{"web": {Command: "run"}},
	}}, &fakeConfigRepo{configs: configs}, &fakeAppRepo{app: &domain.Application{ID: "app-1"}}, discardLogger())

	release, err := svc.CreateFor(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("CreateFor returned error: %v", err)
	}
	if len(release.ConfigurationSlugs) != 2 {
		t.Fatalf("expected 2 slugs, got %v", release.ConfigurationSlugs)
	}
	if release.ConfigurationSlugs["port"] != "consul:cabotage/pypi/infra-warehouse/configuration/port/1" {
		t.Fatalf("unexpected port slug: %q", release.ConfigurationSlugs["port"])
	}
}

func TestCreateForRequiresBuiltImage(t *testing.T) {
	svc := New(&fakeReleaseRepo{}, &fakeImageRepo{err: repository.ErrNotFound},
		&fakeConfigRepo{}, &fakeAppRepo{app: &domain.Application{ID: "app-1"}}, discardLogger())

	_, err := svc.CreateFor(context.Background(), "app-1")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRenderEnvconsul(t *testing.T) {
	configs := []domain.Configuration{
		{Name: "port", KeySlug: "consul:cabotage/pypi/infra-warehouse/configuration/port/1"},
		{Name: "database-url", KeySlug: "vault:cabotage-secrets/automation/pypi/infra-warehouse/configuration/database-url/3"},
	}
	rendered := renderEnvconsul(domain.Process{Command: "gunicorn app:app"}, configs)

	wantSecret := "secret {\n  no_prefix = true\n  path = \"cabotage-secrets/automation/pypi/infra-warehouse/configuration/database-url/3\"\n}\n\n"
	wantPrefix := "prefix {\n  no_prefix = true\n  path = \"cabotage/pypi/infra-warehouse/configuration/port/1\"\n}\n\n"
	wantExec := "exec {\n  command = \"gunicorn app:app\"\n}\n"

	if rendered != wantSecret+wantPrefix+wantExec {
		t.Fatalf("unexpected rendering:\n%s", rendered)
	}
}

func TestRenderEnvconsulSortsConfigurationsByName(t *testing.T) {
	configs := []domain.Configuration{
		{Name: "zeta", KeySlug: "consul:p/zeta/1"},
		{Name: "alpha", KeySlug: "consul:p/alpha/1"},
	}
	rendered := renderEnvconsul(domain.Process{Command: "run"}, configs)
	if strings.Index(rendered, "alpha") > strings.Index(rendered, "zeta") {
		t.Fatalf("expected alpha block before zeta:\n%s", rendered)
	}
}

func TestRenderEnvconsulPrefixesProcessEnvironment(t *testing.T) {
	proc := domain.Process{
		Command:     "celery worker",
		Environment: [][2]string{{"QUEUE", "default"}, {"LOGLEVEL", "info"}},
	}
	rendered := renderEnvconsul(proc, nil)
	want := "exec {\n  command = \"env QUEUE=default LOGLEVEL=info celery worker\"\n}\n"
	if rendered != want {
		t.Fatalf("unexpected rendering:\n got: %q\nwant: %q", rendered, want)
	}
}
