package hooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/cabotage/cabotage-app/internal/domain"
	"github.com/cabotage/cabotage-app/internal/repository"
)

type fakeHookRepo struct {
	created   *domain.Hook
	hooks     map[string]*domain.Hook
	processed map[string]bool
	commitHit bool
	createErr error
}

func newFakeHookRepo() *fakeHookRepo {
	return &fakeHookRepo{hooks: make(map[string]*domain.Hook), processed: make(map[string]bool)}
}

func (f *fakeHookRepo) CreateHook(_ context.Context, hook *domain.Hook) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = hook
	f.hooks[hook.ID] = hook
	return nil
}

func (f *fakeHookRepo) GetHookByID(_ context.Context, id string) (*domain.Hook, error) {
	hook, ok := f.hooks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return hook, nil
}

func (f *fakeHookRepo) MarkHookProcessed(_ context.Context, id string, processed bool) error {
	f.processed[id] = processed
	return nil
}

func (f *fakeHookRepo) HookProcessedForCommit(context.Context, string, string) (bool, error) {
	return f.commitHit, nil
}

type fakeEnqueuer struct {
	hookIDs []string
	err     error
}

func (f *fakeEnqueuer) EnqueueHookProcess(_ context.Context, hookID string) error {
	if f.err != nil {
		return f.err
	}
	f.hookIDs = append(f.hookIDs, hookID)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	svc := New(newFakeHookRepo(), &fakeEnqueuer{}, discardLogger(), "hook-secret")
	body := []byte(`{"action":"created"}`)

	if err := svc.ValidateSignature(body, signBody("hook-secret", body)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := svc.ValidateSignature(body, signBody("wrong-secret", body)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if err := svc.ValidateSignature(body, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for missing header, got %v", err)
	}
	if err := svc.ValidateSignature(body, "sha256="); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for empty digest, got %v", err)
	}
}

func TestIngestExtractsCommitSHA(t *testing.T) {
	repo := newFakeHookRepo()
	enqueuer := &fakeEnqueuer{}
	svc := New(repo, enqueuer, discardLogger(), "s")

	body := []byte(`{"deployment":{"sha":"abc123","environment":"cabotage/app-1"}}`)
	headers := map[string]string{"X-Github-Event": "deployment"}

	hook, err := svc.Ingest(context.Background(), headers, body)
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if hook.CommitSHA != "abc123" {
		t.Fatalf("expected commit sha extracted, got %q", hook.CommitSHA)
	}
	if repo.created == nil {
		t.Fatal("expected hook persisted")
	}
	if len(enqueuer.hookIDs) != 1 || enqueuer.hookIDs[0] != hook.ID {
		t.Fatalf("expected hook enqueued, got %v", enqueuer.hookIDs)
	}
}

func TestIngestPropagatesPersistenceFailure(t *testing.T) {
	repo := newFakeHookRepo()
	repo.createErr = errors.New("database down")
	svc := New(repo, &fakeEnqueuer{}, discardLogger(), "s")

	if _, err := svc.Ingest(context.Background(), nil, []byte(`{}`)); err == nil {
		t.Fatal("expected error when persistence fails")
	}
}

func TestProcessFreshDeploymentHookProceeds(t *testing.T) {
	repo := newFakeHookRepo()
	repo.hooks["h1"] = &domain.Hook{
		ID:        "h1",
		Headers:   map[string]string{"X-Github-Event": "deployment"},
		Payload:   []byte(`{"deployment":{"sha":"abc","environment":"cabotage/app-1"}}`),
		CommitSHA: "abc",
	}
	svc := New(repo, &fakeEnqueuer{}, discardLogger(), "s")

	hook, proceed, err := svc.Process(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if !proceed {
		t.Fatal("expected fresh deployment hook to proceed")
	}
	if hook.ID != "h1" {
		t.Fatalf("unexpected hook: %+v", hook)
	}
	if repo.processed["h1"] {
		t.Fatal("proceeding hook must not be marked processed yet")
	}
}

func TestProcessDuplicateDeploymentHookStops(t *testing.T) {
	repo := newFakeHookRepo()
	repo.commitHit = true
	repo.hooks["h1"] = &domain.Hook{
		ID:        "h1",
		Headers:   map[string]string{"X-Github-Event": "deployment"},
		Payload:   []byte(`{"deployment":{"sha":"abc","environment":"cabotage/app-1"}}`),
		CommitSHA: "abc",
	}
	svc := New(repo, &fakeEnqueuer{}, discardLogger(), "s")

	_, proceed, err := svc.Process(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if proceed {
		t.Fatal("expected duplicate deployment hook to stop")
	}
	if !repo.processed["h1"] {
		t.Fatal("expected duplicate hook marked processed")
	}
}

func TestProcessInstallationEventsAcknowledged(t *testing.T) {
	for _, event := range []string{"installation", "installation_repositories", "push"} {
		repo := newFakeHookRepo()
		repo.hooks["h1"] = &domain.Hook{
			ID:      "h1",
			Headers: map[string]string{"X-Github-Event": event},
			Payload: []byte(`{}`),
		}
		svc := New(repo, &fakeEnqueuer{}, discardLogger(), "s")

		_, proceed, err := svc.Process(context.Background(), "h1")
		if err != nil {
			t.Fatalf("Process(%s) returned error: %v", event, err)
		}
		if proceed {
			t.Fatalf("expected %s event not to proceed", event)
		}
		if !repo.processed["h1"] {
			t.Fatalf("expected %s event marked processed", event)
		}
	}
}

func TestProcessAlreadyProcessedHookIsNoop(t *testing.T) {
	repo := newFakeHookRepo()
	repo.hooks["h1"] = &domain.Hook{
		ID:        "h1",
		Headers:   map[string]string{"X-Github-Event": "deployment"},
		Payload:   []byte(`{}`),
		Processed: true,
	}
	svc := New(repo, &fakeEnqueuer{}, discardLogger(), "s")

	_, proceed, err := svc.Process(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if proceed {
		t.Fatal("expected processed hook not to proceed")
	}
}

func TestProcessUnknownHook(t *testing.T) {
	svc := New(newFakeHookRepo(), &fakeEnqueuer{}, discardLogger(), "s")
	_, _, err := svc.Process(context.Background(), "missing")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
