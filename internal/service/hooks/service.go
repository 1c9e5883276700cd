// Package hooks ingests GitHub webhook deliveries: signature
// validation, persistence, dedupe, and handoff to the pipeline.
package hooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/cabotage/cabotage-app/internal/domain"
	"github.com/cabotage/cabotage-app/internal/repository"
)

// ErrInvalidSignature is returned when a delivery's HMAC does not
// match the shared webhook secret. Callers drop these silently.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Enqueuer hands a persisted hook to the task runtime.
type Enqueuer interface {
	EnqueueHookProcess(ctx context.Context, hookID string) error
}

// Service validates, stores, and dispatches webhook deliveries.
type Service struct {
	repo     repository.HookRepository
	enqueuer Enqueuer
	logger   *slog.Logger
	secret   []byte
}

// New constructs a hooks service.
func New(repo repository.HookRepository, enqueuer Enqueuer, logger *slog.Logger, secret string) Service {
	return Service{repo: repo, enqueuer: enqueuer, logger: logger, secret: []byte(secret)}
}

// ValidateSignature checks a GitHub X-Hub-Signature-256 header
// ("sha256=<hex>") against the raw body in constant time.
func (s Service) ValidateSignature(body []byte, provided string) error {
	provided = strings.TrimPrefix(provided, "sha256=")
	if provided == "" {
		return ErrInvalidSignature
	}
	hasher := hmac.New(sha256.New, s.secret)
	hasher.Write(body)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Ingest persists a delivery and enqueues processing. The commit SHA
// is extracted from the payload for dedupe.
func (s Service) Ingest(ctx context.Context, headers map[string]string, body []byte) (*domain.Hook, error) {
	hook := &domain.Hook{
		ID:        uuid.New().String(),
		Headers:   headers,
		Payload:   json.RawMessage(body),
		CommitSHA: commitSHA(body),
	}
	if err := s.repo.CreateHook(ctx, hook); err != nil {
		return nil, fmt.Errorf("persisting hook: %w", err)
	}
	if err := s.enqueuer.EnqueueHookProcess(ctx, hook.ID); err != nil {
		return nil, fmt.Errorf("enqueueing hook %s: %w", hook.ID, err)
	}
	s.logger.Info("webhook ingested", "hook_id", hook.ID, "event", hook.Event(), "commit", hook.CommitSHA)
	return hook, nil
}

// Process handles a stored hook. Deployment events for an already
// handled (commit, environment) pair are marked processed without
// action; installation lifecycle events are acknowledged outright.
func (s Service) Process(ctx context.Context, hookID string) (*domain.Hook, bool, error) {
	hook, err := s.repo.GetHookByID(ctx, hookID)
	if err != nil {
		return nil, false, err
	}
	if hook.Processed {
		return hook, false, nil
	}

	switch hook.Event() {
	case "deployment":
	case "installation", "installation_repositories":
		if err := s.repo.MarkHookProcessed(ctx, hook.ID, true); err != nil {
			return nil, false, err
		}
		return hook, false, nil
	default:
		s.logger.Info("ignoring webhook event", "hook_id", hook.ID, "event", hook.Event())
		if err := s.repo.MarkHookProcessed(ctx, hook.ID, true); err != nil {
			return nil, false, err
		}
		return hook, false, nil
	}

	env := deploymentEnvironment(hook.Payload)
	done, err := s.repo.HookProcessedForCommit(ctx, hook.CommitSHA, env)
	if err != nil {
		return nil, false, err
	}
	if done {
		s.logger.Info("duplicate deployment hook", "hook_id", hook.ID, "commit", hook.CommitSHA, "environment", env)
		if err := s.repo.MarkHookProcessed(ctx, hook.ID, true); err != nil {
			return nil, false, err
		}
		return hook, false, nil
	}
	return hook, true, nil
}

func commitSHA(payload []byte) string {
	var doc struct {
		Deployment struct {
			SHA string `json:"sha"`
		} `json:"deployment"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	return doc.Deployment.SHA
}

func deploymentEnvironment(payload []byte) string {
	var doc struct {
		Deployment struct {
			Environment string `json:"environment"`
		} `json:"deployment"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	return doc.Deployment.Environment
}
