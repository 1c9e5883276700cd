// Package tasks defines the durable task surface of the pipeline:
// task types, payloads, and the enqueueing client. Handlers live in
// handlers.go; the periodic schedule in scheduler.go.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Task type names. Payloads are entity ids only; every task re-reads
// its state from the store so at-least-once delivery is safe.
const (
	TypeHookProcess     = "hook:process"
	TypeSourceFetch     = "source:fetch"
	TypeImageBuild      = "image:build"
	TypeReleaseAssemble = "release:assemble"
	TypeReleaseDeploy   = "release:deploy"
	TypePodsReap        = "pods:reap"
	TypeImagesPrune     = "images:prune"
)

type hookPayload struct {
	HookID string `json:"hook_id"`
}

type imagePayload struct {
	ImageID string `json:"image_id"`
}

type applicationPayload struct {
	ApplicationID string `json:"application_id"`
}

type releasePayload struct {
	ReleaseID string `json:"release_id"`
}

// Client enqueues pipeline tasks. Task ids are derived from the
// entity so a given entity has at most one task of a type in flight.
type Client struct {
	inner *asynq.Client
}

// NewClient constructs a task client on the shared redis broker.
func NewClient(redis asynq.RedisClientOpt) *Client {
	return &Client{inner: asynq.NewClient(redis)}
}

// Close releases the underlying broker connection.
func (c *Client) Close() error {
	return c.inner.Close()
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = c.inner.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...)
	if err != nil {
		// A task for this entity is already queued or running.
		if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueueing %s: %w", taskType, err)
	}
	return nil
}

func (c *Client) EnqueueHookProcess(ctx context.Context, hookID string) error {
	return c.enqueue(ctx, TypeHookProcess, hookPayload{HookID: hookID},
		asynq.TaskID(TypeHookProcess+":"+hookID),
		asynq.Timeout(time.Minute))
}

func (c *Client) EnqueueSourceFetch(ctx context.Context, hookID string) error {
	return c.enqueue(ctx, TypeSourceFetch, hookPayload{HookID: hookID},
		asynq.TaskID(TypeSourceFetch+":"+hookID),
		asynq.Timeout(5*time.Minute))
}

func (c *Client) EnqueueImageBuild(ctx context.Context, imageID string) error {
	return c.enqueue(ctx, TypeImageBuild, imagePayload{ImageID: imageID},
		asynq.TaskID(TypeImageBuild+":"+imageID),
		asynq.Timeout(10*time.Minute))
}

func (c *Client) EnqueueReleaseAssemble(ctx context.Context, applicationID string) error {
	return c.enqueue(ctx, TypeReleaseAssemble, applicationPayload{ApplicationID: applicationID},
		asynq.TaskID(TypeReleaseAssemble+":"+applicationID),
		asynq.Timeout(10*time.Minute))
}

func (c *Client) EnqueueReleaseDeploy(ctx context.Context, releaseID string) error {
	return c.enqueue(ctx, TypeReleaseDeploy, releasePayload{ReleaseID: releaseID},
		asynq.TaskID(TypeReleaseDeploy+":"+releaseID),
		asynq.Timeout(15*time.Minute))
}
