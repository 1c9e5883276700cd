package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
)

// StreamError is a build or push failure reported inside the
// daemon's NDJSON stream. These are user-facing build failures, not
// transport errors, so they are terminal for the task.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return e.Message }

// OutputCallback is invoked with incremental daemon stream messages.
type OutputCallback func(string)

// BuildImage builds an image from a tar build context. Credentials
// are sent per registry host so FROM lines against the private
// registry resolve.
func (c *Client) BuildImage(ctx context.Context, buildCtx io.Reader, tag, dockerfile, registryHost, username, password string, onOutput OutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
		PullParent:  false,
	}
	if registryHost != "" {
		opts.AuthConfigs = map[string]registry.AuthConfig{
			registryHost: {Username: username, Password: password},
		}
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	return consumeStream(resp.Body, onOutput)
}

// PushImage pushes ref, authenticating with an X-Registry-Auth
// header built from the credential pair.
func (c *Client) PushImage(ctx context.Context, ref, username, password string, onOutput OutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	authJSON, err := json.Marshal(registry.AuthConfig{Username: username, Password: password})
	if err != nil {
		return err
	}
	resp, err := c.inner.ImagePush(ctx, ref, imagetypes.PushOptions{
		RegistryAuth: base64.URLEncoding.EncodeToString(authJSON),
	})
	if err != nil {
		return fmt.Errorf("docker image push: %w", err)
	}
	defer resp.Close()
	return consumeStream(resp, onOutput)
}

// InspectImageID returns the daemon's content-addressed id for ref.
func (c *Client) InspectImageID(ctx context.Context, ref string) (string, error) {
	inspect, _, err := c.inner.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("docker image inspect: %w", err)
	}
	return inspect.ID, nil
}

// consumeStream drains an NDJSON daemon stream, surfacing any record
// that carries an error field as a StreamError.
func consumeStream(r io.Reader, onOutput OutputCallback) error {
	decoder := json.NewDecoder(r)
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode daemon stream: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return &StreamError{Message: errMsg}
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}

type streamMessage struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	ID          string `json:"id"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux map[string]interface{} `json:"aux"`
}

func (m streamMessage) errorMessage() string {
	if strings.TrimSpace(m.ErrorDetail.Message) != "" {
		return strings.TrimSpace(m.ErrorDetail.Message)
	}
	return strings.TrimSpace(m.Error)
}

func (m streamMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status != "" {
		if strings.TrimSpace(m.ID) != "" {
			return strings.TrimSpace(m.ID) + " " + strings.TrimSpace(m.Status)
		}
		return strings.TrimSpace(m.Status)
	}
	return ""
}
