package domain

import (
	"encoding/json"
	"time"
)

// Process is one entry of a parsed Procfile.
type Process struct {
	Command     string      `json:"cmd"`
	Environment [][2]string `json:"env"`
}

// Image tracks one source archive through its container build.
// Lifecycle: created pending by the source fetcher, transitioned to built or
// errored by the image builder. Both end states are terminal.
type Image struct {
	ID             string
	ApplicationID  string
	RepositoryName string
	BuildSlug      string
	BuildRef       string
	ImageID        string
	Processes      map[string]Process
	ImageMetadata  json.RawMessage
	Version        int32
	Built          bool
	Error          bool
	ErrorDetail    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ImageBuildResult carries the terminal state of a build back to the store.
type ImageBuildResult struct {
	ImageID     string
	Processes   map[string]Process
	Built       bool
	Error       bool
	ErrorDetail string
}

// HookMetadata is the slice of the originating deployment hook an Image needs
// to keep reporting status upstream after the Hook row is out of the picture.
type HookMetadata struct {
	DeploymentID   int64  `json:"deployment_id,omitempty"`
	InstallationID int64  `json:"installation_id,omitempty"`
	StatusesURL    string `json:"statuses_url,omitempty"`
	Environment    string `json:"environment,omitempty"`
	Description    string `json:"description,omitempty"`
	AutoDeploy     bool   `json:"auto_deploy,omitempty"`
}
