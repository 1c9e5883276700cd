package domain

import (
	"encoding/json"
	"time"
)

// Release pins a built image to the exact configuration versions and process
// table to run. Immutable after creation.
type Release struct {
	ID                      string
	ApplicationID           string
	ImageID                 string
	RepositoryName          string
	Version                 int32
	Processes               map[string]Process
	ReleaseCommands         map[string]Process
	EnvconsulConfigurations map[string]string
	ConfigurationSlugs      map[string]string
	HealthCheckPath         string
	HealthCheckHost         string
	DeploymentTimeout       int32
	ReleaseMetadata         json.RawMessage
	CreatedAt               time.Time
}

// Deployment is the historical record of one apply attempt of a release.
type Deployment struct {
	ID            string
	ApplicationID string
	Release       Release
	IsRollback    bool
	Complete      bool
	Error         bool
	ErrorDetail   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
