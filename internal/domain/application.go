package domain

import (
	"fmt"
	"regexp"
	"time"
)

var slugPattern = regexp.MustCompile(`^[-a-z0-9]+$`)

// ValidSlug reports whether s satisfies the slug grammar shared by
// organizations, projects and applications.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// Organization owns projects.
type Organization struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt time.Time
}

// Project groups applications under an organization.
type Project struct {
	ID             string
	OrganizationID string
	Slug           string
	Name           string
	CreatedAt      time.Time
}

// Application is the deployable unit. Slugs of the owning organization and
// project are denormalized onto the struct because nearly every pipeline
// stage needs the full <org>/<project>/<app> triple.
type Application struct {
	ID                      string
	ProjectID               string
	Slug                    string
	Name                    string
	OrganizationSlug        string
	ProjectSlug             string
	ProcessCounts           map[string]int32
	GithubRepository        string
	GithubAppInstallationID int64
	GithubEnvironmentName   string
	AutoDeploy              bool
	DeploymentTimeout       int32
	HealthCheckPath         string
	HealthCheckHost         string
	Privileged              bool
	Subdirectory            string
	DockerfilePath          string
	CreatedAt               time.Time
}

// RepositoryName is the registry repository all images and releases of the
// application are pushed to.
func (a Application) RepositoryName() string {
	return fmt.Sprintf("cabotage/%s/%s/%s", a.OrganizationSlug, a.ProjectSlug, a.Slug)
}

// RoleName is the identity a pod assumes against the secret store, and the
// value of the "app" label on every rendered object.
func (a Application) RoleName() string {
	return fmt.Sprintf("%s-%s-%s", a.OrganizationSlug, a.ProjectSlug, a.Slug)
}
