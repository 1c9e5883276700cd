package domain

import "time"

// Configuration is one named value for an application. Writes never mutate an
// existing version: each write lands at version_id+1 under its own key in the
// backing store, and the previous key stays untouched.
type Configuration struct {
	ID            string
	ApplicationID string
	Name          string
	Value         string
	Secret        bool
	Buildtime     bool
	KeySlug       string
	BuildKeySlug  string
	VersionID     int32
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
