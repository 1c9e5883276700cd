// Package configstore writes application configuration values into
// their backing stores: Vault for secrets, Consul KV for everything
// else. The returned key slugs are what envconsul configs reference.
package configstore

import (
	"context"
	"fmt"
	"strings"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/cabotage/cabotage-app/internal/domain"
)

// SecretStore is the secret backend subset the writer needs.
// Satisfied by vault.Client.
type SecretStore interface {
	Prefix() string
	WriteSecret(ctx context.Context, path string, data map[string]any) error
	DeleteSecret(ctx context.Context, path string) error
}

// Writer routes Configuration values to Vault or Consul and returns
// the slugs downstream consumers read them back by.
type Writer struct {
	vault    SecretStore
	consul   *consulapi.Client
	kvPrefix string
}

func NewWriter(vault SecretStore, consul *consulapi.Client, kvPrefix string) *Writer {
	return &Writer{vault: vault, consul: consul, kvPrefix: strings.Trim(kvPrefix, "/")}
}

// KeySlugs is the pair of routed slugs a stored Configuration is
// addressed by. BuildKeySlug is empty unless the value is a
// buildtime secret.
type KeySlugs struct {
	ConfigKeySlug string
	BuildKeySlug  string
}

// Write stores the configuration value in its backend and returns
// the key slugs, prefixed "vault:" or "consul:" so readers can route.
func (w *Writer) Write(ctx context.Context, app *domain.Application, cfg *domain.Configuration) (KeySlugs, error) {
	version := int(cfg.VersionID) + 1
	scope := fmt.Sprintf("%s/%s-%s", app.OrganizationSlug, app.ProjectSlug, app.Slug)

	if cfg.Secret {
		return w.writeSecret(ctx, scope, cfg, version)
	}

	key := fmt.Sprintf("%s/%s/configuration/%s/%d/%s", w.kvPrefix, scope, cfg.Name, version, cfg.Name)
	_, err := w.consul.KV().Put(&consulapi.KVPair{Key: key, Value: []byte(cfg.Value)}, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return KeySlugs{}, fmt.Errorf("writing consul key %s: %w", key, err)
	}
	slug := strings.TrimSuffix(key, "/"+cfg.Name)
	return KeySlugs{ConfigKeySlug: "consul:" + slug}, nil
}

// Vault's delete is exposed for configuration removal flows; Consul
// keys are simply superseded by later versions.
func (w *Writer) Delete(ctx context.Context, slug string) error {
	path, ok := strings.CutPrefix(slug, "vault:"+w.vault.Prefix()+"/")
	if !ok {
		return nil
	}
	return w.vault.DeleteSecret(ctx, path)
}

func (w *Writer) writeSecret(ctx context.Context, scope string, cfg *domain.Configuration, version int) (KeySlugs, error) {
	data := map[string]any{cfg.Name: cfg.Value}

	path := fmt.Sprintf("automation/%s/configuration/%s/%d", scope, cfg.Name, version)
	if err := w.vault.WriteSecret(ctx, path, data); err != nil {
		return KeySlugs{}, err
	}
	slugs := KeySlugs{ConfigKeySlug: "vault:" + w.vault.Prefix() + "/" + path}

	if cfg.Buildtime {
		buildPath := fmt.Sprintf("buildtime/%s/configuration/%s/%d", scope, cfg.Name, version)
		if err := w.vault.WriteSecret(ctx, buildPath, data); err != nil {
			return KeySlugs{}, err
		}
		slugs.BuildKeySlug = "vault:" + w.vault.Prefix() + "/" + buildPath
	}
	return slugs, nil
}
