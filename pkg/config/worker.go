package config

import "time"

// WorkerConfig holds runtime configuration for the pipeline worker.
type WorkerConfig struct {
	Environment   string
	DatabaseURL   string
	MigrationsDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Concurrency   int

	GithubAppID         int64
	GithubAppPrivateKey string

	Registry             string
	RegistrySecure       bool
	RegistryPullURL      string
	RegistryAuthSecret   string
	RegistryService      string
	RegistryTokenIssuer  string
	RegistryTokenSubject string

	DockerHost      string
	EnvconsulBinary string
	BuildTimeout    time.Duration

	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveBucket    string
	ArchivePrefix    string
	ArchiveSecure    bool

	VaultAddr         string
	VaultToken        string
	VaultPrefix       string
	VaultSigningMount string
	VaultSigningKey   string

	ConsulAddr   string
	ConsulToken  string
	ConsulPrefix string

	SidecarImage      string
	GhostunnelImage   string
	DeploymentTimeout time.Duration
	PodMaxAge         time.Duration
	PrunedTagsKept    int

	HTTPTimeout time.Duration
}

// LoadWorkerConfig constructs a WorkerConfig from environment variables.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Environment:   GetString("APP_ENV", "development"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://cabotage:cabotage@db:5432/cabotage?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "migrations"),

		RedisAddr:     GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),
		Concurrency:   GetInt("WORKER_CONCURRENCY", 8),

		GithubAppID:         GetInt64("GITHUB_APP_ID", 0),
		GithubAppPrivateKey: GetString("GITHUB_APP_PRIVATE_KEY", ""),

		Registry:             GetString("REGISTRY_BUILD", "localhost:30000"),
		RegistrySecure:       GetBool("REGISTRY_SECURE", false),
		RegistryPullURL:      GetString("REGISTRY_PULL_URL", "localhost:30000"),
		RegistryAuthSecret:   GetString("REGISTRY_AUTH_SECRET", "v3rys3cur3"),
		RegistryService:      GetString("REGISTRY_SERVICE", "cabotage-registry"),
		RegistryTokenIssuer:  GetString("REGISTRY_TOKEN_ISSUER", "cabotage-app"),
		RegistryTokenSubject: GetString("REGISTRY_TOKEN_SUBJECT", "cabotage-builder"),

		DockerHost:      GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		EnvconsulBinary: GetString("ENVCONSUL_BINARY", "/usr/share/cabotage/envconsul-linux-amd64"),
		BuildTimeout:    time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 600)) * time.Second,

		ArchiveEndpoint:  GetString("ARCHIVE_ENDPOINT", "http://127.0.0.1:9000"),
		ArchiveRegion:    GetString("ARCHIVE_REGION", "us-east-1"),
		ArchiveAccessKey: GetString("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: GetString("ARCHIVE_SECRET_KEY", ""),
		ArchiveBucket:    GetString("ARCHIVE_BUCKET", "cabotage-registry"),
		ArchivePrefix:    GetString("ARCHIVE_PREFIX", "cabotage-builds"),
		ArchiveSecure:    GetBool("ARCHIVE_SECURE", false),

		VaultAddr:         GetString("VAULT_ADDR", "http://127.0.0.1:8200"),
		VaultToken:        GetString("VAULT_TOKEN", ""),
		VaultPrefix:       GetString("VAULT_PREFIX", "cabotage-secrets"),
		VaultSigningMount: GetString("VAULT_SIGNING_MOUNT", "transit"),
		VaultSigningKey:   GetString("VAULT_SIGNING_KEY", "cabotage-app"),

		ConsulAddr:   GetString("CONSUL_HTTP_ADDR", "127.0.0.1:8500"),
		ConsulToken:  GetString("CONSUL_TOKEN", ""),
		ConsulPrefix: GetString("CONSUL_PREFIX", "cabotage"),

		SidecarImage:      GetString("SIDECAR_IMAGE", "gcr.io/the-psf/cabotage-sidecar:v1.0.0a1"),
		GhostunnelImage:   GetString("GHOSTUNNEL_IMAGE", "ghostunnel/ghostunnel:v1.5.2"),
		DeploymentTimeout: time.Duration(GetInt("DEPLOYMENT_TIMEOUT_SECONDS", 180)) * time.Second,
		PodMaxAge:         time.Duration(GetInt("POD_MAX_AGE_HOURS", 168)) * time.Hour,
		PrunedTagsKept:    GetInt("PRUNED_TAGS_KEPT", 5),

		HTTPTimeout: time.Duration(GetInt("HTTP_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}
