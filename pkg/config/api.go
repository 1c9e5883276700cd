package config

import "time"

// APIConfig holds runtime configuration for the control plane API service.
type APIConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	GithubWebhookSecret string

	RegistryAuthSecret   string
	RegistryService      string
	RegistryTokenMaxAge  time.Duration
	RegistryTokenIssuer  string
	RegistryTokenSubject string

	AdminAuthToken string

	VaultAddr         string
	VaultToken        string
	VaultPrefix       string
	VaultSigningMount string
	VaultSigningKey   string

	ConsulAddr   string
	ConsulToken  string
	ConsulPrefix string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":8000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://cabotage:cabotage@db:5432/cabotage?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "migrations"),

		RedisAddr:     GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),

		GithubWebhookSecret: GetString("GITHUB_WEBHOOK_SECRET", ""),

		RegistryAuthSecret:   GetString("REGISTRY_AUTH_SECRET", "v3rys3cur3"),
		RegistryService:      GetString("REGISTRY_SERVICE", "cabotage-registry"),
		RegistryTokenMaxAge:  time.Duration(GetInt("REGISTRY_TOKEN_MAX_AGE_SECONDS", 60)) * time.Second,
		RegistryTokenIssuer:  GetString("REGISTRY_TOKEN_ISSUER", "cabotage-app"),
		RegistryTokenSubject: GetString("REGISTRY_TOKEN_SUBJECT", "cabotage-builder"),

		AdminAuthToken: GetString("ADMIN_AUTH_TOKEN", ""),

		VaultAddr:         GetString("VAULT_ADDR", "http://127.0.0.1:8200"),
		VaultToken:        GetString("VAULT_TOKEN", ""),
		VaultPrefix:       GetString("VAULT_PREFIX", "cabotage-secrets"),
		VaultSigningMount: GetString("VAULT_SIGNING_MOUNT", "transit"),
		VaultSigningKey:   GetString("VAULT_SIGNING_KEY", "cabotage-app"),

		ConsulAddr:   GetString("CONSUL_HTTP_ADDR", "127.0.0.1:8500"),
		ConsulToken:  GetString("CONSUL_TOKEN", ""),
		ConsulPrefix: GetString("CONSUL_PREFIX", "cabotage"),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 1),
	}
}
