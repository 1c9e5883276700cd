package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cabotage/cabotage-app/internal/app/migrate"
	"github.com/cabotage/cabotage-app/internal/configstore"
	httpx "github.com/cabotage/cabotage-app/internal/http"
	"github.com/cabotage/cabotage-app/internal/registry"
	"github.com/cabotage/cabotage-app/internal/repository/postgres"
	"github.com/cabotage/cabotage-app/internal/service/configs"
	"github.com/cabotage/cabotage-app/internal/service/hooks"
	"github.com/cabotage/cabotage-app/internal/tasks"
	"github.com/cabotage/cabotage-app/internal/vault"
	"github.com/cabotage/cabotage-app/pkg/config"
	"github.com/cabotage/cabotage-app/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("cabotage-api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	tasksClient := tasksClientFromConfig(cfg)
	defer tasksClient.Close()

	hookSvc := hooks.New(repo, tasksClient, log, cfg.GithubWebhookSecret)

	vaultClient, err := vault.New(cfg.VaultAddr, cfg.VaultToken, cfg.VaultPrefix, cfg.VaultSigningMount, cfg.VaultSigningKey)
	if err != nil {
		log.Error("failed to configure vault", "error", err)
		os.Exit(1)
	}
	issuer, err := buildIssuer(ctx, vaultClient, cfg)
	if err != nil {
		log.Error("failed to configure token issuer", "error", err)
		os.Exit(1)
	}

	credentials := registry.NewCredentials(cfg.RegistryAuthSecret)

	consulClient, err := consulapi.NewClient(&consulapi.Config{
		Address: cfg.ConsulAddr,
		Token:   cfg.ConsulToken,
	})
	if err != nil {
		log.Error("failed to configure consul", "error", err)
		os.Exit(1)
	}
	configWriter := configstore.NewWriter(vaultClient, consulClient, cfg.ConsulPrefix)
	configSvc := configs.New(repo, repo, configWriter, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, hookSvc, configSvc, credentials, issuer, cfg.RegistryService, cfg.RegistryTokenMaxAge, cfg.AdminAuthToken, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func tasksClientFromConfig(cfg config.APIConfig) *tasks.Client {
	return tasks.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func buildIssuer(ctx context.Context, vaultClient *vault.Client, cfg config.APIConfig) (*registry.Issuer, error) {
	pub, err := vaultClient.SigningPublicKey(ctx)
	if err != nil {
		return nil, err
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("signing key is not an ECDSA key")
	}
	return registry.NewIssuer(vaultClient, ecdsaPub, cfg.RegistryTokenIssuer, cfg.RegistryTokenSubject)
}
