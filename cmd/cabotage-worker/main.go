package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/cabotage/cabotage-app/internal/app/migrate"
	"github.com/cabotage/cabotage-app/internal/archive"
	"github.com/cabotage/cabotage-app/internal/deploy"
	"github.com/cabotage/cabotage-app/internal/docker"
	"github.com/cabotage/cabotage-app/internal/github"
	"github.com/cabotage/cabotage-app/internal/registry"
	"github.com/cabotage/cabotage-app/internal/registryclient"
	"github.com/cabotage/cabotage-app/internal/repository/postgres"
	"github.com/cabotage/cabotage-app/internal/service/builds"
	"github.com/cabotage/cabotage-app/internal/service/hooks"
	"github.com/cabotage/cabotage-app/internal/service/prune"
	"github.com/cabotage/cabotage-app/internal/service/releases"
	"github.com/cabotage/cabotage-app/internal/service/sources"
	"github.com/cabotage/cabotage-app/internal/tasks"
	"github.com/cabotage/cabotage-app/internal/vault"
	"github.com/cabotage/cabotage-app/pkg/config"
	"github.com/cabotage/cabotage-app/pkg/logger"
)

func main() {
	cfg := config.LoadWorkerConfig()
	log := logger.New("cabotage-worker", slog.LevelInfo)

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

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	tasksClient := tasks.NewClient(redisOpt)
	defer tasksClient.Close()

	githubClient, err := githubFromConfig(cfg)
	if err != nil {
		log.Error("failed to configure github client", "error", err)
		os.Exit(1)
	}

	store := archive.NewS3Store(cfg.ArchiveEndpoint, cfg.ArchiveRegion, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket)

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

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to connect to docker daemon", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker daemon ping failed", "error", err)
		os.Exit(1)
	}

	clientset, err := kubernetesClient()
	if err != nil {
		log.Error("failed to configure kubernetes client", "error", err)
		os.Exit(1)
	}

	hookSvc := hooks.New(repo, tasksClient, log, "")
	sourceSvc := sources.New(repo, repo, repo, store, githubClient, tasksClient, log)
	buildSvc := builds.New(repo, store, dockerClient, credentials, githubClient, tasksClient, log, cfg.Registry, cfg.EnvconsulBinary)
	releaseSvc := releases.New(repo, repo, repo, repo, log)

	registryAPI := registryclient.New(
		registryBaseURL(cfg),
		registry.RepositoryTokenSource{Issuer: issuer, Service: cfg.RegistryService},
		&http.Client{Timeout: cfg.HTTPTimeout},
	)
	pruneSvc := prune.New(repo, registryAPI, log, cfg.PrunedTagsKept)

	deployer := deploy.New(
		clientset,
		registry.PullSecretSource{Credentials: credentials, URL: cfg.RegistryPullURL},
		log,
		deploy.Config{
			RegistryPullURL: cfg.RegistryPullURL,
			SidecarImage:    cfg.SidecarImage,
			GhostunnelImage: cfg.GhostunnelImage,
			VaultAddr:       cfg.VaultAddr,
			ConsulAddr:      cfg.ConsulAddr,
		},
	)
	reaper := deploy.NewReaper(clientset, log, cfg.PodMaxAge)

	handlers := tasks.NewHandlers(
		hookSvc, sourceSvc, buildSvc, releaseSvc, pruneSvc,
		deployer, reaper, tasksClient,
		repo, repo, repo, repo,
		githubClient, log,
	)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Logger:      asynqLogger{log},
	})
	scheduler, err := tasks.NewScheduler(redisOpt)
	if err != nil {
		log.Error("failed to configure scheduler", "error", err)
		os.Exit(1)
	}

	errorCh := make(chan error, 2)
	go func() {
		log.Info("worker starting", "concurrency", cfg.Concurrency)
		errorCh <- srv.Run(handlers.Mux())
	}()
	go func() {
		errorCh <- scheduler.Run()
	}()

	select {
	case <-ctx.Done():
		scheduler.Shutdown()
		srv.Shutdown()
		log.Info("worker stopped")
	case err := <-errorCh:
		if err != nil {
			log.Error("worker error", "error", err)
			os.Exit(1)
		}
	}
}

func githubFromConfig(cfg config.WorkerConfig) (*github.Client, error) {
	material := cfg.GithubAppPrivateKey
	pem := []byte(material)
	if !strings.Contains(material, "BEGIN") {
		loaded, err := os.ReadFile(material)
		if err != nil {
			return nil, fmt.Errorf("reading github app key %s: %w", material, err)
		}
		pem = loaded
	}
	return github.New(cfg.GithubAppID, pem, &http.Client{Timeout: cfg.HTTPTimeout})
}

// kubernetesClient prefers in-cluster configuration and falls back to
// KUBECONFIG when running locally.
func kubernetesClient() (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	return kubernetes.NewForConfig(restCfg)
}

func registryBaseURL(cfg config.WorkerConfig) string {
	scheme := "http"
	if cfg.RegistrySecure {
		scheme = "https"
	}
	return scheme + "://" + cfg.Registry
}

func buildIssuer(ctx context.Context, vaultClient *vault.Client, cfg config.WorkerConfig) (*registry.Issuer, error) {
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

// asynqLogger adapts slog to asynq's logger interface.
type asynqLogger struct {
	log *slog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) {
	l.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}
