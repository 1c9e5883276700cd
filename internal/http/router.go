// Package httpx exposes the control plane's HTTP surface: webhook
// intake, the registry token endpoint, health and metrics.
package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cabotage/cabotage-app/internal/registry"
	"github.com/cabotage/cabotage-app/internal/repository"
	"github.com/cabotage/cabotage-app/internal/service/configs"
	"github.com/cabotage/cabotage-app/internal/service/hooks"
)

const (
	rateWindowDefault = time.Minute
	rateLimitHooks    = 120
	rateLimitToken    = 300
	rateLimitAdmin    = 60

	healthCheckTimeout = 2 * time.Second
	maxHookBody        = 1 << 20
	maxAdminBody       = 256 << 10
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux             *http.ServeMux
	logger          *slog.Logger
	hooks           hooks.Service
	configs         configs.Service
	credentials     *registry.Credentials
	issuer          *registry.Issuer
	registryService string
	tokenMaxAge     time.Duration
	adminToken      string
	limiter         RateLimiter
	dbHealth        func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	tokensIssued       *prometheus.CounterVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, hookSvc hooks.Service, configSvc configs.Service, credentials *registry.Credentials, issuer *registry.Issuer, registryService string, tokenMaxAge time.Duration, adminToken string, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:             http.NewServeMux(),
		logger:          logger,
		hooks:           hookSvc,
		configs:         configSvc,
		credentials:     credentials,
		issuer:          issuer,
		registryService: registryService,
		tokenMaxAge:     tokenMaxAge,
		adminToken:      strings.TrimSpace(adminToken),
		limiter:         limiter,
		dbHealth:        dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/hooks/github", r.audit(r.withRateLimit("hooks", rateLimitHooks, rateWindowDefault, r.handleGithubHook)))
	r.mux.HandleFunc("/token", r.audit(r.withRateLimit("token", rateLimitToken, rateWindowDefault, r.handleToken)))
	r.mux.HandleFunc("/applications/", r.audit(r.withRateLimit("admin", rateLimitAdmin, rateWindowDefault, r.handleApplicationSubroutes)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGithubHook validates the delivery signature and persists the
// hook. Invalid signatures are dropped with a 400 and no body detail.
func (r *Router) handleGithubHook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxHookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := r.hooks.ValidateSignature(body, req.Header.Get("X-Hub-Signature-256")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	headers := make(map[string]string)
	for _, name := range []string{"X-Github-Event", "X-Github-Delivery", "X-Hub-Signature-256", "Content-Type"} {
		if v := req.Header.Get(name); v != "" {
			headers[name] = v
		}
	}
	if _, err := r.hooks.Ingest(req.Context(), headers, body); err != nil {
		r.logger.Error("hook ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "hook persistence failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleToken implements the registry token protocol: the caller
// authenticates with an opaque builder credential and receives a JWT
// covering the intersection of what it asked for and what the
// credential grants.
func (r *Router) handleToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	service := req.URL.Query().Get("service")
	if service != r.registryService {
		r.recordTokenIssued("bad_service")
		writeError(w, http.StatusBadRequest, "unknown service")
		return
	}

	_, password, ok := req.BasicAuth()
	if !ok {
		r.recordTokenIssued("unauthorized")
		w.Header().Set("WWW-Authenticate", `Basic realm="registry token"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	granted, err := r.credentials.Verify(password, r.tokenMaxAge)
	if err != nil {
		r.recordTokenIssued("unauthorized")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	requested := registry.ParseScope(req.URL.Query().Get("scope"))
	access := registry.Intersect(requested, granted)

	token, err := r.issuer.Mint(req.Context(), service, access)
	if err != nil {
		r.recordTokenIssued("error")
		r.logger.Error("token mint failed", "error", err)
		writeError(w, http.StatusInternalServerError, "token signing failed")
		return
	}
	r.recordTokenIssued("ok")
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleApplicationSubroutes serves /applications/<id>/configurations
// for operators. Secret values never round-trip back out.
func (r *Router) handleApplicationSubroutes(w http.ResponseWriter, req *http.Request) {
	if !r.verifyAdminToken(w, req) {
		return
	}
	rest := strings.TrimPrefix(req.URL.Path, "/applications/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "configurations" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	applicationID := parts[0]

	switch req.Method {
	case http.MethodGet:
		r.handleConfigurationList(w, req, applicationID)
	case http.MethodPost, http.MethodPut:
		r.handleConfigurationSet(w, req, applicationID)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleConfigurationList(w http.ResponseWriter, req *http.Request, applicationID string) {
	rows, err := r.configs.List(req.Context(), applicationID)
	if err != nil {
		r.logger.Error("configuration list failed", "application_id", applicationID, "error", err)
		writeError(w, http.StatusInternalServerError, "configuration listing failed")
		return
	}
	type entry struct {
		Name      string `json:"name"`
		Value     string `json:"value,omitempty"`
		Secret    bool   `json:"secret"`
		Buildtime bool   `json:"buildtime"`
		KeySlug   string `json:"key_slug"`
		Version   int32  `json:"version"`
	}
	out := make([]entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, entry{
			Name:      row.Name,
			Value:     row.Value,
			Secret:    row.Secret,
			Buildtime: row.Buildtime,
			KeySlug:   row.KeySlug,
			Version:   row.VersionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"configurations": out})
}

func (r *Router) handleConfigurationSet(w http.ResponseWriter, req *http.Request, applicationID string) {
	var body struct {
		Name      string `json:"name"`
		Value     string `json:"value"`
		Secret    bool   `json:"secret"`
		Buildtime bool   `json:"buildtime"`
	}
	if err := json.NewDecoder(io.LimitReader(req.Body, maxAdminBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cfg, err := r.configs.Set(req.Context(), applicationID, body.Name, body.Value, body.Secret, body.Buildtime)
	switch {
	case errors.Is(err, configs.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "application not found")
		return
	case err != nil:
		r.logger.Error("configuration write failed", "application_id", applicationID, "error", err)
		writeError(w, http.StatusInternalServerError, "configuration write failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     cfg.Name,
		"version":  cfg.VersionID,
		"key_slug": cfg.KeySlug,
	})
}

// verifyAdminToken ensures operator requests carry the configured secret.
func (r *Router) verifyAdminToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.adminToken
	if expected == "" {
		r.logger.Error("admin token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "admin authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("Authorization"))
	token = strings.TrimPrefix(token, "Bearer ")
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("admin token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid admin token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if delivery := strings.TrimSpace(req.Header.Get("X-Github-Delivery")); delivery != "" {
			fields = append(fields, "delivery_id", delivery)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
