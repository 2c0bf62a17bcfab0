// Package api serves the admin HTTP surface: settings, rules, blocklists,
// clients, query-log analytics, and the cluster control endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"sentinel/pkg/blocklist"
	"sentinel/pkg/cache"
	"sentinel/pkg/cluster"
	"sentinel/pkg/forwarder"
	"sentinel/pkg/geo"
	"sentinel/pkg/logging"
	"sentinel/pkg/policy"
	"sentinel/pkg/ratelimit"
	"sentinel/pkg/storage"
)

// Server is the admin API server.
type Server struct {
	handler    http.Handler
	httpServer *http.Server
	logger     *logging.Logger

	store     *storage.Store
	engine    *policy.Engine
	forwarder *forwarder.Forwarder
	refresher *blocklist.Refresher
	cache     *cache.Cache
	queryLog  *storage.QueryLog
	geo       *geo.Resolver
	limiter   *ratelimit.Manager

	roles    *cluster.RoleResolver
	syncer   *cluster.Syncer
	verifier *cluster.Verifier

	joinCodeTTL time.Duration
	maxSyncLag  time.Duration
	selfURL     string
	haConfig    string
	netInfo     string

	version   string
	startTime time.Time
}

// Config wires the server's dependencies.
type Config struct {
	ListenAddress string
	Store         *storage.Store
	Engine        *policy.Engine
	Forwarder     *forwarder.Forwarder
	Refresher     *blocklist.Refresher
	Cache         *cache.Cache
	QueryLog      *storage.QueryLog
	Geo           *geo.Resolver
	Limiter       *ratelimit.Manager
	Roles         *cluster.RoleResolver
	Syncer        *cluster.Syncer
	Verifier      *cluster.Verifier
	Logger        *logging.Logger

	JoinCodeTTL time.Duration
	MaxSyncLag  time.Duration
	// SelfURL is this node's admin base URL, embedded in issued join codes.
	SelfURL string
	// HAConfigPath and NetInfoPath locate the failover daemon's files.
	HAConfigPath string
	NetInfoPath  string

	Version string
}

// New builds the server and its route table.
func New(cfg *Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault()
	}
	if cfg.JoinCodeTTL <= 0 {
		cfg.JoinCodeTTL = cluster.DefaultJoinCodeTTL
	}
	if cfg.MaxSyncLag <= 0 {
		cfg.MaxSyncLag = 20 * time.Second
	}

	s := &Server{
		store:       cfg.Store,
		engine:      cfg.Engine,
		forwarder:   cfg.Forwarder,
		refresher:   cfg.Refresher,
		cache:       cfg.Cache,
		queryLog:    cfg.QueryLog,
		geo:         cfg.Geo,
		limiter:     cfg.Limiter,
		roles:       cfg.Roles,
		syncer:      cfg.Syncer,
		verifier:    cfg.Verifier,
		logger:      cfg.Logger,
		joinCodeTTL: cfg.JoinCodeTTL,
		maxSyncLag:  cfg.MaxSyncLag,
		selfURL:     cfg.SelfURL,
		haConfig:    cfg.HAConfigPath,
		netInfo:     cfg.NetInfoPath,
		version:     cfg.Version,
		startTime:   time.Now(),
	}

	mux := http.NewServeMux()

	// Health probes.
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	// Settings.
	mux.HandleFunc("GET /api/settings", s.handleListSettings)
	mux.HandleFunc("PUT /api/settings/{key}", s.handlePutSetting)

	// Manual rules.
	mux.HandleFunc("GET /api/rules", s.handleListRules)
	mux.HandleFunc("POST /api/rules", s.handleAddRule)
	mux.HandleFunc("DELETE /api/rules/{id}", s.handleDeleteRule)

	// Blocklists.
	mux.HandleFunc("GET /api/blocklists", s.handleListBlocklists)
	mux.HandleFunc("POST /api/blocklists", s.handleCreateBlocklist)
	mux.HandleFunc("PUT /api/blocklists/{id}", s.handleUpdateBlocklist)
	mux.HandleFunc("DELETE /api/blocklists/{id}", s.handleDeleteBlocklist)
	mux.HandleFunc("POST /api/blocklists/{id}/refresh", s.handleRefreshBlocklist)

	// Clients.
	mux.HandleFunc("GET /api/clients", s.handleListClients)
	mux.HandleFunc("POST /api/clients", s.handleCreateClient)
	mux.HandleFunc("PUT /api/clients/{id}", s.handleUpdateClient)
	mux.HandleFunc("DELETE /api/clients/{id}", s.handleDeleteClient)

	// DNS configuration.
	mux.HandleFunc("GET /api/dns/settings", s.handleGetDNSSettings)
	mux.HandleFunc("PUT /api/dns/settings", s.handlePutDNSSettings)
	mux.HandleFunc("GET /api/dns/rewrites", s.handleListRewrites)
	mux.HandleFunc("POST /api/dns/rewrites", s.handleAddRewrite)
	mux.HandleFunc("PUT /api/dns/rewrites/{id}", s.handleUpdateRewrite)
	mux.HandleFunc("DELETE /api/dns/rewrites/{id}", s.handleDeleteRewrite)

	// Protection pause.
	mux.HandleFunc("GET /api/protection/pause", s.handleGetPause)
	mux.HandleFunc("PUT /api/protection/pause", s.handlePutPause)

	// Query logs and analytics.
	mux.HandleFunc("GET /api/query-logs", s.handleListLogs)
	mux.HandleFunc("GET /api/query-logs/stats", s.handleLogStats)
	mux.HandleFunc("GET /api/query-logs/top", s.handleTopDomains)
	mux.HandleFunc("GET /api/query-logs/clients", s.handleClientStats)
	mux.HandleFunc("GET /api/query-logs/timeseries", s.handleTimeSeries)
	mux.HandleFunc("GET /api/query-logs/geo", s.handleGeoSummary)
	mux.HandleFunc("POST /api/query-logs/ingest", s.handleIngestLogs)
	mux.HandleFunc("POST /api/query-logs/flush", s.handleFlushLogs)

	// Cache.
	mux.HandleFunc("POST /api/cache/clear", s.handleCacheClear)

	// Notifications feed.
	mux.HandleFunc("GET /api/notifications", s.handleNotifications)

	// Cluster.
	mux.HandleFunc("GET /api/cluster/status", s.handleClusterStatus)
	mux.HandleFunc("GET /api/cluster/ready", s.handleClusterReady)
	mux.HandleFunc("GET /api/cluster/peer-status", s.handlePeerStatus)
	mux.HandleFunc("POST /api/cluster/sync/export", s.handleClusterExport)
	mux.HandleFunc("GET /api/cluster/join-code", s.handleJoinCode)
	mux.HandleFunc("POST /api/cluster/enable-leader", s.handleEnableLeader)
	mux.HandleFunc("POST /api/cluster/configure-follower", s.handleConfigureFollower)
	mux.HandleFunc("POST /api/cluster/sync", s.handleSyncNow)
	mux.HandleFunc("GET /api/cluster/netinfo", s.handleNetInfo)
	mux.HandleFunc("GET /api/cluster/ha/config", s.handleGetHAConfig)
	mux.HandleFunc("PUT /api/cluster/ha/config", s.handlePutHAConfig)

	// Auth.
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("POST /api/auth/change-password", s.handleChangePassword)
	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)

	handler := s.followerGuardMiddleware(mux)
	handler = s.authMiddleware(handler)
	handler = s.rateLimitMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.loggingMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the composed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting admin API server", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Encoding JSON response failed", "error", err)
	}
}

// writeError emits the stable error envelope. code is a machine-readable
// constant, message the human explanation.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{Error: code, Message: message})
}

// decodeBody decodes a JSON request body into dst with a size cap.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
