package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"sentinel/pkg/cluster"
	"sentinel/pkg/storage"
)

const (
	maxClusterBody = 64 << 10

	// peerProbeTimeout bounds the peer-status readiness probe.
	peerProbeTimeout = 3 * time.Second
)

type clusterStatusResponse struct {
	Enabled       bool                      `json:"enabled"`
	StoredRole    string                    `json:"storedRole"`
	EffectiveRole string                    `json:"effectiveRole"`
	LeaderURL     string                    `json:"leaderUrl,omitempty"`
	ReadOnly      bool                      `json:"readOnly"`
	Sync          storage.ClusterSyncStatus `json:"sync"`
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cfg, err := s.roles.Stored(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading cluster config")
		return
	}
	effective, err := s.roles.Effective(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "resolving role")
		return
	}
	sync, err := s.store.GetClusterSyncStatus(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading sync status")
		return
	}

	s.writeJSON(w, http.StatusOK, clusterStatusResponse{
		Enabled:       cfg.Enabled,
		StoredRole:    cfg.Role,
		EffectiveRole: string(effective),
		LeaderURL:     cfg.LeaderURL,
		ReadOnly:      s.roles.ReadOnly(ctx),
		Sync:          sync,
	})
}

func (s *Server) handleClusterReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	role, _ := s.roles.Effective(ctx)
	ready, reason := s.roles.Ready(ctx, time.Now(), s.maxSyncLag)

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, ReadinessResponse{Ready: ready, Role: string(role), Reason: reason})
}

type exportRequest struct {
	Want string `json:"want"`
}

// handleClusterExport serves the replication snapshot to an authenticated
// peer. Auth is the HMAC scheme, not the admin session; the signature covers
// the request body.
func (s *Server) handleClusterExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cfg, err := s.roles.Stored(ctx)
	if err != nil || !cfg.Enabled {
		s.writeError(w, http.StatusConflict, CodeConflict, "clustering not enabled")
		return
	}

	psk, err := s.store.GetSecret(ctx, cluster.PSKSecretName)
	if err != nil || psk == "" {
		s.writeError(w, http.StatusConflict, CodeConflict, "no cluster key configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxClusterBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "reading request body")
		return
	}
	if err := s.verifier.Verify(psk, r, body, time.Now()); err != nil {
		s.writeError(w, http.StatusUnauthorized, CodeClusterAuth, err.Error())
		return
	}

	var req exportRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Want != "full" {
		s.writeError(w, http.StatusBadRequest, CodeValidation, `body must be {"want":"full"}`)
		return
	}

	snap, err := cluster.Export(ctx, s.store)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "exporting snapshot")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

type joinCodeResponse struct {
	JoinCode  string    `json:"joinCode"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleJoinCode issues a pairing code. The node must already be a leader.
// An optional leaderUrl query parameter overrides the configured self URL.
func (s *Server) handleJoinCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cfg, err := s.roles.Stored(ctx)
	if err != nil || !cfg.Enabled || cfg.Role != string(cluster.RoleLeader) {
		s.writeError(w, http.StatusConflict, CodeConflict, "node is not a leader")
		return
	}

	leaderURL := r.URL.Query().Get("leaderUrl")
	if leaderURL == "" {
		leaderURL = s.selfURL
	}
	if leaderURL == "" {
		s.writeError(w, http.StatusBadRequest, CodeValidation,
			"leaderUrl required (no self URL configured)")
		return
	}

	psk, err := s.ensurePSK(ctx)
	if err != nil {
		s.writeError(w, http.StatusConflict, CodeSecretsKey, err.Error())
		return
	}

	now := time.Now()
	code, err := cluster.EncodeJoinCode(leaderURL, psk, now)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeJoinCodeInvalid, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, joinCodeResponse{
		JoinCode:  code,
		ExpiresAt: now.Add(s.joinCodeTTL),
	})
}

// handleEnableLeader switches the node into the leader role and provisions a
// cluster key.
func (s *Server) handleEnableLeader(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, err := s.ensurePSK(ctx); err != nil {
		s.writeError(w, http.StatusConflict, CodeSecretsKey, err.Error())
		return
	}
	if err := s.store.SetClusterConfig(ctx, storage.ClusterConfig{
		Enabled: true,
		Role:    string(cluster.RoleLeader),
	}); err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "storing cluster config")
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "leader_enabled"})
}

type configureFollowerRequest struct {
	JoinCode string `json:"joinCode"`
}

// handleConfigureFollower pairs this node with a leader using a join code and
// kicks off the first sync in the background.
func (s *Server) handleConfigureFollower(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req configureFollowerRequest
	if !s.decodeBody(w, r, &req, maxClusterBody) {
		return
	}

	jc, err := cluster.DecodeJoinCode(req.JoinCode, time.Now(), s.joinCodeTTL)
	if err != nil {
		code := CodeJoinCodeInvalid
		if errors.Is(err, cluster.ErrJoinCodeExpired) {
			code = CodeJoinCodeExpired
		}
		s.writeError(w, http.StatusBadRequest, code, err.Error())
		return
	}

	if err := s.store.SetSecret(ctx, cluster.PSKSecretName, jc.PSK); err != nil {
		s.writeError(w, http.StatusConflict, CodeSecretsKey, err.Error())
		return
	}
	if err := s.store.SetClusterConfig(ctx, storage.ClusterConfig{
		Enabled:   true,
		Role:      string(cluster.RoleFollower),
		LeaderURL: jc.LeaderURL,
	}); err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "storing cluster config")
		return
	}

	if s.syncer != nil {
		go func() {
			if err := s.syncer.SyncOnce(contextWithoutCancel(r)); err != nil {
				s.logger.Warn("Initial follower sync failed", "error", err)
			}
		}()
	}
	s.writeJSON(w, http.StatusAccepted, StatusResponse{Status: "follower_configured"})
}

// handleSyncNow runs one synchronous sync cycle.
func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		s.writeError(w, http.StatusConflict, CodeConflict, "sync not available")
		return
	}
	if err := s.syncer.SyncOnce(r.Context()); err != nil {
		s.writeError(w, http.StatusBadGateway, CodeInternal, err.Error())
		return
	}
	status, err := s.store.GetClusterSyncStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading sync status")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

type peerStatusResponse struct {
	Configured bool               `json:"configured"`
	PeerURL    string             `json:"peerUrl,omitempty"`
	Reachable  bool               `json:"reachable"`
	Peer       *ReadinessResponse `json:"peer,omitempty"`
}

// handlePeerStatus probes the configured peer's readiness endpoint so either
// node can show both halves of the pair.
func (s *Server) handlePeerStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cfg, err := s.roles.Stored(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading cluster config")
		return
	}
	if !cfg.Enabled || cfg.LeaderURL == "" {
		s.writeJSON(w, http.StatusOK, peerStatusResponse{})
		return
	}

	resp := peerStatusResponse{Configured: true, PeerURL: cfg.LeaderURL}

	probeCtx, cancel := context.WithTimeout(ctx, peerProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet,
		strings.TrimRight(cfg.LeaderURL, "/")+"/api/cluster/ready", nil)
	if err == nil {
		// Readiness answers 200 or 503; both carry the JSON body.
		if res, probeErr := http.DefaultClient.Do(req); probeErr == nil {
			resp.Reachable = true
			var ready ReadinessResponse
			if json.NewDecoder(io.LimitReader(res.Body, maxClusterBody)).Decode(&ready) == nil {
				resp.Peer = &ready
			}
			_ = res.Body.Close()
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNetInfo(w http.ResponseWriter, r *http.Request) {
	info, err := cluster.LoadNetInfo(s.netInfo)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "collecting network info")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetHAConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := cluster.LoadHAConfig(s.haConfig)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading HA config")
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutHAConfig(w http.ResponseWriter, r *http.Request) {
	var cfg cluster.HAConfig
	if !s.decodeBody(w, r, &cfg, maxClusterBody) {
		return
	}

	switch cfg.Role {
	case string(cluster.RoleStandalone), string(cluster.RoleLeader), string(cluster.RoleFollower):
	default:
		s.writeError(w, http.StatusBadRequest, CodeValidation,
			"role must be standalone, leader, or follower")
		return
	}

	if err := cluster.SaveHAConfig(s.haConfig, cfg); err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "writing HA config")
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

// ensurePSK returns the cluster key, generating and storing one on first use.
func (s *Server) ensurePSK(ctx context.Context) (string, error) {
	psk, err := s.store.GetSecret(ctx, cluster.PSKSecretName)
	if err != nil {
		return "", err
	}
	if psk != "" {
		return psk, nil
	}
	psk, err = cluster.NewPSK()
	if err != nil {
		return "", err
	}
	if err := s.store.SetSecret(ctx, cluster.PSKSecretName, psk); err != nil {
		return "", err
	}
	return psk, nil
}
