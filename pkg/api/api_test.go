package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/pkg/blocklist"
	"sentinel/pkg/cache"
	"sentinel/pkg/cluster"
	"sentinel/pkg/logging"
	"sentinel/pkg/policy"
	"sentinel/pkg/ratelimit"
	"sentinel/pkg/secrets"
	"sentinel/pkg/storage"
)

type testServer struct {
	*Server
	store *storage.Store
	dir   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	logger := logging.NewDefault()

	store, err := storage.Open(filepath.Join(dir, "api.db"),
		secrets.NewCipher("test-key"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine := policy.NewEngine(store, logger, nil, time.Minute)
	require.NoError(t, engine.Refresh(context.Background(), true))

	fetcher := blocklist.NewFetcher(nil, logger)
	refresher := blocklist.NewRefresher(store, fetcher, engine, logger, nil, time.Hour, time.Hour)

	limiter := ratelimit.NewManager(logger)
	t.Cleanup(limiter.Stop)

	roles := cluster.NewRoleResolver(store, filepath.Join(dir, "ha-role"), 0)
	syncer := cluster.NewSyncer(store, roles, engine, logger, nil, time.Second)

	qlog := storage.NewQueryLog(store, nil)
	t.Cleanup(qlog.Close)

	srv := New(&Config{
		ListenAddress: "127.0.0.1:0",
		Store:         store,
		Engine:        engine,
		Refresher:     refresher,
		Cache:         cache.New(100),
		QueryLog:      qlog,
		Limiter:       limiter,
		Roles:         roles,
		Syncer:        syncer,
		Verifier:      cluster.NewVerifier(0, 0),
		Logger:        logger,
		SelfURL:       "http://127.0.0.1:3000",
		HAConfigPath:  filepath.Join(dir, "ha-config.yml"),
		NetInfoPath:   filepath.Join(dir, "ha-netinfo.yml"),
		Version:       "test",
	})
	return &testServer{Server: srv, store: store, dir: dir}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.9.9.9:1234"
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst),
		"body: %s", rec.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decodeInto(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Database)
	assert.Equal(t, "test", resp.Version)
}

func TestRuleLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/rules", map[string]string{
		"domain": "Ads.Example.COM", "type": "blocked",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		ID     int64  `json:"id"`
		Domain string `json:"domain"`
	}
	decodeInto(t, rec, &created)
	assert.Equal(t, "ads.example.com", created.Domain)

	rec = ts.do(t, http.MethodGet, "/api/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rulesList []map[string]any
	decodeInto(t, rec, &rulesList)
	assert.Len(t, rulesList, 1)

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/rules/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/rules/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errResp ErrorResponse
	decodeInto(t, rec, &errResp)
	assert.Equal(t, CodeNotFound, errResp.Error)
}

func TestAddRuleRejectsBadType(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/rules", map[string]string{
		"domain": "x.example.com", "type": "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBlocklistCRUDAndConflict(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/blocklists", map[string]any{
		"name": "ads", "url": "https://lists.example/ads.txt",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created storage.Blocklist
	decodeInto(t, rec, &created)
	assert.Equal(t, storage.ModeActive, created.Mode)

	// Duplicate URL conflicts.
	rec = ts.do(t, http.MethodPost, "/api/blocklists", map[string]any{
		"name": "ads2", "url": "https://lists.example/ads.txt",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Flip to shadow mode.
	rec = ts.do(t, http.MethodPut, fmt.Sprintf("/api/blocklists/%d", created.ID),
		map[string]any{"mode": "SHADOW"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated storage.Blocklist
	decodeInto(t, rec, &updated)
	assert.Equal(t, storage.ModeShadow, updated.Mode)
	assert.Equal(t, "ads", updated.Name)

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/blocklists/%d", created.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBlocklistRefreshAccepted(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/blocklists", map[string]any{
		"name": "ads", "url": "http://127.0.0.1:1/never.txt",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created storage.Blocklist
	decodeInto(t, rec, &created)

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/blocklists/%d/refresh", created.ID), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/blocklists/99/refresh", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClientValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/clients", map[string]any{
		"type": "toaster", "name": "bad",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/clients", map[string]any{
		"type": "subnet", "name": "lan", "cidr": "192.168.1.0/24",
		"useGlobalSettings": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestDNSSettingsUpdate(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/dns/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var settings storage.DNSSettings
	decodeInto(t, rec, &settings)
	assert.Equal(t, "udp", settings.Forward.Transport)

	settings.Forward.Transport = "dot"
	settings.Forward.Upstreams = []string{"1.1.1.1"}
	rec = ts.do(t, http.MethodPut, "/api/dns/settings", settings)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	settings.Forward.Transport = "carrier-pigeon"
	rec = ts.do(t, http.MethodPut, "/api/dns/settings", settings)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRewriteLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/dns/rewrites", map[string]string{
		"domain": "printer.lan", "target": "192.168.1.50",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created storage.Rewrite
	decodeInto(t, rec, &created)
	require.NotEmpty(t, created.ID)

	rec = ts.do(t, http.MethodPut, "/api/dns/rewrites/"+created.ID, map[string]string{
		"domain": "printer.lan", "target": "192.168.1.51",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/dns/rewrites", nil)
	var rewrites []storage.Rewrite
	decodeInto(t, rec, &rewrites)
	require.Len(t, rewrites, 1)
	assert.Equal(t, "192.168.1.51", rewrites[0].Target)

	rec = ts.do(t, http.MethodDelete, "/api/dns/rewrites/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/dns/rewrites/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProtectionPauseModes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/api/protection/pause", map[string]any{
		"mode": "UNTIL", "durationMinutes": 30,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pause storage.ProtectionPause
	decodeInto(t, rec, &pause)
	require.NotNil(t, pause.Until)
	assert.True(t, pause.Active(time.Now()))

	rec = ts.do(t, http.MethodPut, "/api/protection/pause", map[string]any{"mode": "OFF"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/protection/pause", map[string]any{"mode": "UNTIL"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestAndQueryLogs(t *testing.T) {
	ts := newTestServer(t)

	entries := []storage.LogEntry{
		{Timestamp: time.Now().UTC(), Domain: "a.example.com", Type: "A",
			ClientIP: "10.0.0.1", Status: storage.StatusPermitted},
		{Timestamp: time.Now().UTC(), Domain: "b.example.com", Type: "A",
			ClientIP: "10.0.0.2", Status: storage.StatusBlocked},
	}
	rec := ts.do(t, http.MethodPost, "/api/query-logs/ingest", entries)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/query-logs?hours=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []storage.LogEntry
	decodeInto(t, rec, &listed)
	assert.Len(t, listed, 2)

	rec = ts.do(t, http.MethodGet, "/api/query-logs/stats?hours=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var totals storage.LogTotals
	decodeInto(t, rec, &totals)
	assert.EqualValues(t, 2, totals.Total)
	assert.EqualValues(t, 1, totals.Blocked)
}

func TestIngestRejectsInvalidEntries(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/query-logs/ingest", []storage.LogEntry{
		{Domain: "", Status: ""},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsHideSecrets(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.store.SetSecret(ctx, "api_token", "super-secret"))
	require.NoError(t, ts.store.SetSetting(ctx, "ui_prefs", json.RawMessage(`{"theme":"dark"}`)))

	rec := ts.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "super-secret")
	assert.Contains(t, rec.Body.String(), "api_token")
	assert.Contains(t, rec.Body.String(), "ui_prefs")
}

func TestPutSecretSetting(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/api/settings/secret:webhook", "hook-token")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	value, err := ts.store.GetSecret(context.Background(), "webhook")
	require.NoError(t, err)
	assert.Equal(t, "hook-token", value)
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t)

	// First-run: no password, everything open.
	rec := ts.do(t, http.MethodGet, "/api/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/auth/change-password", map[string]string{
		"newPassword": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Now unauthenticated requests fail.
	rec = ts.do(t, http.MethodGet, "/api/rules", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong password rejected.
	rec = ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{"password": "nope"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Login yields a bearer token.
	rec = ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var login loginResponse
	decodeInto(t, rec, &login)
	require.NotEmpty(t, login.Token)

	req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
	req.RemoteAddr = "10.9.9.9:1234"
	req.Header.Set("Authorization", "Bearer "+login.Token)
	out := httptest.NewRecorder()
	ts.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
}

func TestFollowerReadOnly(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.store.SetClusterConfig(ctx, storage.ClusterConfig{
		Enabled: true, Role: "follower", LeaderURL: "http://leader.local",
	}))

	// Reads pass.
	rec := ts.do(t, http.MethodGet, "/api/rules", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Mutations are rejected with the stable code.
	rec = ts.do(t, http.MethodPost, "/api/rules", map[string]string{
		"domain": "x.example.com", "type": "blocked",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	var errResp ErrorResponse
	decodeInto(t, rec, &errResp)
	assert.Equal(t, CodeFollowerReadonly, errResp.Error)

	// Ingest and cluster control stay writable.
	rec = ts.do(t, http.MethodPost, "/api/query-logs/ingest", []storage.LogEntry{
		{Timestamp: time.Now(), Domain: "a.example.com", Type: "A", Status: storage.StatusPermitted},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestClusterLeaderPairingFlow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/cluster/enable-leader", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/cluster/join-code", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var jc joinCodeResponse
	decodeInto(t, rec, &jc)
	require.NotEmpty(t, jc.JoinCode)

	decoded, err := cluster.DecodeJoinCode(jc.JoinCode, time.Now(), 0)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:3000", decoded.LeaderURL)

	rec = ts.do(t, http.MethodGet, "/api/cluster/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status clusterStatusResponse
	decodeInto(t, rec, &status)
	assert.True(t, status.Enabled)
	assert.Equal(t, "leader", status.StoredRole)
	assert.False(t, status.ReadOnly)
}

func TestClusterExportRequiresHMAC(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/cluster/enable-leader", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Unsigned request fails.
	rec = ts.do(t, http.MethodPost, "/api/cluster/sync/export", map[string]string{"want": "full"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Signed with the stored key succeeds.
	psk, err := ts.store.GetSecret(context.Background(), cluster.PSKSecretName)
	require.NoError(t, err)
	require.NotEmpty(t, psk)

	body := []byte(`{"want":"full"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/cluster/sync/export", bytes.NewReader(body))
	req.RemoteAddr = "10.9.9.9:1234"
	require.NoError(t, cluster.SignRequest(req, psk, body, time.Now()))
	out := httptest.NewRecorder()
	ts.Handler().ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code, out.Body.String())

	var snap cluster.Snapshot
	decodeInto(t, out, &snap)
	assert.Equal(t, 1, snap.Version)

	// A signed request asking for anything else is rejected.
	partial := []byte(`{"want":"partial"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/cluster/sync/export", bytes.NewReader(partial))
	req.RemoteAddr = "10.9.9.9:1234"
	require.NoError(t, cluster.SignRequest(req, psk, partial, time.Now()))
	out = httptest.NewRecorder()
	ts.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestClusterPeerStatus(t *testing.T) {
	ts := newTestServer(t)

	// No cluster configured yet.
	rec := ts.do(t, http.MethodGet, "/api/cluster/peer-status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status peerStatusResponse
	decodeInto(t, rec, &status)
	assert.False(t, status.Configured)

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/cluster/ready" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ReadinessResponse{Ready: true, Role: "leader"})
	}))
	defer peer.Close()

	require.NoError(t, ts.store.SetClusterConfig(context.Background(), storage.ClusterConfig{
		Enabled: true, Role: "follower", LeaderURL: peer.URL,
	}))

	rec = ts.do(t, http.MethodGet, "/api/cluster/peer-status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &status)
	assert.True(t, status.Configured)
	assert.True(t, status.Reachable)
	assert.Equal(t, peer.URL, status.PeerURL)
	require.NotNil(t, status.Peer)
	assert.True(t, status.Peer.Ready)
	assert.Equal(t, "leader", status.Peer.Role)

	// An unreachable peer is reported, not an error.
	require.NoError(t, ts.store.SetClusterConfig(context.Background(), storage.ClusterConfig{
		Enabled: true, Role: "follower", LeaderURL: "http://127.0.0.1:1",
	}))
	rec = ts.do(t, http.MethodGet, "/api/cluster/peer-status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &status)
	assert.True(t, status.Configured)
	assert.False(t, status.Reachable)
}

func TestConfigureFollowerRejectsBadCode(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/cluster/configure-follower", map[string]string{
		"joinCode": "garbage",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp ErrorResponse
	decodeInto(t, rec, &errResp)
	assert.Equal(t, CodeJoinCodeInvalid, errResp.Error)
}

func TestHAConfigEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/cluster/ha/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg cluster.HAConfig
	decodeInto(t, rec, &cfg)
	assert.Equal(t, "standalone", cfg.Role)

	rec = ts.do(t, http.MethodPut, "/api/cluster/ha/config", cluster.HAConfig{
		Enabled: true, Role: "leader", VirtualIP: "192.168.1.2", Interface: "eth0",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/cluster/ha/config", nil)
	decodeInto(t, rec, &cfg)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "leader", cfg.Role)
}

func TestRefreshRateLimitClass(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/blocklists", map[string]any{
		"name": "ads", "url": "http://127.0.0.1:1/x.txt",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created storage.Blocklist
	decodeInto(t, rec, &created)

	// The refresh budget has a burst of 3; the fourth trigger is limited.
	path := fmt.Sprintf("/api/blocklists/%d/refresh", created.ID)
	var limited bool
	for i := 0; i < 4; i++ {
		rec = ts.do(t, http.MethodPost, path, nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "expected the refresh class to rate limit")
}
