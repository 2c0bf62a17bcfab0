package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/pkg/logging"
	"sentinel/pkg/storage"
	"sentinel/pkg/telemetry"
)

const (
	// DefaultSyncInterval is the follower poll cadence.
	DefaultSyncInterval = 5 * time.Second

	exportPath       = "/api/cluster/sync/export"
	syncHTTPTimeout  = 10 * time.Second
	maxSnapshotBytes = 50 << 20
)

// exportRequestBody asks the leader for a full snapshot. The body is part of
// the signed canonical string, so it must match byte for byte on both sides.
var exportRequestBody = []byte(`{"want":"full"}`)

// policyRefresher is the slice of the policy engine the syncer needs.
type policyRefresher interface {
	Refresh(ctx context.Context, force bool) error
}

// Syncer polls the leader for snapshots and applies them. It runs on every
// node but does nothing unless the effective role is follower.
type Syncer struct {
	store   *storage.Store
	roles   *RoleResolver
	engine  policyRefresher
	client  *http.Client
	logger  *logging.Logger
	metrics *telemetry.Metrics

	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
}

// NewSyncer creates the follower sync loop.
func NewSyncer(store *storage.Store, roles *RoleResolver, engine policyRefresher, logger *logging.Logger, metrics *telemetry.Metrics, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Syncer{
		store:    store,
		roles:    roles,
		engine:   engine,
		client:   &http.Client{Timeout: syncHTTPTimeout},
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start launches the poll loop.
func (s *Syncer) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the loop and waits for an in-flight sync to finish.
func (s *Syncer) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
}

func (s *Syncer) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval*4)
			s.tick(ctx)
			cancel()
		}
	}
}

// tick runs one poll cycle, skipping nodes that are not acting as followers.
func (s *Syncer) tick(ctx context.Context) {
	effective, err := s.roles.Effective(ctx)
	if err != nil {
		s.logger.Error("Resolving cluster role failed", "error", err)
		return
	}
	if effective != RoleFollower {
		return
	}

	if err := s.SyncOnce(ctx); err != nil {
		s.logger.Warn("Cluster sync failed", "error", err)
	}
}

// SyncOnce pulls one snapshot from the configured leader and applies it,
// recording the outcome in cluster_sync_status either way.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	start := time.Now()

	cfg, err := s.roles.Stored(ctx)
	if err != nil {
		return err
	}
	if cfg.LeaderURL == "" {
		return s.fail(ctx, start, fmt.Errorf("no leader configured"))
	}

	psk, err := s.store.GetSecret(ctx, PSKSecretName)
	if err != nil {
		return s.fail(ctx, start, fmt.Errorf("reading cluster key: %w", err))
	}
	if psk == "" {
		return s.fail(ctx, start, fmt.Errorf("cluster key missing"))
	}

	if s.metrics != nil {
		s.metrics.SyncRuns.Add(ctx, 1)
	}

	body, err := s.fetchSnapshot(ctx, cfg.LeaderURL, psk)
	if err != nil {
		return s.fail(ctx, start, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return s.fail(ctx, start, fmt.Errorf("decoding snapshot: %w", err))
	}

	counts, err := Apply(ctx, s.store, &snap)
	if err != nil {
		return s.fail(ctx, start, fmt.Errorf("applying snapshot: %w", err))
	}

	if err := s.engine.Refresh(ctx, true); err != nil {
		s.logger.Warn("Policy refresh after sync failed", "error", err)
	}

	now := time.Now()
	elapsed := now.Sub(start)
	status := storage.ClusterSyncStatus{
		LastSync:      &now,
		DurationMs:    float64(elapsed.Microseconds()) / 1000,
		SnapshotBytes: int64(len(body)),
		Counts:        counts,
	}
	if err := s.store.SetClusterSyncStatus(ctx, status); err != nil {
		s.logger.Error("Recording sync status failed", "error", err)
	}

	if s.metrics != nil {
		s.metrics.SyncDuration.Record(ctx, status.DurationMs)
		s.metrics.SnapshotBytes.Record(ctx, status.SnapshotBytes)
	}
	s.logger.Debug("Cluster sync applied",
		"bytes", status.SnapshotBytes, "durationMs", status.DurationMs)
	return nil
}

// fetchSnapshot performs the signed export request against the leader.
func (s *Syncer) fetchSnapshot(ctx context.Context, leaderURL, psk string) ([]byte, error) {
	url := strings.TrimRight(leaderURL, "/") + exportPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(exportRequestBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := SignRequest(req, psk, exportRequestBody, time.Now()); err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("leader returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	if len(body) > maxSnapshotBytes {
		return nil, fmt.Errorf("snapshot exceeds %d bytes", maxSnapshotBytes)
	}
	return body, nil
}

// fail records a failed sync, preserving the last successful sync time.
func (s *Syncer) fail(ctx context.Context, start time.Time, cause error) error {
	if s.metrics != nil {
		s.metrics.SyncFailures.Add(ctx, 1)
	}

	status, err := s.store.GetClusterSyncStatus(ctx)
	if err != nil {
		status = storage.ClusterSyncStatus{}
	}
	status.LastError = cause.Error()
	status.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	if err := s.store.SetClusterSyncStatus(ctx, status); err != nil {
		s.logger.Error("Recording sync failure failed", "error", err)
	}
	return cause
}
