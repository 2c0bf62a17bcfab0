// Package cluster implements leader/follower replication: role resolution,
// join codes, signed peer requests, snapshot export and apply, and the
// follower sync loop.
package cluster

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"sentinel/pkg/storage"
)

// Role is the effective cluster role of this node.
type Role string

const (
	RoleStandalone Role = "standalone"
	RoleLeader     Role = "leader"
	RoleFollower   Role = "follower"
)

// RoleResolver reconciles the stored role with the override file written by
// the external failover daemon. The file is statted on demand, at most once
// per TTL.
type RoleResolver struct {
	store        *storage.Store
	overridePath string
	ttl          time.Duration

	mu         sync.Mutex
	cached     Role
	cachedSet  bool
	lastLookup time.Time
}

// NewRoleResolver creates the resolver. overridePath may point at a file that
// does not exist yet; absence simply means no override.
func NewRoleResolver(store *storage.Store, overridePath string, ttl time.Duration) *RoleResolver {
	return &RoleResolver{store: store, overridePath: overridePath, ttl: ttl}
}

// Stored returns the persisted cluster configuration.
func (r *RoleResolver) Stored(ctx context.Context) (storage.ClusterConfig, error) {
	return r.store.GetClusterConfig(ctx)
}

// Effective returns the role the node should act as right now. The override
// file wins over the stored role when present and well-formed; this is how a
// follower is promoted during failover without a database write.
func (r *RoleResolver) Effective(ctx context.Context) (Role, error) {
	cfg, err := r.Stored(ctx)
	if err != nil {
		return RoleStandalone, err
	}
	stored := roleFromString(cfg.Role)

	if !cfg.Enabled {
		return stored, nil
	}
	if override, ok := r.override(); ok {
		return override, nil
	}
	return stored, nil
}

// ReadOnly reports whether mutating admin requests must be rejected. A node
// configured as follower stays read-only even while promoted by the override
// file; writes resume only after the operator changes the stored role.
func (r *RoleResolver) ReadOnly(ctx context.Context) bool {
	cfg, err := r.Stored(ctx)
	if err != nil {
		// Fail open: an unreadable config must not lock out the admin.
		return false
	}
	return cfg.Enabled && roleFromString(cfg.Role) == RoleFollower
}

// override reads the role override file, caching the result for the TTL.
func (r *RoleResolver) override() (Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastLookup) < r.ttl {
		return r.cached, r.cachedSet
	}
	r.lastLookup = now

	data, err := os.ReadFile(r.overridePath)
	if err != nil {
		r.cached, r.cachedSet = "", false
		return "", false
	}
	switch role := roleFromString(strings.TrimSpace(string(data))); role {
	case RoleLeader, RoleFollower:
		r.cached, r.cachedSet = role, true
	default:
		r.cached, r.cachedSet = "", false
	}
	return r.cached, r.cachedSet
}

// Ready implements the readiness probe. Standalone nodes and leaders are
// always ready; a follower is ready while its last sync is fresh, or when the
// override file has promoted it to leader.
func (r *RoleResolver) Ready(ctx context.Context, now time.Time, maxLag time.Duration) (bool, string) {
	cfg, err := r.Stored(ctx)
	if err != nil {
		return false, "cluster config unreadable"
	}
	if !cfg.Enabled || roleFromString(cfg.Role) != RoleFollower {
		return true, ""
	}

	effective, err := r.Effective(ctx)
	if err == nil && effective == RoleLeader {
		return true, ""
	}

	status, err := r.store.GetClusterSyncStatus(ctx)
	if err != nil {
		return false, "sync status unreadable"
	}
	if status.LastSync == nil {
		return false, "no successful sync yet"
	}
	if now.Sub(*status.LastSync) > maxLag {
		return false, "last sync too old"
	}
	return true, ""
}

func roleFromString(s string) Role {
	switch Role(strings.ToLower(s)) {
	case RoleLeader:
		return RoleLeader
	case RoleFollower:
		return RoleFollower
	default:
		return RoleStandalone
	}
}
