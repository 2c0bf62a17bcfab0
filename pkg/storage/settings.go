package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Reserved settings keys. Everything else in the settings table is opaque
// JSON owned by the caller.
const (
	KeyDNSSettings       = "dns_settings"
	KeyProtectionPause   = "protection_pause"
	KeyAuthAdmin         = "auth_admin"
	KeyDNSRewrites       = "dns_rewrites"
	KeyClusterConfig     = "cluster_config"
	KeyClusterSyncStatus = "cluster_sync_status"
	KeyNotifications     = "notification_events"
	KeyPolicyExpressions = "policy_expressions"

	secretKeyPrefix = "secret:"
)

// DNSSettings configures the upstream forwarding path.
type DNSSettings struct {
	Forward struct {
		Transport  string   `json:"transport"` // udp, tcp, dot, doh
		Upstreams  []string `json:"upstreams"`
		PreferIPv4 bool     `json:"preferIpv4"`
	} `json:"forward"`
}

// DefaultDNSSettings is used when no dns_settings row exists.
func DefaultDNSSettings() DNSSettings {
	var s DNSSettings
	s.Forward.Transport = "udp"
	s.Forward.Upstreams = []string{"1.1.1.1:53", "8.8.8.8:53"}
	s.Forward.PreferIPv4 = true
	return s
}

// Protection pause modes.
const (
	PauseOff     = "OFF"
	PauseUntil   = "UNTIL"
	PauseForever = "FOREVER"
)

// ProtectionPause suspends blocking globally, either until a deadline or
// until switched off.
type ProtectionPause struct {
	Mode  string     `json:"mode"` // OFF, UNTIL, FOREVER
	Until *time.Time `json:"until,omitempty"`
}

// Active reports whether the pause currently applies.
func (p ProtectionPause) Active(now time.Time) bool {
	switch p.Mode {
	case PauseForever:
		return true
	case PauseUntil:
		return p.Until != nil && now.Before(*p.Until)
	default:
		return false
	}
}

// AuthAdmin holds the admin credential and its sessions.
type AuthAdmin struct {
	PasswordHash string         `json:"passwordHash"`
	Sessions     []AdminSession `json:"sessions,omitempty"`
}

// AdminSession is one issued admin token.
type AdminSession struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Rewrite maps a query name to a fixed answer, bypassing upstream.
type Rewrite struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`
	Target string `json:"target"` // IP literal or CNAME target
}

// ExpressionRule is a named policy expression evaluated against each query.
type ExpressionRule struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Enabled    bool   `json:"enabled"`
}

// ClusterConfig is the stored HA role configuration.
type ClusterConfig struct {
	Enabled   bool   `json:"enabled"`
	Role      string `json:"role"` // standalone, leader, follower
	LeaderURL string `json:"leaderUrl,omitempty"`
}

// ClusterSyncStatus records the outcome of the last follower sync.
type ClusterSyncStatus struct {
	LastSync      *time.Time `json:"lastSync,omitempty"`
	DurationMs    float64    `json:"durationMs"`
	SnapshotBytes int64      `json:"snapshotBytes"`
	Counts        map[string]int64 `json:"counts,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// Setting is one raw settings row.
type Setting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// GetSetting returns the raw JSON value for key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading setting %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}

// SetSetting upserts a raw JSON value under key.
func (s *Store) SetSetting(ctx context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("setting %s: value is not valid JSON", key)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, string(value))
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}

// DeleteSetting removes a settings row. Missing rows are not an error.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}

// ListSettings returns all settings rows, secrets included. Callers exposing
// these externally must filter `secret:` keys.
func (s *Store) ListSettings(ctx context.Context) ([]Setting, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var st Setting
		var value string
		if err := rows.Scan(&st.Key, &value, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.Value = json.RawMessage(value)
		out = append(out, st)
	}
	return out, rows.Err()
}

// getTyped reads and decodes a settings value into dst. Returns ErrNotFound
// when no row exists.
func (s *Store) getTyped(ctx context.Context, key string, dst any) error {
	raw, err := s.GetSetting(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decoding setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) setTyped(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding setting %s: %w", key, err)
	}
	return s.SetSetting(ctx, key, raw)
}

// GetDNSSettings returns the forwarding configuration, falling back to
// defaults when unset.
func (s *Store) GetDNSSettings(ctx context.Context) (DNSSettings, error) {
	var v DNSSettings
	err := s.getTyped(ctx, KeyDNSSettings, &v)
	if err == ErrNotFound {
		return DefaultDNSSettings(), nil
	}
	if err != nil {
		return v, err
	}
	if v.Forward.Transport == "" {
		v.Forward.Transport = "udp"
	}
	if len(v.Forward.Upstreams) == 0 {
		v.Forward.Upstreams = DefaultDNSSettings().Forward.Upstreams
	}
	return v, nil
}

func (s *Store) SetDNSSettings(ctx context.Context, v DNSSettings) error {
	return s.setTyped(ctx, KeyDNSSettings, v)
}

// GetProtectionPause returns the pause state; unset means off.
func (s *Store) GetProtectionPause(ctx context.Context) (ProtectionPause, error) {
	var v ProtectionPause
	err := s.getTyped(ctx, KeyProtectionPause, &v)
	if err == ErrNotFound {
		return ProtectionPause{Mode: PauseOff}, nil
	}
	return v, err
}

func (s *Store) SetProtectionPause(ctx context.Context, v ProtectionPause) error {
	return s.setTyped(ctx, KeyProtectionPause, v)
}

func (s *Store) GetAuthAdmin(ctx context.Context) (AuthAdmin, error) {
	var v AuthAdmin
	err := s.getTyped(ctx, KeyAuthAdmin, &v)
	if err == ErrNotFound {
		return AuthAdmin{}, nil
	}
	return v, err
}

func (s *Store) SetAuthAdmin(ctx context.Context, v AuthAdmin) error {
	return s.setTyped(ctx, KeyAuthAdmin, v)
}

// GetRewrites returns the rewrite list; unset means empty.
func (s *Store) GetRewrites(ctx context.Context) ([]Rewrite, error) {
	var v []Rewrite
	err := s.getTyped(ctx, KeyDNSRewrites, &v)
	if err == ErrNotFound {
		return nil, nil
	}
	return v, err
}

func (s *Store) SetRewrites(ctx context.Context, v []Rewrite) error {
	if v == nil {
		v = []Rewrite{}
	}
	return s.setTyped(ctx, KeyDNSRewrites, v)
}

// GetPolicyExpressions returns the named expression rules; unset means none.
func (s *Store) GetPolicyExpressions(ctx context.Context) ([]ExpressionRule, error) {
	var v []ExpressionRule
	err := s.getTyped(ctx, KeyPolicyExpressions, &v)
	if err == ErrNotFound {
		return nil, nil
	}
	return v, err
}

func (s *Store) SetPolicyExpressions(ctx context.Context, v []ExpressionRule) error {
	if v == nil {
		v = []ExpressionRule{}
	}
	return s.setTyped(ctx, KeyPolicyExpressions, v)
}

func (s *Store) GetClusterConfig(ctx context.Context) (ClusterConfig, error) {
	var v ClusterConfig
	err := s.getTyped(ctx, KeyClusterConfig, &v)
	if err == ErrNotFound {
		return ClusterConfig{Role: "standalone"}, nil
	}
	if err != nil {
		return v, err
	}
	if v.Role == "" {
		v.Role = "standalone"
	}
	return v, nil
}

func (s *Store) SetClusterConfig(ctx context.Context, v ClusterConfig) error {
	return s.setTyped(ctx, KeyClusterConfig, v)
}

func (s *Store) GetClusterSyncStatus(ctx context.Context) (ClusterSyncStatus, error) {
	var v ClusterSyncStatus
	err := s.getTyped(ctx, KeyClusterSyncStatus, &v)
	if err == ErrNotFound {
		return ClusterSyncStatus{}, nil
	}
	return v, err
}

func (s *Store) SetClusterSyncStatus(ctx context.Context, v ClusterSyncStatus) error {
	return s.setTyped(ctx, KeyClusterSyncStatus, v)
}

// SetSecret encrypts plaintext with the local key and stores it under
// secret:<name>. Fails when no SECRETS_KEY is configured.
func (s *Store) SetSecret(ctx context.Context, name, plaintext string) error {
	stored, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return s.SetSetting(ctx, secretKeyPrefix+name, raw)
}

// GetSecret returns the decrypted secret, "" when missing or undecryptable.
func (s *Store) GetSecret(ctx context.Context, name string) (string, error) {
	raw, err := s.GetSetting(ctx, secretKeyPrefix+name)
	if err == ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var stored string
	if err := json.Unmarshal(raw, &stored); err != nil {
		// Legacy rows stored the envelope JSON directly.
		stored = string(raw)
	}
	return s.cipher.Decrypt(stored), nil
}

// ListSecretNames returns the names of all stored secrets.
func (s *Store) ListSecretNames(ctx context.Context) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM settings WHERE key LIKE 'secret:%' ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		names = append(names, strings.TrimPrefix(key, secretKeyPrefix))
	}
	return names, rows.Err()
}

// IsSecretKey reports whether a settings key belongs to the secret store.
func IsSecretKey(key string) bool {
	return strings.HasPrefix(key, secretKeyPrefix)
}

// IsClusterKey reports whether a settings key is cluster-internal state.
func IsClusterKey(key string) bool {
	return strings.HasPrefix(key, "cluster_")
}
