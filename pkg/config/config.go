// Package config loads the environment-driven configuration. Every variable
// has a default suitable for a single-container deployment.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v7"
)

// Config is the process configuration, kept in the environment.
type Config struct {
	Env string `env:"SENTINEL_ENV" envDefault:"production"`

	// Listeners.
	DNSListenAddr   string `env:"DNS_LISTEN_ADDR" envDefault:":53"`
	AdminListenAddr string `env:"ADMIN_LISTEN_ADDR" envDefault:":3000"`
	MetricsPort     int    `env:"METRICS_PORT" envDefault:"9090"`

	// Data directory holds the database, generated secrets key, GeoIP
	// database, and the HA control files written by the VRRP daemon.
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	DatabasePath string `env:"DATABASE_PATH"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Resolver behavior.
	ShadowResolveBlocked bool          `env:"SHADOW_RESOLVE_BLOCKED" envDefault:"false"`
	PolicyRefreshIvl     time.Duration `env:"POLICY_REFRESH_INTERVAL" envDefault:"5s"`

	// Query log retention. Zero disables the retention task.
	QueryLogsRetentionDays int           `env:"QUERY_LOGS_RETENTION_DAYS" envDefault:"30"`
	RetentionInterval      time.Duration `env:"RETENTION_INTERVAL" envDefault:"1h"`

	// Blocklist refresh.
	BlocklistRefreshIvl   time.Duration `env:"BLOCKLIST_REFRESH_INTERVAL" envDefault:"24h"`
	BlocklistStartupDelay time.Duration `env:"BLOCKLIST_STARTUP_DELAY" envDefault:"30s"`

	// Cluster sync.
	ClusterSyncIvl   time.Duration `env:"CLUSTER_SYNC_INTERVAL" envDefault:"5s"`
	JoinCodeTTL      time.Duration `env:"JOIN_CODE_TTL" envDefault:"60m"`
	RoleOverrideTTL  time.Duration `env:"ROLE_OVERRIDE_TTL" envDefault:"2s"`
	ReadinessMaxLag  time.Duration `env:"READINESS_MAX_LAG" envDefault:"20s"`
	ClusterAuthSkew  time.Duration `env:"CLUSTER_AUTH_SKEW" envDefault:"2m"`
	ClusterNonceSize int           `env:"CLUSTER_NONCE_LRU_SIZE" envDefault:"5000"`

	// SelfURL is this node's admin base URL as peers reach it, embedded in
	// issued join codes. Leave empty to require an explicit URL per code.
	SelfURL string `env:"SELF_URL"`

	// Secrets. When empty, encrypted settings writes fail with
	// SECRETS_KEY_MISSING; a generated key file under DataDir is used when
	// present.
	SecretsKey string `env:"SECRETS_KEY"`

	// GeoIP database (optional). Relative paths resolve under DataDir.
	GeoIPPath string `env:"GEOIP_DB_PATH" envDefault:"geoip.mmdb"`

	Version string `env:"-"`
}

// Load reads the configuration from the environment and applies derived
// defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "sentinel.db")
	}
	if cfg.GeoIPPath != "" && !filepath.IsAbs(cfg.GeoIPPath) {
		cfg.GeoIPPath = filepath.Join(cfg.DataDir, cfg.GeoIPPath)
	}

	return cfg, nil
}

// IsTest reports whether the process runs under the test environment, which
// disables background maintenance.
func (c *Config) IsTest() bool {
	return c.Env == "test"
}

// RoleOverridePath is the HA role override file written by the external VRRP
// daemon.
func (c *Config) RoleOverridePath() string {
	return filepath.Join(c.DataDir, "ha-role")
}

// NetInfoPath is the HA network info file.
func (c *Config) NetInfoPath() string {
	return filepath.Join(c.DataDir, "ha-netinfo.yml")
}

// HAConfigPath is the HA pairing configuration file.
func (c *Config) HAConfigPath() string {
	return filepath.Join(c.DataDir, "ha-config.yml")
}

// SecretsKeyPath is the generated secrets key file used when SECRETS_KEY is
// not set explicitly.
func (c *Config) SecretsKeyPath() string {
	return filepath.Join(c.DataDir, "secrets.key")
}
