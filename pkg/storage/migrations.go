package storage

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one versioned schema change. Migrations are applied in order
// inside a transaction and recorded in schema_version.
type Migration struct {
	SQL         string
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema: rules, blocklists, clients, settings, query_logs",
		SQL: `
			CREATE TABLE IF NOT EXISTS rules (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				domain TEXT NOT NULL,
				type TEXT NOT NULL,
				category TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(domain, type, category)
			);
			CREATE INDEX IF NOT EXISTS idx_rules_category ON rules(category);
			CREATE INDEX IF NOT EXISTS idx_rules_domain ON rules(domain);

			CREATE TABLE IF NOT EXISTS blocklists (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				url TEXT NOT NULL UNIQUE,
				enabled BOOLEAN NOT NULL DEFAULT 1,
				mode TEXT NOT NULL DEFAULT 'ACTIVE',
				last_updated_at DATETIME,
				last_error TEXT,
				last_rule_count INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS clients (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				profile TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS query_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp DATETIME NOT NULL,
				domain TEXT NOT NULL,
				type TEXT NOT NULL,
				client TEXT,
				client_ip TEXT NOT NULL,
				status TEXT NOT NULL,
				duration_ms REAL NOT NULL DEFAULT 0,
				answer_ips TEXT,
				blocklist_id TEXT,
				protection_paused BOOLEAN NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_query_logs_timestamp ON query_logs(timestamp);
			CREATE INDEX IF NOT EXISTS idx_query_logs_domain ON query_logs(domain);
			CREATE INDEX IF NOT EXISTS idx_query_logs_client_ip ON query_logs(client_ip);
			CREATE INDEX IF NOT EXISTS idx_query_logs_status ON query_logs(status);
			CREATE INDEX IF NOT EXISTS idx_query_logs_blocked
				ON query_logs(timestamp) WHERE status IN ('BLOCKED', 'SHADOW_BLOCKED');
		`,
	},
	{
		Version:     2,
		Description: "Composite indexes for aggregation paths",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_query_logs_status_domain ON query_logs(status, domain);
			CREATE INDEX IF NOT EXISTS idx_query_logs_client_timestamp ON query_logs(client_ip, timestamp);
		`,
	},
}

func getMigrations() []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return result
}

// getCurrentVersion returns the schema version, 0 for a fresh database.
func getCurrentVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`
		SELECT 1 FROM sqlite_master WHERE type='table' AND name='schema_version'
	`).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func runMigrations(db *sql.DB) error {
	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf("failed to apply migration v%d (%s): %w",
				migration.Version, migration.Description, err)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return err
	}

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`INSERT INTO schema_version (version, description) VALUES (?, ?)`,
		m.Version, m.Description,
	); err != nil {
		return err
	}

	return tx.Commit()
}
