package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"sentinel/pkg/rules"
)

// ListBlocklists returns all registered blocklists.
func (s *Store) ListBlocklists(ctx context.Context) ([]Blocklist, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, url, enabled, mode, last_updated_at, last_error,
			last_rule_count, created_at, updated_at
		FROM blocklists ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing blocklists: %w", err)
	}
	defer rows.Close()
	return scanBlocklists(rows)
}

// GetBlocklist returns one blocklist by id.
func (s *Store) GetBlocklist(ctx context.Context, id int64) (Blocklist, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, enabled, mode, last_updated_at, last_error,
			last_rule_count, created_at, updated_at
		FROM blocklists WHERE id = ?
	`, id)

	b, err := scanBlocklist(row)
	if err == sql.ErrNoRows {
		return Blocklist{}, ErrNotFound
	}
	if err != nil {
		return Blocklist{}, fmt.Errorf("reading blocklist: %w", err)
	}
	return b, nil
}

// CreateBlocklist registers a new blocklist. Duplicate URLs fail with
// ErrBlocklistExists.
func (s *Store) CreateBlocklist(ctx context.Context, name, url string, mode BlocklistMode) (Blocklist, error) {
	if mode == "" {
		mode = ModeActive
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO blocklists (name, url, enabled, mode) VALUES (?, ?, 1, ?)
	`, name, url, string(mode))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return Blocklist{}, ErrBlocklistExists
		}
		return Blocklist{}, fmt.Errorf("creating blocklist: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Blocklist{}, err
	}
	return s.GetBlocklist(ctx, id)
}

// UpdateBlocklist updates name, enabled flag, and mode.
func (s *Store) UpdateBlocklist(ctx context.Context, id int64, name string, enabled bool, mode BlocklistMode) (Blocklist, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE blocklists
		SET name = ?, enabled = ?, mode = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, name, enabled, string(mode), id)
	if err != nil {
		return Blocklist{}, fmt.Errorf("updating blocklist: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Blocklist{}, ErrNotFound
	}
	return s.GetBlocklist(ctx, id)
}

// DeleteBlocklist removes a blocklist and every rule it owns.
func (s *Store) DeleteBlocklist(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		category := rules.BlocklistCategory(id)
		if _, err := tx.Exec(
			`DELETE FROM rules WHERE category = ? OR category LIKE ?`,
			category, category+":%",
		); err != nil {
			return fmt.Errorf("deleting blocklist rules: %w", err)
		}

		res, err := tx.Exec(`DELETE FROM blocklists WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting blocklist: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RecordBlocklistError stores lastError after a failed refresh. Runs outside
// any refresh transaction so the message survives the rollback.
func (s *Store) RecordBlocklistError(ctx context.Context, id int64, msg string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE blocklists SET last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, msg, id)
	return err
}

// TruncateBlocklistsTx clears the blocklists table ahead of a snapshot apply.
func TruncateBlocklistsTx(tx *sql.Tx) error {
	_, err := tx.Exec(`DELETE FROM blocklists`)
	return err
}

// InsertBlocklistRowTx inserts a blocklist preserving its id. Used by
// snapshot apply.
func InsertBlocklistRowTx(tx *sql.Tx, b Blocklist) error {
	var lastUpdated any
	if b.LastUpdatedAt != nil {
		lastUpdated = *b.LastUpdatedAt
	}
	var lastError any
	if b.LastError != "" {
		lastError = b.LastError
	}
	_, err := tx.Exec(`
		INSERT INTO blocklists
			(id, name, url, enabled, mode, last_updated_at, last_error,
			 last_rule_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.Name, b.URL, b.Enabled, string(b.Mode), lastUpdated, lastError,
		b.LastRuleCount, b.CreatedAt, b.UpdatedAt)
	return err
}

// ResetBlocklistSeqTx resets the autoincrement sequence to max(id) so rows
// created after an apply do not collide with replicated ids.
func ResetBlocklistSeqTx(tx *sql.Tx) error {
	_, err := tx.Exec(`
		UPDATE sqlite_sequence
		SET seq = (SELECT COALESCE(MAX(id), 0) FROM blocklists)
		WHERE name = 'blocklists'
	`)
	return err
}

type blocklistScanner interface {
	Scan(dest ...any) error
}

func scanBlocklist(row blocklistScanner) (Blocklist, error) {
	var b Blocklist
	var mode string
	var lastUpdated sql.NullTime
	var lastError sql.NullString
	err := row.Scan(&b.ID, &b.Name, &b.URL, &b.Enabled, &mode, &lastUpdated,
		&lastError, &b.LastRuleCount, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return Blocklist{}, err
	}
	b.Mode = BlocklistMode(mode)
	if lastUpdated.Valid {
		t := lastUpdated.Time
		b.LastUpdatedAt = &t
	}
	b.LastError = lastError.String
	return b, nil
}

func scanBlocklists(rows *sql.Rows) ([]Blocklist, error) {
	var out []Blocklist
	for rows.Next() {
		b, err := scanBlocklist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
