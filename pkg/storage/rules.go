package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"sentinel/pkg/rules"
)

// insertChunkSize bounds parameter counts per bulk insert.
const insertChunkSize = 5000

// ListRules returns rules, optionally filtered by category prefix.
func (s *Store) ListRules(ctx context.Context, categoryPrefix string) ([]rules.Rule, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT id, domain, type, category, created_at FROM rules`
	args := []any{}
	if categoryPrefix != "" {
		query += ` WHERE category = ? OR category LIKE ?`
		args = append(args, categoryPrefix, categoryPrefix+":%")
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// ListManualRules returns every rule outside blocklist categories. SQLite
// LIKE is case-insensitive for ASCII, which also catches legacy lowercase
// category rows.
func (s *Store) ListManualRules(ctx context.Context) ([]rules.Rule, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain, type, category, created_at FROM rules
		WHERE category NOT LIKE 'Blocklist:%' ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing manual rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// AddRule inserts one rule. The domain must already be normalized. Duplicate
// (domain, type, category) rows return the existing row unchanged.
func (s *Store) AddRule(ctx context.Context, domain string, ruleType rules.RuleType, category string) (rules.Rule, error) {
	normalized := rules.NormalizeDomain(domain)
	if normalized == "" {
		return rules.Rule{}, fmt.Errorf("invalid domain %q", domain)
	}
	if category == "" {
		category = rules.Scope{Kind: rules.ScopeManual}.String()
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (domain, type, category) VALUES (?, ?, ?)
		ON CONFLICT(domain, type, category) DO NOTHING
	`, normalized, string(ruleType), category)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("inserting rule: %w", err)
	}

	var r rules.Rule
	var typ string
	err = s.db.QueryRowContext(ctx, `
		SELECT id, domain, type, category, created_at FROM rules
		WHERE domain = ? AND type = ? AND category = ?
	`, normalized, string(ruleType), category).Scan(&r.ID, &r.Domain, &typ, &r.Category, &r.CreatedAt)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("reading inserted rule: %w", err)
	}
	r.Type = rules.RuleType(typ)
	return r, nil
}

// DeleteRule removes a rule by id.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRulesByCategory removes all rules owned by a category, legacy
// "<category>:%" suffixed rows included.
func (s *Store) DeleteRulesByCategory(ctx context.Context, category string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rules WHERE category = ? OR category LIKE ?`,
		category, category+":%")
	if err != nil {
		return 0, fmt.Errorf("deleting rules for %s: %w", category, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReplaceBlocklistRules atomically swaps a blocklist's rule set for the given
// domains and updates the blocklist metadata in the same transaction. Domains
// must be pre-normalized; duplicates are silently dropped by the unique
// constraint.
func (s *Store) ReplaceBlocklistRules(ctx context.Context, blocklistID int64, domains []string) (int64, error) {
	category := rules.BlocklistCategory(blocklistID)
	var inserted int64

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM rules WHERE category = ? OR category LIKE ?`,
			category, category+":%",
		); err != nil {
			return fmt.Errorf("clearing old rules: %w", err)
		}

		for start := 0; start < len(domains); start += insertChunkSize {
			end := start + insertChunkSize
			if end > len(domains) {
				end = len(domains)
			}
			chunk := domains[start:end]

			var sb strings.Builder
			sb.WriteString(`INSERT INTO rules (domain, type, category) VALUES `)
			args := make([]any, 0, len(chunk)*3)
			for i, d := range chunk {
				if i > 0 {
					sb.WriteString(",")
				}
				sb.WriteString("(?, ?, ?)")
				args = append(args, d, string(rules.TypeBlocked), category)
			}
			sb.WriteString(` ON CONFLICT(domain, type, category) DO NOTHING`)

			res, err := tx.Exec(sb.String(), args...)
			if err != nil {
				return fmt.Errorf("inserting rule chunk: %w", err)
			}
			n, _ := res.RowsAffected()
			inserted += n
		}

		if _, err := tx.Exec(`
			UPDATE blocklists
			SET last_updated_at = ?, last_error = NULL, last_rule_count = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, time.Now().UTC(), inserted, blocklistID); err != nil {
			return fmt.Errorf("updating blocklist metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// DeleteNonBlocklistRulesTx clears manual rules ahead of a snapshot apply.
func DeleteNonBlocklistRulesTx(tx *sql.Tx) error {
	_, err := tx.Exec(`DELETE FROM rules WHERE category NOT LIKE 'Blocklist:%'`)
	return err
}

// InsertRulesTx bulk-inserts rules preserving createdAt, ignoring duplicate
// rows. Used by snapshot apply.
func InsertRulesTx(tx *sql.Tx, rs []rules.Rule) error {
	for start := 0; start < len(rs); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(rs) {
			end = len(rs)
		}
		chunk := rs[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO rules (domain, type, category, created_at) VALUES `)
		args := make([]any, 0, len(chunk)*4)
		for i, r := range chunk {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString("(?, ?, ?, ?)")
			args = append(args, r.Domain, string(r.Type), r.Category, r.CreatedAt)
		}
		sb.WriteString(` ON CONFLICT(domain, type, category) DO NOTHING`)

		if _, err := tx.Exec(sb.String(), args...); err != nil {
			return fmt.Errorf("inserting rules: %w", err)
		}
	}
	return nil
}

func scanRules(rows *sql.Rows) ([]rules.Rule, error) {
	var out []rules.Rule
	for rows.Next() {
		var r rules.Rule
		var typ string
		if err := rows.Scan(&r.ID, &r.Domain, &typ, &r.Category, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Type = rules.RuleType(typ)
		out = append(out, r)
	}
	return out, rows.Err()
}
