package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
)

var validClientTypes = map[string]bool{
	"laptop": true, "smartphone": true, "tv": true, "game": true,
	"iot": true, "tablet": true, "subnet": true,
}

// ValidateProfile checks the structural invariants of a client profile.
func ValidateProfile(p ClientProfile) error {
	if !validClientTypes[p.Type] {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidProfile, p.Type)
	}
	if p.Type == "subnet" {
		if p.CIDR == "" {
			return fmt.Errorf("%w: subnet profile requires cidr", ErrInvalidProfile)
		}
		if _, _, err := net.ParseCIDR(p.CIDR); err != nil {
			return fmt.Errorf("%w: bad cidr %q", ErrInvalidProfile, p.CIDR)
		}
	} else if p.IP != "" && net.ParseIP(p.IP) == nil {
		return fmt.Errorf("%w: bad ip %q", ErrInvalidProfile, p.IP)
	}
	return nil
}

// ListClients returns all client and subnet profiles.
func (s *Store) ListClients(ctx context.Context) ([]Client, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, profile, created_at, updated_at FROM clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		var c Client
		var profile string
		if err := rows.Scan(&c.ID, &profile, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(profile), &c.Profile); err != nil {
			return nil, fmt.Errorf("decoding client %d profile: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetClient returns one client by id.
func (s *Store) GetClient(ctx context.Context, id int64) (Client, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var c Client
	var profile string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, profile, created_at, updated_at FROM clients WHERE id = ?`, id,
	).Scan(&c.ID, &profile, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return Client{}, ErrNotFound
	}
	if err != nil {
		return Client{}, fmt.Errorf("reading client: %w", err)
	}
	if err := json.Unmarshal([]byte(profile), &c.Profile); err != nil {
		return Client{}, fmt.Errorf("decoding client profile: %w", err)
	}
	return c, nil
}

// CreateClient stores a validated profile.
func (s *Store) CreateClient(ctx context.Context, p ClientProfile) (Client, error) {
	if err := ValidateProfile(p); err != nil {
		return Client{}, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Client{}, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (profile) VALUES (?)`, string(raw))
	if err != nil {
		return Client{}, fmt.Errorf("creating client: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Client{}, err
	}
	return s.GetClient(ctx, id)
}

// UpdateClient replaces a client's profile.
func (s *Store) UpdateClient(ctx context.Context, id int64, p ClientProfile) (Client, error) {
	if err := ValidateProfile(p); err != nil {
		return Client{}, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Client{}, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE clients SET profile = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(raw), id)
	if err != nil {
		return Client{}, fmt.Errorf("updating client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Client{}, ErrNotFound
	}
	return s.GetClient(ctx, id)
}

// DeleteClient removes a client by id.
func (s *Store) DeleteClient(ctx context.Context, id int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertClientTx writes a client preserving its id. Used by snapshot apply.
func UpsertClientTx(tx *sql.Tx, c Client) error {
	raw, err := json.Marshal(c.Profile)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO clients (id, profile, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			profile = excluded.profile, updated_at = excluded.updated_at
	`, c.ID, string(raw), c.CreatedAt, c.UpdatedAt)
	return err
}

// DeleteClientsNotInTx removes clients whose ids are absent from keep. An
// empty keep set clears the table.
func DeleteClientsNotInTx(tx *sql.Tx, keep []int64) error {
	if len(keep) == 0 {
		_, err := tx.Exec(`DELETE FROM clients`)
		return err
	}

	query := `DELETE FROM clients WHERE id NOT IN (?` // at least one id
	args := []any{keep[0]}
	for _, id := range keep[1:] {
		query += ",?"
		args = append(args, id)
	}
	query += ")"

	_, err := tx.Exec(query, args...)
	return err
}

// UpsertSettingTx writes a settings row inside a snapshot-apply transaction.
func UpsertSettingTx(tx *sql.Tx, key string, value json.RawMessage) error {
	_, err := tx.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, string(value))
	return err
}
