package cluster

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sentinel/pkg/rules"
	"sentinel/pkg/storage"
)

// PSKSecretName is the secret slot holding this node's cluster key. It never
// replicates: each pairing distributes its key through the join code.
const PSKSecretName = "cluster_psk"

// snapshotVersion guards the wire format.
const snapshotVersion = 1

// Snapshot is the full replicated state of a leader. Secrets travel as
// plaintext inside the authenticated channel and are re-encrypted with the
// follower's own key on apply.
type Snapshot struct {
	Version    int                 `json:"version"`
	CreatedAt  time.Time           `json:"createdAt"`
	Settings   []storage.Setting   `json:"settings"`
	Clients    []storage.Client    `json:"clients"`
	Rules      []rules.Rule        `json:"rules"`
	Blocklists []storage.Blocklist `json:"blocklists"`
	Secrets    map[string]string   `json:"secrets"`
}

// Export assembles the leader's replicable state. Cluster-internal settings
// and the secret rows stay local; secrets export decrypted under their names.
func Export(ctx context.Context, store *storage.Store) (*Snapshot, error) {
	snap := &Snapshot{
		Version:   snapshotVersion,
		CreatedAt: time.Now().UTC(),
		Secrets:   map[string]string{},
	}

	settings, err := store.ListSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("exporting settings: %w", err)
	}
	for _, st := range settings {
		if storage.IsSecretKey(st.Key) || storage.IsClusterKey(st.Key) {
			continue
		}
		snap.Settings = append(snap.Settings, st)
	}

	if snap.Clients, err = store.ListClients(ctx); err != nil {
		return nil, fmt.Errorf("exporting clients: %w", err)
	}
	if snap.Rules, err = store.ListManualRules(ctx); err != nil {
		return nil, fmt.Errorf("exporting rules: %w", err)
	}
	if snap.Blocklists, err = store.ListBlocklists(ctx); err != nil {
		return nil, fmt.Errorf("exporting blocklists: %w", err)
	}

	names, err := store.ListSecretNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("exporting secrets: %w", err)
	}
	for _, name := range names {
		if name == PSKSecretName {
			continue
		}
		value, err := store.GetSecret(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("exporting secret %s: %w", name, err)
		}
		snap.Secrets[name] = value
	}

	return snap, nil
}

// Apply converges local state onto the snapshot. Settings, clients, manual
// rules, and blocklist registrations change in one transaction; secrets are
// re-encrypted with the local key afterwards. Returns per-section counts.
//
// Admin sessions survive the apply only while the replicated password hash
// matches the local one; a changed password on the leader logs everyone out
// here too.
func Apply(ctx context.Context, store *storage.Store, snap *Snapshot) (map[string]int64, error) {
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	localAdmin, err := store.GetAuthAdmin(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading local admin state: %w", err)
	}

	counts := map[string]int64{
		"settings":   int64(len(snap.Settings)),
		"clients":    int64(len(snap.Clients)),
		"rules":      int64(len(snap.Rules)),
		"blocklists": int64(len(snap.Blocklists)),
		"secrets":    int64(len(snap.Secrets)),
	}

	err = store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, st := range snap.Settings {
			if storage.IsSecretKey(st.Key) || storage.IsClusterKey(st.Key) {
				continue
			}
			value := st.Value
			if st.Key == storage.KeyAuthAdmin {
				if value, err = mergeAuthAdmin(st.Value, localAdmin); err != nil {
					return err
				}
			}
			if err := storage.UpsertSettingTx(tx, st.Key, value); err != nil {
				return fmt.Errorf("applying setting %s: %w", st.Key, err)
			}
		}

		keep := make([]int64, 0, len(snap.Clients))
		for _, c := range snap.Clients {
			if err := storage.UpsertClientTx(tx, c); err != nil {
				return fmt.Errorf("applying client %d: %w", c.ID, err)
			}
			keep = append(keep, c.ID)
		}
		if err := storage.DeleteClientsNotInTx(tx, keep); err != nil {
			return fmt.Errorf("pruning clients: %w", err)
		}

		if err := storage.DeleteNonBlocklistRulesTx(tx); err != nil {
			return fmt.Errorf("clearing manual rules: %w", err)
		}
		if err := storage.InsertRulesTx(tx, snap.Rules); err != nil {
			return fmt.Errorf("applying rules: %w", err)
		}

		if err := storage.TruncateBlocklistsTx(tx); err != nil {
			return fmt.Errorf("clearing blocklists: %w", err)
		}
		for _, b := range snap.Blocklists {
			if err := storage.InsertBlocklistRowTx(tx, b); err != nil {
				return fmt.Errorf("applying blocklist %d: %w", b.ID, err)
			}
		}
		if err := storage.ResetBlocklistSeqTx(tx); err != nil {
			return fmt.Errorf("resetting blocklist sequence: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Secrets re-encrypt outside the transaction: key derivation is slow and
	// must not hold the writer connection.
	for name, plaintext := range snap.Secrets {
		if err := store.SetSecret(ctx, name, plaintext); err != nil {
			return nil, fmt.Errorf("applying secret %s: %w", name, err)
		}
	}

	return counts, nil
}

// mergeAuthAdmin decides what happens to local sessions when the admin
// credential replicates.
func mergeAuthAdmin(incoming json.RawMessage, local storage.AuthAdmin) (json.RawMessage, error) {
	var admin storage.AuthAdmin
	if err := json.Unmarshal(incoming, &admin); err != nil {
		return nil, fmt.Errorf("decoding replicated admin state: %w", err)
	}

	if admin.PasswordHash == local.PasswordHash {
		admin.Sessions = local.Sessions
	} else {
		admin.Sessions = nil
	}

	merged, err := json.Marshal(admin)
	if err != nil {
		return nil, err
	}
	return merged, nil
}
