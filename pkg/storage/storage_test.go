package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/pkg/logging"
	"sentinel/pkg/rules"
	"sentinel/pkg/secrets"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(path, secrets.NewCipher("test-key"), logging.NewDefault())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRunsMigrations(t *testing.T) {
	store := newTestStore(t)

	version, err := getCurrentVersion(store.db)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, version)

	// Reopening the same file is idempotent.
	require.NoError(t, store.Ping(context.Background()))
}

func TestSettingsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetSetting(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetSetting(ctx, "custom", json.RawMessage(`{"a":1}`)))
	raw, err := store.GetSetting(ctx, "custom")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	// Upsert replaces.
	require.NoError(t, store.SetSetting(ctx, "custom", json.RawMessage(`{"a":2}`)))
	raw, err = store.GetSetting(ctx, "custom")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(raw))

	assert.Error(t, store.SetSetting(ctx, "bad", json.RawMessage(`{not json`)))
}

func TestDNSSettingsDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetDNSSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "udp", got.Forward.Transport)
	assert.NotEmpty(t, got.Forward.Upstreams)

	want := DefaultDNSSettings()
	want.Forward.Transport = "doh"
	want.Forward.Upstreams = []string{"https://dns.example/dns-query"}
	require.NoError(t, store.SetDNSSettings(ctx, want))

	got, err = store.GetDNSSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "doh", got.Forward.Transport)
	assert.Equal(t, want.Forward.Upstreams, got.Forward.Upstreams)
}

func TestProtectionPauseActive(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	assert.False(t, ProtectionPause{Mode: PauseOff}.Active(now))
	assert.True(t, ProtectionPause{Mode: PauseForever}.Active(now))
	assert.True(t, ProtectionPause{Mode: PauseUntil, Until: &future}.Active(now))
	assert.False(t, ProtectionPause{Mode: PauseUntil, Until: &past}.Active(now))
	assert.False(t, ProtectionPause{Mode: PauseUntil}.Active(now))
}

func TestSecretsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetSecret(ctx, "psk")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, store.SetSecret(ctx, "psk", "cluster-psk-value"))
	got, err = store.GetSecret(ctx, "psk")
	require.NoError(t, err)
	assert.Equal(t, "cluster-psk-value", got)

	// The stored row is encrypted, not plaintext.
	raw, err := store.GetSetting(ctx, "secret:psk")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "cluster-psk-value")

	names, err := store.ListSecretNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"psk"}, names)
}

func TestRuleCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r, err := store.AddRule(ctx, "Example.COM.", rules.TypeBlocked, "")
	require.NoError(t, err)
	assert.Equal(t, "example.com", r.Domain)
	assert.Equal(t, "Manual", r.Category)

	// Duplicate insert returns the same row.
	again, err := store.AddRule(ctx, "example.com", rules.TypeBlocked, "Manual")
	require.NoError(t, err)
	assert.Equal(t, r.ID, again.ID)

	_, err = store.AddRule(ctx, "no-dot", rules.TypeBlocked, "")
	assert.Error(t, err)

	listed, err := store.ListRules(ctx, "")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, store.DeleteRule(ctx, r.ID))
	assert.ErrorIs(t, store.DeleteRule(ctx, r.ID), ErrNotFound)
}

func TestReplaceBlocklistRules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b, err := store.CreateBlocklist(ctx, "ads", "https://lists.example/ads.txt", ModeActive)
	require.NoError(t, err)

	// Seed a legacy suffixed row that the replace must sweep.
	legacy := rules.BlocklistCategory(b.ID) + ":legacy"
	_, err = store.AddRule(ctx, "old.example.com", rules.TypeBlocked, legacy)
	require.NoError(t, err)

	n, err := store.ReplaceBlocklistRules(ctx, b.ID,
		[]string{"ads.example.com", "tracker.example.net", "ads.example.com"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n) // duplicate collapsed by unique constraint

	got, err := store.ListRules(ctx, rules.BlocklistCategory(b.ID))
	require.NoError(t, err)
	assert.Len(t, got, 2)

	updated, err := store.GetBlocklist(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated.LastRuleCount)
	assert.NotNil(t, updated.LastUpdatedAt)
	assert.Empty(t, updated.LastError)

	// Manual rules are untouched by ListManualRules sweep semantics.
	manual, err := store.ListManualRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, manual)
}

func TestBlocklistCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b, err := store.CreateBlocklist(ctx, "ads", "https://lists.example/a.txt", "")
	require.NoError(t, err)
	assert.Equal(t, ModeActive, b.Mode)
	assert.True(t, b.Enabled)

	_, err = store.CreateBlocklist(ctx, "dup", "https://lists.example/a.txt", ModeShadow)
	assert.ErrorIs(t, err, ErrBlocklistExists)

	b, err = store.UpdateBlocklist(ctx, b.ID, "ads-renamed", false, ModeShadow)
	require.NoError(t, err)
	assert.Equal(t, "ads-renamed", b.Name)
	assert.False(t, b.Enabled)
	assert.Equal(t, ModeShadow, b.Mode)

	require.NoError(t, store.RecordBlocklistError(ctx, b.ID, "fetch failed"))
	b, err = store.GetBlocklist(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "fetch failed", b.LastError)

	_, err = store.ReplaceBlocklistRules(ctx, b.ID, []string{"x.example.com"})
	require.NoError(t, err)

	require.NoError(t, store.DeleteBlocklist(ctx, b.ID))
	assert.ErrorIs(t, store.DeleteBlocklist(ctx, b.ID), ErrNotFound)

	// Owned rules are gone too.
	got, err := store.ListRules(ctx, rules.BlocklistCategory(b.ID))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClientCRUDAndValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateClient(ctx, ClientProfile{Type: "toaster"})
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = store.CreateClient(ctx, ClientProfile{Type: "subnet"})
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = store.CreateClient(ctx, ClientProfile{Type: "subnet", CIDR: "not-a-cidr"})
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = store.CreateClient(ctx, ClientProfile{Type: "laptop", IP: "nope"})
	assert.ErrorIs(t, err, ErrInvalidProfile)

	c, err := store.CreateClient(ctx, ClientProfile{
		Type: "laptop", Name: "dev", IP: "10.0.0.5", UseGlobalSettings: true,
	})
	require.NoError(t, err)

	sub, err := store.CreateClient(ctx, ClientProfile{
		Type: "subnet", Name: "lan", CIDR: "10.0.0.0/24",
		AssignedBlocklists: []int64{1, 2},
	})
	require.NoError(t, err)

	listed, err := store.ListClients(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	c.Profile.IsInternetPaused = true
	updated, err := store.UpdateClient(ctx, c.ID, c.Profile)
	require.NoError(t, err)
	assert.True(t, updated.Profile.IsInternetPaused)

	require.NoError(t, store.DeleteClient(ctx, sub.ID))
	assert.ErrorIs(t, store.DeleteClient(ctx, sub.ID), ErrNotFound)
}

func TestQueryLogAggregations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entries := []LogEntry{
		{Timestamp: now, Domain: "a.example.com", Type: "A", ClientIP: "10.0.0.1", Status: StatusPermitted, DurationMs: 10, AnswerIPs: []string{"93.184.216.34"}},
		{Timestamp: now, Domain: "ads.example.net", Type: "A", ClientIP: "10.0.0.1", Status: StatusBlocked, BlocklistID: "Blocklist:1"},
		{Timestamp: now, Domain: "ads.example.net", Type: "A", ClientIP: "10.0.0.2", Status: StatusShadowBlocked},
		{Timestamp: now, Domain: "a.example.com", Type: "AAAA", ClientIP: "10.0.0.2", Status: StatusCached, DurationMs: 1},
		{Timestamp: now.Add(-48 * time.Hour), Domain: "stale.example.com", Type: "A", ClientIP: "10.0.0.3", Status: StatusPermitted},
	}
	require.NoError(t, store.insertLogEntries(ctx, entries))

	totals, err := store.LogTotals(ctx, 24)
	require.NoError(t, err)
	assert.EqualValues(t, 4, totals.Total)
	assert.EqualValues(t, 1, totals.Blocked)
	assert.EqualValues(t, 1, totals.ShadowBlocked)
	assert.EqualValues(t, 1, totals.Cached)
	assert.EqualValues(t, 2, totals.UniqueClients)

	top, err := store.TopDomains(ctx, 24, 10, nil)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.EqualValues(t, 2, top[0].Count)

	// Excluding a domain removes it from the ranking.
	top, err = store.TopDomains(ctx, 24, 10, []string{"a.example.com"})
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "ads.example.net", top[0].Domain)

	blocked, err := store.TopBlocked(ctx, 24, 10)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "ads.example.net", blocked[0].Domain)
	assert.EqualValues(t, 2, blocked[0].Count)

	stats, err := store.ClientStats(ctx, 24)
	require.NoError(t, err)
	assert.Len(t, stats, 2)

	series, err := store.TimeSeries(ctx, 24)
	require.NoError(t, err)
	require.NotEmpty(t, series)

	// Filters on the list path.
	got, err := store.ListLogEntries(ctx, LogFilter{Status: StatusBlocked, Hours: 24})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Blocklist:1", got[0].BlocklistID)

	got, err = store.ListLogEntries(ctx, LogFilter{Domain: "a.example", Hours: 24})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Answer IPs round-trip through the JSON column.
	got, err = store.ListLogEntries(ctx, LogFilter{Status: StatusPermitted, Hours: 24})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"93.184.216.34"}, got[0].AnswerIPs)
}

func TestRetentionDeletesInBatches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-72 * time.Hour)

	var entries []LogEntry
	for i := 0; i < 50; i++ {
		entries = append(entries, LogEntry{
			Timestamp: old, Domain: "old.example.com", Type: "A",
			ClientIP: "10.0.0.1", Status: StatusPermitted,
		})
	}
	entries = append(entries, LogEntry{
		Timestamp: time.Now().UTC(), Domain: "new.example.com", Type: "A",
		ClientIP: "10.0.0.1", Status: StatusPermitted,
	})
	require.NoError(t, store.insertLogEntries(ctx, entries))

	n, err := store.DeleteLogsOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 50, n)

	remaining, err := store.ListLogEntries(ctx, LogFilter{Hours: 24 * 30})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "new.example.com", remaining[0].Domain)
}

func TestRetentionSweep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.insertLogEntries(ctx, []LogEntry{
		{Timestamp: time.Now().UTC().AddDate(0, 0, -40), Domain: "ancient.example.com",
			Type: "A", ClientIP: "10.0.0.1", Status: StatusPermitted},
		{Timestamp: time.Now().UTC(), Domain: "fresh.example.com",
			Type: "A", ClientIP: "10.0.0.1", Status: StatusPermitted},
	}))

	r := NewRetention(store, logging.NewDefault(), 30, time.Hour)
	r.Sweep(ctx)

	remaining, err := store.ListLogEntries(ctx, LogFilter{Hours: 24 * 60})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh.example.com", remaining[0].Domain)
}

func TestQueryLogBufferAndFlush(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var drops int
	q := NewQueryLog(store, func() { drops++ })
	defer q.Close()

	require.NoError(t, q.Append(LogEntry{
		Domain: "buffered.example.com", Type: "A",
		ClientIP: "10.0.0.1", Status: StatusPermitted,
	}))
	require.NoError(t, q.Flush(ctx))

	got, err := store.ListLogEntries(ctx, LogFilter{Hours: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "buffered.example.com", got[0].Domain)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Zero(t, drops)
}

func TestSnapshotTxHelpers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c1, err := store.CreateClient(ctx, ClientProfile{Type: "laptop", IP: "10.0.0.1"})
	require.NoError(t, err)
	c2, err := store.CreateClient(ctx, ClientProfile{Type: "tv", IP: "10.0.0.2"})
	require.NoError(t, err)

	_, err = store.AddRule(ctx, "manual.example.com", rules.TypeAllowed, "Manual")
	require.NoError(t, err)
	_, err = store.AddRule(ctx, "listed.example.com", rules.TypeBlocked, "Blocklist:7")
	require.NoError(t, err)

	incoming := c1
	incoming.Profile.Name = "replicated"

	require.NoError(t, store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := DeleteClientsNotInTx(tx, []int64{c1.ID}); err != nil {
			return err
		}
		if err := UpsertClientTx(tx, incoming); err != nil {
			return err
		}
		if err := DeleteNonBlocklistRulesTx(tx); err != nil {
			return err
		}
		return InsertRulesTx(tx, []rules.Rule{{
			Domain: "synced.example.com", Type: rules.TypeBlocked,
			Category: "Manual", CreatedAt: time.Now().UTC(),
		}})
	}))

	clients, err := store.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, c1.ID, clients[0].ID)
	assert.Equal(t, "replicated", clients[0].Profile.Name)
	_ = c2

	manual, err := store.ListManualRules(ctx)
	require.NoError(t, err)
	require.Len(t, manual, 1)
	assert.Equal(t, "synced.example.com", manual[0].Domain)

	// Blocklist-owned rows survive the manual sweep.
	kept, err := store.ListRules(ctx, "Blocklist:7")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}
