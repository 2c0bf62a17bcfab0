package blocklist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/pkg/logging"
	"sentinel/pkg/secrets"
	"sentinel/pkg/storage"
)

func TestParseFormats(t *testing.T) {
	input := strings.Join([]string{
		"# a comment",
		"! adblock comment",
		"// another comment",
		"",
		"0.0.0.0 hosts-style.example.com",
		"127.0.0.1 localhost",
		"bare-domain.example.com",
		"bare-with-comment.example.com # inline",
		"nospace-comment.example.com#tail",
		"0.0.0.0 hosts-comment.example.com#block list import",
		"||anchor.example.com^",
		"||*.wildcard-anchor.example.com^$third-party",
		"|https://urlpipe.example.com/path/to/thing",
		"https://bareurl.example.com/tracker.js",
		"@@||excepted.example.com^",
		"cosmetic.example.com##.ad-banner",
		"UPPER.Example.COM",
		"trailing.dot.example.com.",
		"evil.localhost",
		"not_a_domain",
		"nodot",
	}, "\n")

	res, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"hosts-style.example.com",
		"bare-domain.example.com",
		"bare-with-comment.example.com",
		"nospace-comment.example.com",
		"hosts-comment.example.com",
		"anchor.example.com",
		"wildcard-anchor.example.com",
		"urlpipe.example.com",
		"bareurl.example.com",
		"upper.example.com",
		"trailing.dot.example.com",
	}, res.Domains)
	assert.Greater(t, res.Rejected, 0)
}

func TestParseDeduplicates(t *testing.T) {
	res, err := Parse(strings.NewReader("dup.example.com\n0.0.0.0 dup.example.com\n||dup.example.com^\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"dup.example.com"}, res.Domains)
}

func TestFetcherHappyPath(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("0.0.0.0 ads.example.com\n0.0.0.0 tracker.example.net\n"))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), logging.NewDefault())
	res, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, res.Domains, 2)
	assert.Equal(t, userAgent, gotUA)
}

func TestFetcherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), logging.NewDefault())
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "404")
}

func TestFetcherTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		line := []byte("a-very-long-domain-name-for-padding.example.com\n")
		for written := int64(0); written <= maxListBytes; written += int64(len(line)) {
			if _, err := w.Write(line); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), logging.NewDefault())
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func newRefresherStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bl.db")
	store, err := storage.Open(path, secrets.NewCipher("k"), logging.NewDefault())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRefreshOneReplacesRules(t *testing.T) {
	store := newRefresherStore(t)
	ctx := context.Background()

	payload := "0.0.0.0 ads.example.com\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	b, err := store.CreateBlocklist(ctx, "ads", srv.URL, storage.ModeActive)
	require.NoError(t, err)

	r := NewRefresher(store, NewFetcher(srv.Client(), logging.NewDefault()), nil,
		logging.NewDefault(), nil, time.Hour, 0)

	require.NoError(t, r.RefreshOne(ctx, b.ID))

	updated, err := store.GetBlocklist(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.LastRuleCount)
	assert.Empty(t, updated.LastError)

	// A second manual refresh inside the cooldown is rejected.
	assert.ErrorContains(t, r.RefreshOne(ctx, b.ID), "rate limited")
}

func TestRefreshRecordsFailure(t *testing.T) {
	store := newRefresherStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := store.CreateBlocklist(ctx, "broken", srv.URL, storage.ModeActive)
	require.NoError(t, err)

	r := NewRefresher(store, NewFetcher(srv.Client(), logging.NewDefault()), nil,
		logging.NewDefault(), nil, time.Hour, 0)
	assert.Error(t, r.RefreshOne(ctx, b.ID))

	updated, err := store.GetBlocklist(ctx, b.ID)
	require.NoError(t, err)
	assert.Contains(t, updated.LastError, "500")

	// The failure lands in the notification feed.
	raw, err := store.GetSetting(ctx, storage.KeyNotifications)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "broken")
}

func TestRefreshAllSkipsDisabled(t *testing.T) {
	store := newRefresherStore(t)
	ctx := context.Background()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("ads.example.com\n"))
	}))
	defer srv.Close()

	enabled, err := store.CreateBlocklist(ctx, "on", srv.URL+"/on", storage.ModeActive)
	require.NoError(t, err)
	disabled, err := store.CreateBlocklist(ctx, "off", srv.URL+"/off", storage.ModeActive)
	require.NoError(t, err)
	_, err = store.UpdateBlocklist(ctx, disabled.ID, "off", false, storage.ModeActive)
	require.NoError(t, err)

	r := NewRefresher(store, NewFetcher(srv.Client(), logging.NewDefault()), nil,
		logging.NewDefault(), nil, time.Hour, 0)
	r.RefreshAll(ctx)

	assert.Equal(t, 1, hits)
	got, err := store.GetBlocklist(ctx, enabled.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.LastRuleCount)
}
