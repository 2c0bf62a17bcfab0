package geo

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"sentinel/pkg/logging"
	"sentinel/pkg/storage"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	// Points at a file that does not exist, so every lookup misses.
	return NewResolver(filepath.Join(t.TempDir(), "absent.mmdb"), logging.NewDefault())
}

func TestAggregateReasonBuckets(t *testing.T) {
	r := newTestResolver(t)
	defer r.Close()

	entries := []storage.LogEntry{
		{Domain: "ads.example.com", Status: storage.StatusBlocked},
		{Domain: "tracker.example.com", Status: storage.StatusShadowBlocked},
		{Domain: "mail.example.com", Status: storage.StatusPermitted}, // MX, no IPs
		{Domain: "nas.home", Status: storage.StatusPermitted, AnswerIPs: []string{"192.168.1.20"}},
		{Domain: "printer.home", Status: storage.StatusPermitted, AnswerIPs: []string{"127.0.0.1"}},
		{Domain: "weird.example.com", Status: storage.StatusPermitted, AnswerIPs: []string{"not-an-ip"}},
	}

	s := r.Aggregate(entries)

	assert.Empty(t, s.Points)
	assert.Empty(t, s.Countries)
	assert.Equal(t, int64(2), s.Unlocated[ReasonBlockedNoIPs])
	assert.Equal(t, int64(1), s.Unlocated[ReasonNoIPAnswers])
	assert.Equal(t, int64(2), s.Unlocated[ReasonPrivateNetwork])
	assert.Equal(t, int64(1), s.Unlocated[ReasonUnknown])
}

func TestAggregateWithoutDatabase(t *testing.T) {
	r := newTestResolver(t)
	defer r.Close()

	// A public IP with no database loaded lands in the unknown bucket
	// rather than failing the aggregation.
	s := r.Aggregate([]storage.LogEntry{
		{Domain: "example.com", Status: storage.StatusPermitted, AnswerIPs: []string{"93.184.216.34"}},
	})
	assert.Equal(t, int64(1), s.Unlocated[ReasonUnknown])
}

func TestSnapGrid(t *testing.T) {
	assert.InDelta(t, 51.5, snap(51.5074), 1e-9)
	assert.InDelta(t, -0.1, snap(-0.1278), 1e-9)
	assert.InDelta(t, 0.0, snap(0.04), 1e-9)
}
