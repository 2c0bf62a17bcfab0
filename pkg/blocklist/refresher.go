package blocklist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/pkg/logging"
	"sentinel/pkg/policy"
	"sentinel/pkg/storage"
	"sentinel/pkg/telemetry"
)

// manualRefreshCooldown rate-limits manual refreshes per blocklist.
const manualRefreshCooldown = time.Minute

// maxNotifications caps the stored notification feed.
const maxNotifications = 100

// Refresher keeps every enabled blocklist's rules current: one serial pass
// shortly after startup, then a long periodic cycle. Manual refreshes go
// through RefreshOne.
type Refresher struct {
	store   *storage.Store
	fetcher *Fetcher
	engine  *policy.Engine
	logger  *logging.Logger
	metrics *telemetry.Metrics

	interval     time.Duration
	startupDelay time.Duration

	mu         sync.Mutex
	lastManual map[int64]time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
}

// NewRefresher wires the refresher. engine may be nil in tests; when set, a
// successful refresh forces a policy snapshot rebuild.
func NewRefresher(store *storage.Store, fetcher *Fetcher, engine *policy.Engine,
	logger *logging.Logger, metrics *telemetry.Metrics,
	interval, startupDelay time.Duration) *Refresher {
	return &Refresher{
		store:        store,
		fetcher:      fetcher,
		engine:       engine,
		logger:       logger,
		metrics:      metrics,
		interval:     interval,
		startupDelay: startupDelay,
		lastManual:   make(map[int64]time.Time),
		stopChan:     make(chan struct{}),
	}
}

// Start launches the background refresh loop.
func (r *Refresher) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("Blocklist refresher already started")
		return nil
	}
	r.stopChan = make(chan struct{})

	r.logger.Info("Starting blocklist refresher",
		"interval", r.interval, "startup_delay", r.startupDelay)

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop halts the background loop.
func (r *Refresher) Stop() {
	if !r.started.CompareAndSwap(true, false) {
		return
	}
	close(r.stopChan)
	r.wg.Wait()
}

func (r *Refresher) loop(ctx context.Context) {
	defer r.wg.Done()

	select {
	case <-r.stopChan:
		return
	case <-ctx.Done():
		return
	case <-time.After(r.startupDelay):
	}
	r.RefreshAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshAll(ctx)
		}
	}
}

// RefreshAll refreshes every enabled blocklist serially. Failures are
// recorded per list and never abort the pass.
func (r *Refresher) RefreshAll(ctx context.Context) {
	lists, err := r.store.ListBlocklists(ctx)
	if err != nil {
		r.logger.Error("Listing blocklists for refresh failed", "error", err)
		return
	}

	var ok, failed int
	for _, b := range lists {
		if !b.Enabled {
			continue
		}
		if err := r.refresh(ctx, b); err != nil {
			failed++
			r.logger.Error("Blocklist refresh failed",
				"id", b.ID, "name", b.Name, "error", err)
		} else {
			ok++
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if ok+failed > 0 {
		r.logger.Info("Blocklist refresh pass complete", "ok", ok, "failed", failed)
	}

	if r.engine != nil && ok > 0 {
		if err := r.engine.Refresh(ctx, true); err != nil {
			r.logger.Error("Policy refresh after blocklist update failed", "error", err)
		}
	}
}

// RefreshOne refreshes a single blocklist on demand, enforcing the manual
// cooldown.
func (r *Refresher) RefreshOne(ctx context.Context, id int64) error {
	r.mu.Lock()
	if last, ok := r.lastManual[id]; ok && time.Since(last) < manualRefreshCooldown {
		r.mu.Unlock()
		return fmt.Errorf("refresh for blocklist %d rate limited", id)
	}
	r.lastManual[id] = time.Now()
	r.mu.Unlock()

	b, err := r.store.GetBlocklist(ctx, id)
	if err != nil {
		return err
	}
	if err := r.refresh(ctx, b); err != nil {
		return err
	}
	if r.engine != nil {
		return r.engine.Refresh(ctx, true)
	}
	return nil
}

func (r *Refresher) refresh(ctx context.Context, b storage.Blocklist) error {
	if r.metrics != nil {
		r.metrics.RefreshRuns.Add(ctx, 1)
	}

	res, err := r.fetcher.Fetch(ctx, b.URL)
	if err != nil {
		r.recordFailure(ctx, b, err)
		return err
	}

	inserted, err := r.store.ReplaceBlocklistRules(ctx, b.ID, res.Domains)
	if err != nil {
		r.recordFailure(ctx, b, err)
		return err
	}

	r.logger.Info("Blocklist refreshed",
		"id", b.ID, "name", b.Name, "rules", inserted)
	return nil
}

// recordFailure stores lastError outside the refresh transaction and appends
// a notification event.
func (r *Refresher) recordFailure(ctx context.Context, b storage.Blocklist, cause error) {
	if r.metrics != nil {
		r.metrics.RefreshFailures.Add(ctx, 1)
	}
	if err := r.store.RecordBlocklistError(ctx, b.ID, cause.Error()); err != nil {
		r.logger.Error("Recording blocklist error failed", "id", b.ID, "error", err)
	}
	r.notify(ctx, fmt.Sprintf("Blocklist %q refresh failed: %v", b.Name, cause))
}

type notificationEvent struct {
	Message   string    `json:"message"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *Refresher) notify(ctx context.Context, message string) {
	raw, err := r.store.GetSetting(ctx, storage.KeyNotifications)
	var events []notificationEvent
	if err == nil {
		_ = json.Unmarshal(raw, &events)
	}
	events = append(events, notificationEvent{
		Message: message, Level: "error", Timestamp: time.Now().UTC(),
	})
	if len(events) > maxNotifications {
		events = events[len(events)-maxNotifications:]
	}
	if out, err := json.Marshal(events); err == nil {
		if err := r.store.SetSetting(ctx, storage.KeyNotifications, out); err != nil {
			r.logger.Error("Storing notification failed", "error", err)
		}
	}
}
