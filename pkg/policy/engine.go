package policy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/pkg/logging"
	"sentinel/pkg/storage"
	"sentinel/pkg/telemetry"
)

// refreshCooldown coalesces refresh requests; a snapshot this fresh is
// served again instead of rebuilding.
const refreshCooldown = 2 * time.Second

// Engine owns the published Index and keeps it fresh. Reads are lock-free;
// refresh publishes a new immutable snapshot atomically.
type Engine struct {
	store   *storage.Store
	logger  *logging.Logger
	metrics *telemetry.Metrics

	interval time.Duration
	current  atomic.Pointer[Index]

	mu        sync.Mutex // serializes rebuilds
	lastBuild time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
}

// NewEngine creates the engine with an empty snapshot. Call Refresh or Start
// to load real state.
func NewEngine(store *storage.Store, logger *logging.Logger, metrics *telemetry.Metrics, interval time.Duration) *Engine {
	e := &Engine{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		stopChan: make(chan struct{}),
	}
	e.current.Store(emptyIndex())
	return e
}

// Snapshot returns the current index. Never nil.
func (e *Engine) Snapshot() *Index {
	return e.current.Load()
}

// Decide evaluates a query against the current snapshot.
func (e *Engine) Decide(q Query) Decision {
	return e.Snapshot().Decide(q)
}

// Refresh rebuilds the index unless a rebuild finished within the cooldown.
// Pass force to bypass the cooldown after a mutation.
func (e *Engine) Refresh(ctx context.Context, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !force && time.Since(e.lastBuild) < refreshCooldown {
		return nil
	}

	idx, err := buildIndex(ctx, e.store)
	if err != nil {
		return err
	}

	old := e.current.Swap(idx)
	e.lastBuild = time.Now()

	if e.metrics != nil {
		delta := int64(len(idx.listDomains)) - int64(len(old.listDomains))
		if delta != 0 {
			e.metrics.IndexedRules.Add(ctx, delta)
		}
	}
	return nil
}

// Start loads the initial snapshot and begins the periodic refresh loop.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		e.logger.Warn("Policy engine already started")
		return nil
	}
	e.stopChan = make(chan struct{})

	if err := e.Refresh(ctx, true); err != nil {
		e.logger.Error("Initial policy refresh failed", "error", err)
		// Keep serving the empty snapshot; the loop will retry.
	}

	e.logger.Info("Starting policy engine", "refresh_interval", e.interval)

	e.wg.Add(1)
	go e.refreshLoop(ctx)
	return nil
}

// Stop halts the refresh loop.
func (e *Engine) Stop() {
	if !e.started.CompareAndSwap(true, false) {
		return
	}
	close(e.stopChan)
	e.wg.Wait()
}

func (e *Engine) refreshLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Refresh(ctx, false); err != nil {
				e.logger.Error("Policy refresh failed", "error", err)
			}
		}
	}
}
