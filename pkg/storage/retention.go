package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/pkg/logging"
)

// Retention deletes query log entries past their retention window on a
// schedule. Deletion runs in bounded batches so the writer connection is
// never held for long.
type Retention struct {
	store    *Store
	logger   *logging.Logger
	days     int
	interval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
}

// NewRetention creates the retention task. days <= 0 disables it; Start
// becomes a no-op.
func NewRetention(store *Store, logger *logging.Logger, days int, interval time.Duration) *Retention {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Retention{
		store:    store,
		logger:   logger,
		days:     days,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start launches the periodic sweep.
func (r *Retention) Start(ctx context.Context) {
	if r.days <= 0 {
		return
	}
	if !r.started.CompareAndSwap(false, true) {
		return
	}

	r.logger.Info("Starting query log retention",
		"days", r.days, "interval", r.interval)

	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop halts the sweep loop.
func (r *Retention) Stop() {
	if !r.started.CompareAndSwap(true, false) {
		return
	}
	close(r.stopChan)
	r.wg.Wait()
}

func (r *Retention) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass.
func (r *Retention) Sweep(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -r.days).UTC()
	deleted, err := r.store.DeleteLogsOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Error("Query log retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		r.logger.Info("Query log retention sweep complete",
			"deleted", deleted, "cutoff", cutoff)
	}
}
