// Package ratelimit enforces per-caller request budgets on the admin API
// using token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sentinel/pkg/logging"
)

// Class selects which budget a request draws from.
type Class string

const (
	// ClassRead covers GET endpoints.
	ClassRead Class = "read"
	// ClassWrite covers mutating endpoints.
	ClassWrite Class = "write"
	// ClassIngest covers the query-log ingest endpoint.
	ClassIngest Class = "ingest"
	// ClassRefresh covers manual blocklist refresh triggers.
	ClassRefresh Class = "refresh"
)

// Per-minute budgets per caller.
var classBudgets = map[Class]struct {
	perMinute float64
	burst     int
}{
	ClassRead:    {perMinute: 120, burst: 30},
	ClassWrite:   {perMinute: 60, burst: 15},
	ClassIngest:  {perMinute: 30, burst: 10},
	ClassRefresh: {perMinute: 10, burst: 3},
}

const (
	cleanupInterval   = 5 * time.Minute
	maxTrackedCallers = 4096
)

// Manager tracks one limiter per (caller IP, class) pair. A nil manager
// allows everything, so wiring stays unconditional.
type Manager struct {
	logger *logging.Logger

	mu      sync.Mutex
	callers map[string]*callerLimiter

	stopCh chan struct{}
	now    func() time.Time
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewManager creates the limiter and starts its cleanup loop.
func NewManager(logger *logging.Logger) *Manager {
	m := &Manager{
		logger:  logger,
		callers: make(map[string]*callerLimiter, 128),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go m.cleanupLoop()
	return m
}

// Allow reports whether the caller has budget left in the class.
func (m *Manager) Allow(callerIP string, class Class) bool {
	if m == nil || callerIP == "" {
		return true
	}

	entry := m.getLimiter(callerIP, class)
	allowed := entry.limiter.Allow()

	m.mu.Lock()
	entry.lastSeen = m.now()
	m.mu.Unlock()

	if !allowed {
		m.logger.Warn("Rate limit exceeded", "caller", callerIP, "class", string(class))
	}
	return allowed
}

// Stop terminates the cleanup goroutine.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
}

func (m *Manager) getLimiter(callerIP string, class Class) *callerLimiter {
	key := callerIP + "|" + string(class)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.callers[key]; ok {
		return entry
	}

	if len(m.callers) >= maxTrackedCallers {
		m.evictOldestLocked()
	}

	budget, ok := classBudgets[class]
	if !ok {
		budget = classBudgets[ClassRead]
	}
	entry := &callerLimiter{
		limiter:  rate.NewLimiter(rate.Limit(budget.perMinute/60), budget.burst),
		lastSeen: m.now(),
	}
	m.callers[key] = entry
	return entry
}

func (m *Manager) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, entry := range m.callers {
		if first || entry.lastSeen.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastSeen
			first = false
		}
	}
	if oldestKey != "" {
		delete(m.callers, oldestKey)
	}
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanup() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.callers {
		if now.Sub(entry.lastSeen) > cleanupInterval {
			delete(m.callers, key)
		}
	}
}
