package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	logBufferSize   = 4096
	logFlushBatch   = 256
	logFlushTick    = time.Second
	retentionBatch  = 10000
	retentionPause  = 250 * time.Millisecond
)

// QueryLog buffers log entries from the resolver path and flushes them to
// SQLite in batches from a single worker. Append never blocks the resolver;
// a full buffer drops the entry.
type QueryLog struct {
	store   *Store
	entries chan LogEntry
	dropped func() // nil-safe drop counter hook

	wg     sync.WaitGroup
	cancel context.CancelFunc
	closed sync.Once
}

// NewQueryLog starts the flush worker. onDrop is invoked for every entry lost
// to a full buffer; it may be nil.
func NewQueryLog(store *Store, onDrop func()) *QueryLog {
	ctx, cancel := context.WithCancel(context.Background())
	q := &QueryLog{
		store:   store,
		entries: make(chan LogEntry, logBufferSize),
		dropped: onDrop,
		cancel:  cancel,
	}
	q.wg.Add(1)
	go q.run(ctx)
	return q
}

// Append enqueues one entry. Returns ErrBufferFull when the buffer is full.
func (q *QueryLog) Append(e LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case q.entries <- e:
		return nil
	default:
		if q.dropped != nil {
			q.dropped()
		}
		return ErrBufferFull
	}
}

// AppendBatch writes entries synchronously, bypassing the buffer. Used by the
// HTTP ingest path where callers expect a durable write.
func (q *QueryLog) AppendBatch(ctx context.Context, entries []LogEntry) error {
	return q.store.insertLogEntries(ctx, entries)
}

// Flush drains the buffer synchronously.
func (q *QueryLog) Flush(ctx context.Context) error {
	batch := q.drain(logBufferSize)
	if len(batch) == 0 {
		return nil
	}
	return q.store.insertLogEntries(ctx, batch)
}

// Close stops the worker after a final flush.
func (q *QueryLog) Close() {
	q.closed.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

func (q *QueryLog) run(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(logFlushTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.flushBatch(q.drain(logBufferSize))
			return
		case <-ticker.C:
			q.flushBatch(q.drain(logFlushBatch))
		}
	}
}

func (q *QueryLog) drain(max int) []LogEntry {
	var batch []LogEntry
	for len(batch) < max {
		select {
		case e := <-q.entries:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (q *QueryLog) flushBatch(batch []LogEntry) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stmtTimeout)
	defer cancel()
	if err := q.store.insertLogEntries(ctx, batch); err != nil {
		q.store.logger.Error("Query log flush failed", "error", err, "entries", len(batch))
	}
}

func (s *Store) insertLogEntries(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO query_logs
				(timestamp, domain, type, client, client_ip, status,
				 duration_ms, answer_ips, blocklist_id, protection_paused)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entries {
			var answers any
			if len(e.AnswerIPs) > 0 {
				raw, err := json.Marshal(e.AnswerIPs)
				if err != nil {
					return err
				}
				answers = string(raw)
			}
			if _, err := stmt.Exec(
				e.Timestamp.UTC(), e.Domain, e.Type, e.Client, e.ClientIP,
				e.Status, e.DurationMs, answers, e.BlocklistID, e.ProtectionPaused,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListLogEntries returns entries matching the filter, newest first.
func (s *Store) ListLogEntries(ctx context.Context, f LogFilter) ([]LogEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `
		SELECT id, timestamp, domain, type, client, client_ip, status,
			duration_ms, answer_ips, blocklist_id, protection_paused
		FROM query_logs WHERE 1=1
	`
	var args []any
	if f.Hours > 0 {
		query += ` AND timestamp >= ?`
		args = append(args, time.Now().UTC().Add(-time.Duration(f.Hours)*time.Hour))
	}
	if f.Domain != "" {
		query += ` AND domain LIKE ?`
		args = append(args, "%"+strings.ToLower(f.Domain)+"%")
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	limit := f.Limit
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing query logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var client, answers, blocklistID sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Domain, &e.Type, &client,
			&e.ClientIP, &e.Status, &e.DurationMs, &answers, &blocklistID,
			&e.ProtectionPaused); err != nil {
			return nil, err
		}
		e.Client = client.String
		e.BlocklistID = blocklistID.String
		if answers.Valid && answers.String != "" {
			_ = json.Unmarshal([]byte(answers.String), &e.AnswerIPs)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LogTotals aggregates the window into headline counters.
func (s *Store) LogTotals(ctx context.Context, hours int) (LogTotals, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var t LogTotals
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'BLOCKED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'SHADOW_BLOCKED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'CACHED' THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT client_ip),
			AVG(duration_ms)
		FROM query_logs WHERE timestamp >= ?
	`, windowStart(hours)).Scan(&t.Total, &t.Blocked, &t.ShadowBlocked,
		&t.Cached, &t.UniqueClients, &avg)
	if err != nil {
		return t, fmt.Errorf("computing totals: %w", err)
	}
	t.AvgDurationMs = avg.Float64
	return t, nil
}

// TopDomains returns the most queried domains, optionally excluding upstream
// resolver host names.
func (s *Store) TopDomains(ctx context.Context, hours, limit int, exclude []string) ([]DomainCount, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT domain, COUNT(*) AS n FROM query_logs WHERE timestamp >= ?`
	args := []any{windowStart(hours)}
	for _, host := range exclude {
		query += ` AND domain != ?`
		args = append(args, strings.ToLower(host))
	}
	query += ` GROUP BY domain ORDER BY n DESC LIMIT ?`
	args = append(args, capLimit(limit))

	return s.queryDomainCounts(ctx, query, args...)
}

// TopBlocked returns the most blocked domains.
func (s *Store) TopBlocked(ctx context.Context, hours, limit int) ([]DomainCount, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.queryDomainCounts(ctx, `
		SELECT domain, COUNT(*) AS n FROM query_logs
		WHERE timestamp >= ? AND status IN ('BLOCKED', 'SHADOW_BLOCKED')
		GROUP BY domain ORDER BY n DESC LIMIT ?
	`, windowStart(hours), capLimit(limit))
}

// ClientStats summarizes per-client traffic in the window.
func (s *Store) ClientStats(ctx context.Context, hours int) ([]ClientActivity, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT client_ip, COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'BLOCKED' THEN 1 ELSE 0 END), 0),
			MAX(timestamp)
		FROM query_logs WHERE timestamp >= ?
		GROUP BY client_ip ORDER BY COUNT(*) DESC
	`, windowStart(hours))
	if err != nil {
		return nil, fmt.Errorf("computing client stats: %w", err)
	}
	defer rows.Close()

	var out []ClientActivity
	for rows.Next() {
		var c ClientActivity
		if err := rows.Scan(&c.ClientIP, &c.Total, &c.Blocked, &c.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TimeSeries buckets the window into 5-minute intervals.
func (s *Store) TimeSeries(ctx context.Context, hours int) ([]TimeBucket, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT (CAST(strftime('%s', timestamp) AS INTEGER) / 300) * 300 AS bucket,
			COUNT(*),
			COALESCE(SUM(CASE WHEN status IN ('BLOCKED', 'SHADOW_BLOCKED') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'CACHED' THEN 1 ELSE 0 END), 0)
		FROM query_logs WHERE timestamp >= ?
		GROUP BY bucket ORDER BY bucket
	`, windowStart(hours))
	if err != nil {
		return nil, fmt.Errorf("computing time series: %w", err)
	}
	defer rows.Close()

	var out []TimeBucket
	for rows.Next() {
		var b TimeBucket
		var unix int64
		if err := rows.Scan(&unix, &b.Total, &b.Blocked, &b.Cached); err != nil {
			return nil, err
		}
		b.Start = time.Unix(unix, 0).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteLogsOlderThan removes rows past the cutoff in bounded batches with a
// short pause between batches to keep the writer responsive.
func (s *Store) DeleteLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		opCtx, cancel := s.opCtx(ctx)
		res, err := s.db.ExecContext(opCtx, `
			DELETE FROM query_logs WHERE id IN (
				SELECT id FROM query_logs WHERE timestamp < ? LIMIT ?
			)
		`, cutoff.UTC(), retentionBatch)
		cancel()
		if err != nil {
			return total, fmt.Errorf("deleting old query logs: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
		if n < retentionBatch {
			return total, nil
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(retentionPause):
		}
	}
}

func (s *Store) queryDomainCounts(ctx context.Context, query string, args ...any) ([]DomainCount, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregating domains: %w", err)
	}
	defer rows.Close()

	var out []DomainCount
	for rows.Next() {
		var d DomainCount
		if err := rows.Scan(&d.Domain, &d.Count); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func windowStart(hours int) time.Time {
	if hours <= 0 {
		hours = 24
	}
	return time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
}

func capLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 10
	}
	return limit
}
