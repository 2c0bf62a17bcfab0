package api

import (
	"net/http"
	"strconv"

	"sentinel/pkg/storage"
)

// maxIngestBody caps the remote-ingest payload.
const maxIngestBody = 5 << 20

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	filter := storage.LogFilter{
		Domain: r.URL.Query().Get("domain"),
		Status: r.URL.Query().Get("status"),
		Hours:  intQuery(r, "hours", 24),
		Limit:  intQuery(r, "limit", 0),
	}

	entries, err := s.store.ListLogEntries(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "listing query logs")
		return
	}
	if entries == nil {
		entries = []storage.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	hours := intQuery(r, "hours", 24)

	totals, err := s.store.LogTotals(r.Context(), hours)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "aggregating query logs")
		return
	}
	s.writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleTopDomains(w http.ResponseWriter, r *http.Request) {
	hours := intQuery(r, "hours", 24)
	limit := intQuery(r, "limit", 20)

	top, err := s.store.TopDomains(r.Context(), hours, limit, nil)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "aggregating top domains")
		return
	}
	blocked, err := s.store.TopBlocked(r.Context(), hours, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "aggregating top blocked")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"queried": top,
		"blocked": blocked,
	})
}

func (s *Server) handleClientStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ClientStats(r.Context(), intQuery(r, "hours", 24))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "aggregating client stats")
		return
	}
	if stats == nil {
		stats = []storage.ClientActivity{}
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.store.TimeSeries(r.Context(), intQuery(r, "hours", 24))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "aggregating time series")
		return
	}
	if buckets == nil {
		buckets = []storage.TimeBucket{}
	}
	s.writeJSON(w, http.StatusOK, buckets)
}

// handleGeoSummary maps the window's answer IPs onto coarse locations.
func (s *Server) handleGeoSummary(w http.ResponseWriter, r *http.Request) {
	if s.geo == nil {
		s.writeError(w, http.StatusNotFound, CodeNotFound, "geo resolution not configured")
		return
	}

	entries, err := s.store.ListLogEntries(r.Context(), storage.LogFilter{
		Hours: intQuery(r, "hours", 24),
		Limit: intQuery(r, "limit", 5000),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "listing query logs")
		return
	}
	s.writeJSON(w, http.StatusOK, s.geo.Aggregate(entries))
}

// handleIngestLogs accepts a batch of entries from a remote resolver node and
// writes them synchronously.
func (s *Server) handleIngestLogs(w http.ResponseWriter, r *http.Request) {
	var entries []storage.LogEntry
	if !s.decodeBody(w, r, &entries, maxIngestBody) {
		return
	}

	for i := range entries {
		if entries[i].Domain == "" || entries[i].Status == "" {
			s.writeError(w, http.StatusBadRequest, CodeValidation,
				"entries require domain and status")
			return
		}
	}

	if err := s.queryLog.AppendBatch(r.Context(), entries); err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "writing entries")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ingested": len(entries)})
}

// handleFlushLogs forces the async buffer to disk, mainly for tests and
// pre-shutdown hooks.
func (s *Server) handleFlushLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.queryLog.Flush(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "flushing query log")
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "flushed"})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.cache != nil {
		s.cache.Clear()
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "cleared"})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	raw, err := s.store.GetSetting(r.Context(), storage.KeyNotifications)
	if err != nil {
		// No feed yet.
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
