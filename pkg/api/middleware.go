package api

import (
	"net"
	"net/http"
	"strings"
	"time"

	"sentinel/pkg/ratelimit"
)

// loggingMiddleware logs every request with status and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		s.logger.Info("API request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapper.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// corsMiddleware handles cross-origin access for the web UI.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware draws from the per-caller budget matching the request.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(callerIP(r), classify(r)) {
			s.writeError(w, http.StatusTooManyRequests, CodeRateLimited,
				"request budget exhausted, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces the admin session. Open until a password is set;
// health probes, login, and the peer-authenticated export stay reachable.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		admin, err := s.store.GetAuthAdmin(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading admin state")
			return
		}
		if admin.PasswordHash == "" {
			// First-run: no credential configured yet.
			next.ServeHTTP(w, r)
			return
		}

		if !s.hasValidSession(r, admin) {
			s.writeError(w, http.StatusUnauthorized, CodeUnauthorized, "login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// followerGuardMiddleware rejects mutations on nodes configured as followers.
// Cluster control, auth, and log ingest stay writable so the follower can be
// operated and fed.
func (s *Server) followerGuardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isMutation(r.Method) && !followerWritable(r.URL.Path) && s.roles.ReadOnly(r.Context()) {
			s.writeError(w, http.StatusConflict, CodeFollowerReadonly,
				"node is a follower; apply changes on the leader")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	}
	return false
}

func authExempt(path string) bool {
	switch path {
	case "/api/health", "/healthz", "/readyz",
		"/api/auth/login", "/api/auth/status",
		"/api/cluster/sync/export", "/api/cluster/ready":
		return true
	}
	return false
}

func followerWritable(path string) bool {
	return strings.HasPrefix(path, "/api/cluster/") ||
		strings.HasPrefix(path, "/api/auth/") ||
		strings.HasPrefix(path, "/api/query-logs/")
}

func classify(r *http.Request) ratelimit.Class {
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/refresh"):
		return ratelimit.ClassRefresh
	case r.Method == http.MethodPost && r.URL.Path == "/api/query-logs/ingest":
		return ratelimit.ClassIngest
	case r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions:
		return ratelimit.ClassRead
	default:
		return ratelimit.ClassWrite
	}
}

func callerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
