package api

import (
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"sentinel/pkg/rules"
	"sentinel/pkg/storage"
)

const maxDNSBody = 64 << 10

var validTransports = map[string]bool{
	"udp": true, "tcp": true, "dot": true, "doh": true,
}

func (s *Server) handleGetDNSSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetDNSSettings(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading dns settings")
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

// handlePutDNSSettings stores the forwarding configuration and swaps the live
// forwarder in place; in-flight queries keep their old transport.
func (s *Server) handlePutDNSSettings(w http.ResponseWriter, r *http.Request) {
	var settings storage.DNSSettings
	if !s.decodeBody(w, r, &settings, maxDNSBody) {
		return
	}

	if !validTransports[settings.Forward.Transport] {
		s.writeError(w, http.StatusBadRequest, CodeValidation,
			"transport must be one of udp, tcp, dot, doh")
		return
	}
	if len(settings.Forward.Upstreams) == 0 {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "at least one upstream required")
		return
	}

	if err := s.store.SetDNSSettings(r.Context(), settings); err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "storing dns settings")
		return
	}
	if s.forwarder != nil {
		s.forwarder.Update(settings)
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleListRewrites(w http.ResponseWriter, r *http.Request) {
	rewrites, err := s.store.GetRewrites(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading rewrites")
		return
	}
	if rewrites == nil {
		rewrites = []storage.Rewrite{}
	}
	s.writeJSON(w, http.StatusOK, rewrites)
}

type rewriteRequest struct {
	Domain string `json:"domain"`
	Target string `json:"target"`
}

func validateRewrite(req rewriteRequest) (domain string, ok bool) {
	domain = rules.NormalizeDomain(req.Domain)
	if domain == "" && req.Domain != "" {
		// Wildcard patterns pass through untouched.
		d := req.Domain
		if len(d) > 2 && d[:2] == "*." && rules.NormalizeDomain(d[2:]) != "" {
			domain = "*." + rules.NormalizeDomain(d[2:])
		}
	}
	if domain == "" || req.Target == "" {
		return "", false
	}
	// Target is an IP literal or a hostname for a CNAME answer.
	if net.ParseIP(req.Target) == nil && rules.NormalizeDomain(req.Target) == "" {
		return "", false
	}
	return domain, true
}

func (s *Server) handleAddRewrite(w http.ResponseWriter, r *http.Request) {
	var req rewriteRequest
	if !s.decodeBody(w, r, &req, maxDNSBody) {
		return
	}
	domain, ok := validateRewrite(req)
	if !ok {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "invalid rewrite domain or target")
		return
	}

	rewrites, err := s.store.GetRewrites(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading rewrites")
		return
	}

	rewrite := storage.Rewrite{ID: uuid.NewString(), Domain: domain, Target: req.Target}
	rewrites = append(rewrites, rewrite)
	if err := s.store.SetRewrites(r.Context(), rewrites); err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "storing rewrites")
		return
	}

	s.refreshPolicy(r.Context())
	s.writeJSON(w, http.StatusCreated, rewrite)
}

func (s *Server) handleUpdateRewrite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req rewriteRequest
	if !s.decodeBody(w, r, &req, maxDNSBody) {
		return
	}
	domain, ok := validateRewrite(req)
	if !ok {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "invalid rewrite domain or target")
		return
	}

	rewrites, err := s.store.GetRewrites(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading rewrites")
		return
	}

	for i := range rewrites {
		if rewrites[i].ID == id {
			rewrites[i].Domain = domain
			rewrites[i].Target = req.Target
			if err := s.store.SetRewrites(r.Context(), rewrites); err != nil {
				s.writeError(w, http.StatusInternalServerError, CodeInternal, "storing rewrites")
				return
			}
			s.refreshPolicy(r.Context())
			s.writeJSON(w, http.StatusOK, rewrites[i])
			return
		}
	}
	s.writeError(w, http.StatusNotFound, CodeNotFound, "rewrite not found")
}

func (s *Server) handleDeleteRewrite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rewrites, err := s.store.GetRewrites(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading rewrites")
		return
	}

	kept := rewrites[:0]
	for _, rw := range rewrites {
		if rw.ID != id {
			kept = append(kept, rw)
		}
	}
	if len(kept) == len(rewrites) {
		s.writeError(w, http.StatusNotFound, CodeNotFound, "rewrite not found")
		return
	}

	if err := s.store.SetRewrites(r.Context(), kept); err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "storing rewrites")
		return
	}
	s.refreshPolicy(r.Context())
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

func (s *Server) handleGetPause(w http.ResponseWriter, r *http.Request) {
	pause, err := s.store.GetProtectionPause(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading pause state")
		return
	}
	s.writeJSON(w, http.StatusOK, pause)
}

type pauseRequest struct {
	Mode            string `json:"mode"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
}

func (s *Server) handlePutPause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !s.decodeBody(w, r, &req, maxDNSBody) {
		return
	}

	pause := storage.ProtectionPause{Mode: req.Mode}
	switch req.Mode {
	case storage.PauseOff, storage.PauseForever:
	case storage.PauseUntil:
		if req.DurationMinutes <= 0 {
			s.writeError(w, http.StatusBadRequest, CodeValidation,
				"durationMinutes must be positive for UNTIL")
			return
		}
		until := time.Now().Add(time.Duration(req.DurationMinutes) * time.Minute).UTC()
		pause.Until = &until
	default:
		s.writeError(w, http.StatusBadRequest, CodeValidation,
			"mode must be OFF, UNTIL, or FOREVER")
		return
	}

	if err := s.store.SetProtectionPause(r.Context(), pause); err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "storing pause state")
		return
	}
	s.refreshPolicy(r.Context())
	s.writeJSON(w, http.StatusOK, pause)
}
