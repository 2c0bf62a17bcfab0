package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"sentinel/pkg/storage"
)

const maxBlocklistBody = 64 << 10

func (s *Server) handleListBlocklists(w http.ResponseWriter, r *http.Request) {
	lists, err := s.store.ListBlocklists(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "listing blocklists")
		return
	}
	if lists == nil {
		lists = []storage.Blocklist{}
	}
	s.writeJSON(w, http.StatusOK, lists)
}

type blocklistRequest struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Enabled *bool  `json:"enabled,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

func parseMode(raw string) (storage.BlocklistMode, bool) {
	switch storage.BlocklistMode(strings.ToUpper(raw)) {
	case storage.ModeActive, "":
		return storage.ModeActive, true
	case storage.ModeShadow:
		return storage.ModeShadow, true
	}
	return "", false
}

func (s *Server) handleCreateBlocklist(w http.ResponseWriter, r *http.Request) {
	var req blocklistRequest
	if !s.decodeBody(w, r, &req, maxBlocklistBody) {
		return
	}

	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "name is required")
		return
	}
	if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "url must be http(s)")
		return
	}
	mode, ok := parseMode(req.Mode)
	if !ok {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "mode must be ACTIVE or SHADOW")
		return
	}

	b, err := s.store.CreateBlocklist(r.Context(), req.Name, req.URL, mode)
	if err != nil {
		if errors.Is(err, storage.ErrBlocklistExists) {
			s.writeError(w, http.StatusConflict, CodeConflict, "blocklist url already registered")
			return
		}
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "creating blocklist")
		return
	}
	s.writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleUpdateBlocklist(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "invalid blocklist id")
		return
	}

	var req blocklistRequest
	if !s.decodeBody(w, r, &req, maxBlocklistBody) {
		return
	}
	mode, ok := parseMode(req.Mode)
	if !ok {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "mode must be ACTIVE or SHADOW")
		return
	}

	current, err := s.store.GetBlocklist(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, CodeNotFound, "blocklist not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading blocklist")
		return
	}

	name := req.Name
	if name == "" {
		name = current.Name
	}
	enabled := current.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if req.Mode == "" {
		mode = current.Mode
	}

	b, err := s.store.UpdateBlocklist(r.Context(), id, name, enabled, mode)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "updating blocklist")
		return
	}

	s.refreshPolicy(r.Context())
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDeleteBlocklist(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "invalid blocklist id")
		return
	}

	if err := s.store.DeleteBlocklist(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, CodeNotFound, "blocklist not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "deleting blocklist")
		return
	}

	s.refreshPolicy(r.Context())
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

// handleRefreshBlocklist triggers a fetch in the background and returns 202.
// The per-list cooldown inside the refresher rejects rapid re-triggers.
func (s *Server) handleRefreshBlocklist(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "invalid blocklist id")
		return
	}

	if _, err := s.store.GetBlocklist(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, CodeNotFound, "blocklist not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading blocklist")
		return
	}

	go func() {
		if err := s.refresher.RefreshOne(contextWithoutCancel(r), id); err != nil {
			s.logger.Warn("Manual blocklist refresh failed", "id", id, "error", err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, StatusResponse{Status: "refresh_started"})
}

// contextWithoutCancel detaches the handler context so background work
// outlives the request.
func contextWithoutCancel(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
