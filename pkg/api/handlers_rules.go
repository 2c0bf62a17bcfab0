package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"sentinel/pkg/rules"
	"sentinel/pkg/storage"
)

const maxRuleBody = 64 << 10

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	var (
		list []rules.Rule
		err  error
	)
	if category := r.URL.Query().Get("category"); category != "" {
		list, err = s.store.ListRules(r.Context(), category)
	} else {
		list, err = s.store.ListManualRules(r.Context())
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "listing rules")
		return
	}
	if list == nil {
		list = []rules.Rule{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

type addRuleRequest struct {
	Domain   string `json:"domain"`
	Type     string `json:"type"`
	Category string `json:"category,omitempty"`
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req addRuleRequest
	if !s.decodeBody(w, r, &req, maxRuleBody) {
		return
	}

	ruleType := rules.RuleType(strings.ToUpper(req.Type))
	if ruleType != rules.TypeBlocked && ruleType != rules.TypeAllowed {
		s.writeError(w, http.StatusBadRequest, CodeValidation,
			"type must be BLOCKED or ALLOWED")
		return
	}

	rule, err := s.store.AddRule(r.Context(), req.Domain, ruleType, req.Category)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	s.refreshPolicy(r.Context())
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "invalid rule id")
		return
	}

	if err := s.store.DeleteRule(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, CodeNotFound, "rule not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "deleting rule")
		return
	}

	s.refreshPolicy(r.Context())
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "deleted"})
}
