package api

import (
	"errors"
	"net/http"
	"strconv"

	"sentinel/pkg/storage"
)

const maxClientBody = 256 << 10

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "listing clients")
		return
	}
	if clients == nil {
		clients = []storage.Client{}
	}
	s.writeJSON(w, http.StatusOK, clients)
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var profile storage.ClientProfile
	if !s.decodeBody(w, r, &profile, maxClientBody) {
		return
	}

	c, err := s.store.CreateClient(r.Context(), profile)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidProfile) {
			s.writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "creating client")
		return
	}

	s.refreshPolicy(r.Context())
	s.writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "invalid client id")
		return
	}

	var profile storage.ClientProfile
	if !s.decodeBody(w, r, &profile, maxClientBody) {
		return
	}

	c, err := s.store.UpdateClient(r.Context(), id, profile)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.writeError(w, http.StatusNotFound, CodeNotFound, "client not found")
		case errors.Is(err, storage.ErrInvalidProfile):
			s.writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, CodeInternal, "updating client")
		}
		return
	}

	s.refreshPolicy(r.Context())
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "invalid client id")
		return
	}

	if err := s.store.DeleteClient(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, CodeNotFound, "client not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "deleting client")
		return
	}

	s.refreshPolicy(r.Context())
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "deleted"})
}
