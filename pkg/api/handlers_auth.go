package api

import (
	"net/http"

	"sentinel/pkg/secrets"
)

const maxAuthBody = 64 << 10

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if !s.decodeBody(w, r, &req, maxAuthBody) {
		return
	}

	admin, err := s.store.GetAuthAdmin(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading admin state")
		return
	}
	if admin.PasswordHash == "" {
		s.writeError(w, http.StatusConflict, CodeConflict, "no admin password configured")
		return
	}
	if !secrets.VerifyPassword(req.Password, admin.PasswordHash) {
		s.writeError(w, http.StatusUnauthorized, CodeUnauthorized, "wrong password")
		return
	}

	token, err := s.createSession(ctx, w, r, admin)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "creating session")
		return
	}
	s.writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.revokeSession(r.Context(), w, r)
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "logged_out"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req changePasswordRequest
	if !s.decodeBody(w, r, &req, maxAuthBody) {
		return
	}
	if len(req.NewPassword) < 8 {
		s.writeError(w, http.StatusBadRequest, CodeValidation,
			"new password must be at least 8 characters")
		return
	}

	admin, err := s.store.GetAuthAdmin(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading admin state")
		return
	}
	if admin.PasswordHash != "" && !secrets.VerifyPassword(req.CurrentPassword, admin.PasswordHash) {
		s.writeError(w, http.StatusUnauthorized, CodeUnauthorized, "wrong current password")
		return
	}

	hash, err := secrets.HashPassword(req.NewPassword)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "hashing password")
		return
	}

	// A password change invalidates every session, this one included.
	admin.PasswordHash = hash
	admin.Sessions = nil
	if err := s.store.SetAuthAdmin(ctx, admin); err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "storing credential")
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "password_changed"})
}

type authStatusResponse struct {
	PasswordSet bool `json:"passwordSet"`
	LoggedIn    bool `json:"loggedIn"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	admin, err := s.store.GetAuthAdmin(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "reading admin state")
		return
	}
	s.writeJSON(w, http.StatusOK, authStatusResponse{
		PasswordSet: admin.PasswordHash != "",
		LoggedIn:    admin.PasswordHash == "" || s.hasValidSession(r, admin),
	})
}
