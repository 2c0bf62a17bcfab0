package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"sentinel/pkg/storage"
)

const (
	sessionCookieName = "sentinel_session"
	sessionTTL        = 12 * time.Hour
	maxSessions       = 20
)

// Sessions live inside the auth_admin settings row so they replicate with the
// credential: a follower that applied the leader's snapshot honors the same
// tokens while the password hashes match.

func generateSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// createSession issues a token, persists it, and sets the cookie.
func (s *Server) createSession(ctx context.Context, w http.ResponseWriter, r *http.Request, admin storage.AuthAdmin) (string, error) {
	token, err := generateSessionToken()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	admin.Sessions = pruneSessions(admin.Sessions, now)
	admin.Sessions = append(admin.Sessions, storage.AdminSession{
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionTTL),
	})
	if len(admin.Sessions) > maxSessions {
		admin.Sessions = admin.Sessions[len(admin.Sessions)-maxSessions:]
	}
	if err := s.store.SetAuthAdmin(ctx, admin); err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r != nil && r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Expires:  now.Add(sessionTTL),
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return token, nil
}

// revokeSession drops the request's token and clears the cookie.
func (s *Server) revokeSession(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	token := s.sessionTokenFromRequest(r)
	if token != "" {
		admin, err := s.store.GetAuthAdmin(ctx)
		if err == nil {
			kept := admin.Sessions[:0]
			for _, sess := range admin.Sessions {
				if sess.Token != token {
					kept = append(kept, sess)
				}
			}
			admin.Sessions = kept
			if err := s.store.SetAuthAdmin(ctx, admin); err != nil {
				s.logger.Error("Revoking session failed", "error", err)
			}
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// sessionTokenFromRequest extracts the token from cookie or bearer header.
func (s *Server) sessionTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *Server) hasValidSession(r *http.Request, admin storage.AuthAdmin) bool {
	token := s.sessionTokenFromRequest(r)
	if token == "" {
		return false
	}
	now := time.Now()
	for _, sess := range admin.Sessions {
		if subtle.ConstantTimeCompare([]byte(sess.Token), []byte(token)) == 1 &&
			now.Before(sess.ExpiresAt) {
			return true
		}
	}
	return false
}

func pruneSessions(sessions []storage.AdminSession, now time.Time) []storage.AdminSession {
	kept := sessions[:0]
	for _, sess := range sessions {
		if now.Before(sess.ExpiresAt) {
			kept = append(kept, sess)
		}
	}
	return kept
}
