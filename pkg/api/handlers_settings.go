package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"sentinel/pkg/storage"
)

const maxSettingBody = 1 << 20

// handleListSettings returns all settings rows minus secrets. Secret values
// never leave the node through this endpoint; only their names appear.
func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	settings, err := s.store.ListSettings(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "listing settings")
		return
	}

	filtered := make([]storage.Setting, 0, len(settings))
	for _, st := range settings {
		if storage.IsSecretKey(st.Key) {
			continue
		}
		filtered = append(filtered, st)
	}

	secretNames, err := s.store.ListSecretNames(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "listing secrets")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"settings": filtered,
		"secrets":  secretNames,
	})
}

// handlePutSetting upserts one settings key with a raw JSON value. Keys under
// the secret prefix encrypt the provided string value at rest.
func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.PathValue("key")
	if key == "" {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "missing settings key")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSettingBody))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, CodeTooLarge, "settings value too large")
		return
	}
	if !json.Valid(body) {
		s.writeError(w, http.StatusBadRequest, CodeValidation, "value must be valid JSON")
		return
	}

	if storage.IsSecretKey(key) {
		var plaintext string
		if err := json.Unmarshal(body, &plaintext); err != nil {
			s.writeError(w, http.StatusBadRequest, CodeValidation, "secret value must be a JSON string")
			return
		}
		name := key[len("secret:"):]
		if err := s.store.SetSecret(ctx, name, plaintext); err != nil {
			s.writeError(w, http.StatusConflict, CodeSecretsKey, err.Error())
			return
		}
	} else {
		if err := s.store.SetSetting(ctx, key, body); err != nil {
			s.writeError(w, http.StatusInternalServerError, CodeInternal, "storing setting")
			return
		}
	}

	s.refreshPolicy(ctx)
	s.writeJSON(w, http.StatusOK, StatusResponse{Status: "updated"})
}

// refreshPolicy rebuilds the decision snapshot after a mutation; the cooldown
// inside the engine absorbs bursts.
func (s *Server) refreshPolicy(ctx context.Context) {
	if s.engine == nil {
		return
	}
	if err := s.engine.Refresh(ctx, false); err != nil {
		s.logger.Error("Policy refresh after mutation failed", "error", err)
	}
}
