package devapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/coursepulse/internal/logger"
	"github.com/wolfeidau/coursepulse/internal/models"
)

const maxBodyBytes = 64 << 10

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ip := logger.ClientIPFromContext(r.Context())

	u, err := s.directory.Authenticate(req.Email, req.Password)
	if err != nil {
		log.Info().Str("email", req.Email).Str("client_ip", ip).Msg("Login rejected")
		writeError(w, http.StatusUnauthorized, ErrInvalidCredentials.Error())
		return
	}

	rec, err := s.issue(u)
	if err != nil {
		log.Error().Err(err).Msg("failed to issue identity")
		writeError(w, http.StatusInternalServerError, "failed to issue identity")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     IdentityCookie,
		Value:    rec.Identity,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	log.Info().
		Str("email", rec.Email).
		Str("role", rec.Role.String()).
		Str("client_ip", ip).
		Msg("Login accepted")

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	rec, _ := SessionFromContext(r.Context())
	s.Revoke(rec.Identity)

	http.SetCookie(w, &http.Cookie{
		Name:   IdentityCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})

	log.Info().Str("email", rec.Email).Msg("Logged out")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	rec, _ := SessionFromContext(r.Context())

	w.Header().Set("Cache-Control", "private, no-cache")
	w.Header().Set("Vary", "Authorization")
	etag := fmt.Sprintf(`"%s"`, rec.Identity)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) settingsETag() (models.Settings, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, fmt.Sprintf(`"settings-%s-%d"`, s.epoch, s.settingsVersion)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, etag := s.settingsETag()

	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, settings)
}

var errAdminOnly = errors.New("admin role required")

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	rec, _ := SessionFromContext(r.Context())
	if !rec.IsAdmin() {
		writeError(w, http.StatusForbidden, errAdminOnly.Error())
		return
	}

	var req models.Settings
	if !decodeJSON(w, r, &req) {
		return
	}

	s.mu.Lock()
	s.settings = req
	s.settingsVersion++
	s.mu.Unlock()

	log.Info().Bool("maintenance", req.IsMaintenanceMode).Str("email", rec.Email).Msg("Settings updated")

	// refresh the page gate now rather than on its next tick
	s.gate.Poll(context.WithoutCancel(r.Context()))

	settings, etag := s.settingsETag()
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, settings)
}
