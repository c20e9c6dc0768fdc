package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mihome-bridge/mihome-bridge/internal/auth"
	"github.com/mihome-bridge/mihome-bridge/internal/device"
	"github.com/mihome-bridge/mihome-bridge/internal/protocol"
	"github.com/mihome-bridge/mihome-bridge/internal/storage"
	"github.com/mihome-bridge/mihome-bridge/pkg/miio"
)

// ========== Auth handlers ==========

// HandleLogin handles user login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, accessToken, refreshToken, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// HandleRefresh handles token refresh
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Refresh token
	accessToken, refreshToken, err := s.auth.RefreshToken(req.RefreshToken)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// HandleGetCurrentUser returns the authenticated user
func (s *RESTServer) HandleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
	if claims == nil {
		s.respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":       claims.UserID,
		"username": claims.Username,
		"is_admin": claims.IsAdmin,
	})
}

// ========== Misc handlers ==========

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"time":    time.Now(),
		"devices": len(s.devices.Devices()),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": s.config.Server.Name,
		"version": s.config.Server.Version,
		"health":  "/api/v1/health",
	})
}

// HandleListSessions lists the protocol sessions
func (s *RESTServer) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.devices.Sessions(),
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondDeviceError maps device and protocol failures onto HTTP statuses
func (s *RESTServer) respondDeviceError(w http.ResponseWriter, err error) {
	var writeErr *device.WriteError
	var remoteErr *miio.RemoteError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, device.ErrUndefinedProperty), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, device.ErrWriteForbidden):
		status = http.StatusForbidden
	case errors.Is(err, protocol.ErrTimeout), errors.Is(err, protocol.ErrHandshakeTimeout):
		status = http.StatusGatewayTimeout
	case errors.As(err, &writeErr), errors.As(err, &remoteErr):
		status = http.StatusBadGateway
	case errors.Is(err, device.ErrPropertiesEmpty), errors.Is(err, device.ErrLengthMismatch):
		status = http.StatusBadGateway
	}
	s.respondError(w, status, err.Error())
}
