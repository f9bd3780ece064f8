package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tonieflash/flash-console/internal/auth"
	"github.com/tonieflash/flash-console/internal/flashstore"
	"github.com/tonieflash/flash-console/internal/storage"
	"github.com/tonieflash/flash-console/internal/workflow"
)

// ========== Auth handlers ==========

// HandleLogin exchanges the operator credentials for a bearer token
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.config.Auth.Enabled {
		s.respondError(w, http.StatusNotFound, "authentication is disabled")
		return
	}

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

	token, expires, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	log.Info().Str("username", req.Username).Msg("Operator logged in")

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_at":   expires,
		"expires_in":   int(time.Until(expires).Seconds()),
		"token_type":   "Bearer",
	})
}

// ========== Helper methods ==========

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"time":        time.Now(),
		"subscribers": s.hub.Clients(),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": s.config.Server.Name,
		"version": s.config.Server.Version,
		"health":  "/api/v1/health",
		"state":   "/api/v1/flash/state",
		"events":  "/api/v1/flash/events",
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

// respondErr maps a domain error to its status code
func (s *RESTServer) respondErr(w http.ResponseWriter, err error) {
	s.respondError(w, errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, workflow.ErrBusy),
		errors.Is(err, workflow.ErrActionNotAllowed):
		return http.StatusConflict
	case errors.Is(err, flashstore.ErrNoImage),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
