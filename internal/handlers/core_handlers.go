package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"portal-messaging/internal/api"
	"portal-messaging/internal/middleware"
	"portal-messaging/internal/utils"

	"github.com/google/uuid"
)

// pinger is implemented by adapters that can check their connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// HandleHealth reports liveness, uptime and database reachability.
func (s *Server) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := api.HealthResponse{Status: "ok", Database: "ok"}
		if s.Metrics != nil {
			resp.Uptime = s.Metrics.Uptime().Round(time.Second).String()
		}

		if p, ok := s.DB.(pinger); ok {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := p.Ping(ctx)
			cancel()
			if err != nil {
				slog.Warn("health check: database unreachable", "error", err)
				resp.Status = "degraded"
				resp.Database = "unreachable"
				api.WriteJSON(w, http.StatusServiceUnavailable, resp)
				return
			}
		}
		api.WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleDevToken issues a token for any user id. Only mounted in debug mode.
func (s *Server) HandleDevToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.TokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteError(w, utils.NewValidationError("invalid request body"))
			return
		}
		userID := uuid.New()
		if req.UserID != "" {
			parsed, err := api.ParseID("userId", req.UserID)
			if err != nil {
				api.WriteError(w, err)
				return
			}
			userID = parsed
		}

		token, expiresAt, err := s.Auth.GenerateToken(userID)
		if err != nil {
			api.WriteError(w, utils.NewAppError(utils.ErrInvalidToken, "failed to sign token", err))
			return
		}
		api.WriteJSON(w, http.StatusOK, api.TokenResponse{
			Token:     token,
			UserID:    userID.String(),
			ExpiresAt: expiresAt,
		})
	}
}

// viewer returns the authenticated user or writes a 401.
func viewer(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		api.WriteError(w, utils.NewUnauthorizedError("no authenticated user"))
		return uuid.Nil, false
	}
	return userID, true
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return utils.NewValidationError("invalid request body")
	}
	return nil
}
