package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"portal-messaging/internal/websocket"

	ws "github.com/gorilla/websocket"
)

func (s *Server) upgrader() *ws.Upgrader {
	var origins []string
	if s.Config != nil {
		origins = s.Config.AllowedOrigins
	}
	return &ws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range origins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// HandleWebSocket upgrades an authenticated request and registers the
// connection with the hub. The token was already checked by the auth
// middleware, from the header or the token query parameter.
func (s *Server) HandleWebSocket() http.HandlerFunc {
	upgrader := s.upgrader()
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := viewer(w, r)
		if !ok {
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			slog.Warn("websocket upgrade failed", "user", userID, "error", err)
			return
		}

		client := websocket.NewClient(s.Hub, userID, conn)
		select {
		case s.Hub.Register <- client:
		case <-s.Hub.Done():
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}
