package handlers

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"portal-messaging/internal/config"
	"portal-messaging/internal/database"
	"portal-messaging/internal/engine"
	"portal-messaging/internal/middleware"
	"portal-messaging/internal/utils"
	"portal-messaging/internal/websocket"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds all server dependencies, including the engine and the hub
type Server struct {
	Engine         *engine.Engine
	Metrics        *utils.MetricsCollector
	Auth           *middleware.Authenticator
	Hub            *websocket.Hub
	DB             database.DBAdapter
	Config         *config.Config
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
}

// NewServer creates a new Server instance with the given components
func NewServer(
	cfg *config.Config,
	eng *engine.Engine,
	metrics *utils.MetricsCollector,
	auth *middleware.Authenticator,
	hub *websocket.Hub,
	db database.DBAdapter,
) *Server {
	timeout := 5 * time.Second // Default timeout for actor requests
	if cfg != nil && cfg.Server != nil && cfg.Server.RequestTimeout > 0 {
		timeout = cfg.Server.RequestTimeout
	}
	return &Server{
		Engine:         eng,
		Metrics:        metrics,
		Auth:           auth,
		Hub:            hub,
		DB:             db,
		Config:         cfg,
		Gatherer:       prometheus.DefaultGatherer,
		RequestTimeout: timeout,
	}
}

// Router mounts every route behind auth and rate limiting. CORS wraps the
// router itself so preflight requests never reach route matching.
func (s *Server) Router(limiter *middleware.RateLimiter) http.Handler {
	r := mux.NewRouter()
	r.Use(s.countRequests)
	r.Use(s.Auth.Middleware)
	if limiter != nil {
		r.Use(limiter.Middleware)
	}

	// System
	r.HandleFunc("/health", s.HandleHealth()).Methods(http.MethodGet)
	if s.Config == nil || s.Config.Server == nil || s.Config.Server.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/ws", s.HandleWebSocket()).Methods(http.MethodGet)
	if s.Config != nil && s.Config.Debug {
		r.HandleFunc("/dev/token", s.HandleDevToken()).Methods(http.MethodPost)
	}

	// Conversations
	r.HandleFunc("/conversations", s.HandleListConversations()).Methods(http.MethodGet)
	r.HandleFunc("/conversations", s.HandleOpenConversation()).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/archive", s.HandleArchiveConversation()).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", s.HandleGetThread()).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages", s.HandleSendMessage()).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/read", s.HandleMarkRead()).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/pinned", s.HandleGetPinned()).Methods(http.MethodGet)

	// Messages
	r.HandleFunc("/messages/{id}", s.HandleEditMessage()).Methods(http.MethodPatch)
	r.HandleFunc("/messages/{id}", s.HandleDeleteMessage()).Methods(http.MethodDelete)
	r.HandleFunc("/messages/{id}/pin", s.HandlePinMessage()).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/reactions", s.HandleReaction()).Methods(http.MethodPost)

	var origins []string
	if s.Config != nil {
		origins = s.Config.AllowedOrigins
	}
	return middleware.CORSMiddleware(middleware.DefaultCORSConfig(origins))(r)
}

// statusRecorder remembers the status written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		s.Metrics.IncrementRequests()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusBadRequest {
			s.Metrics.IncrementErrors()
		}
	})
}

// requestContext bounds a handler's engine calls.
func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.RequestTimeout)
}
