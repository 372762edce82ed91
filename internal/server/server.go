package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/BioHazard786/meshrelay/internal/config"
	"github.com/BioHazard786/meshrelay/internal/metrics"
	"github.com/BioHazard786/meshrelay/internal/registry"
	"github.com/BioHazard786/meshrelay/internal/signaling"
)

// RoomsResponse is the body of GET /rooms.
type RoomsResponse struct {
	Rooms       []registry.RoomInfo `json:"rooms"`
	Connections int                 `json:"connections"`
}

// Server exposes the relay over HTTP.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	hub      *signaling.Hub
	registry *registry.Registry
	metrics  *metrics.Metrics

	mux *http.ServeMux
	srv *http.Server
}

// New wires the relay's routes. The hub must be running before clients
// connect.
func New(cfg *config.Config, logger *slog.Logger, hub *signaling.Hub, reg *registry.Registry, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		log:      logger,
		hub:      hub,
		registry: reg,
		metrics:  m,
		mux:      http.NewServeMux(),
	}

	s.registerRoutes()

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoverMiddleware(s.log),
		requestLoggerMiddleware(s.log),
	)
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info("Starting signaling server", "addr", l.Addr().String())
	err := s.srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Upgraded websockets are not tracked by net/http; they end when the hub
// stops.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", healthCheckHandler)
	s.mux.HandleFunc("GET /ws", s.ServeWs)
	s.mux.HandleFunc("GET /rooms", s.withOriginPolicy(s.roomsHandler))
	s.mux.HandleFunc("OPTIONS /rooms", s.withOriginPolicy(s.roomsHandler))
	s.mux.Handle("GET /metrics", s.metrics.Handler())
}

// Health Check endpoint
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling server is healthy."))
}

func (s *Server) roomsHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, RoomsResponse{
		Rooms:       s.registry.Rooms(),
		Connections: s.hub.Connections(),
	})
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Debug("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
