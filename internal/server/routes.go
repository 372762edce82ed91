package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/meshrelay/internal/signaling"
)

// upgrader returns the websocket upgrader for the relay. Subprotocol
// negotiation selects the client's codec.
func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  64 * 1024, // 64 KB
		WriteBufferSize: 64 * 1024, // 64 KB
		Subprotocols:    signaling.Subprotocols(),
		CheckOrigin:     s.checkOrigin,
	}
}

// ServeWs upgrades the request to a websocket and hands it to the hub.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	// Upgrade the HTTP connection to a WebSocket
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote an HTTP error response.
		s.log.Warn("Failed to upgrade connection", "remote", r.RemoteAddr, "err", err)
		return
	}

	// Register the client with the hub
	client, err := s.hub.Attach(conn)
	if err != nil {
		s.log.Warn("rejecting connection", "remote", r.RemoteAddr, "err", err)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	// Start the client's read and write pumps in separate goroutines
	// These methods will handle the client's lifecycle
	go client.WritePump()
	go client.ReadPump()
}

// checkOrigin allows requests without an Origin header (non-browser
// clients) and requests from an allowed origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || s.cfg.AllowsAnyOrigin() {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next(w, r)
			return
		}

		if !s.checkOrigin(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
