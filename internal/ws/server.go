// Package ws is the WebSocket gateway: it authenticates the upgrade request,
// registers the connection with its session hub, runs one read goroutine and
// one write pump per connection, and translates inbound frames into chat
// service calls.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/classcast/livechat/internal/auth"
	"github.com/classcast/livechat/internal/chat"
	"github.com/classcast/livechat/internal/hub"
	"github.com/classcast/livechat/internal/metrics"
)

// maxFrameBytes caps the declared payload length of inbound frames before any
// buffer is allocated for them. The largest legal client frame is a
// full-length chat message, far below this.
const maxFrameBytes = 8 << 10

// ServerConfig holds tunable parameters for the WebSocket gateway.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // max quiet time before a read is abandoned
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server upgrades HTTP requests to WebSocket connections and owns their
// lifecycle. Authentication happens on the HTTP request, before the upgrade
// completes, so an unauthenticated socket is never registered with a hub.
type Server struct {
	config     ServerConfig
	verifier   auth.TokenVerifier
	svc        *chat.Service
	hubs       *hub.Manager
	conns      *ConnectionManager
	dispatcher *Dispatcher
	httpServer *http.Server
	extra      map[string]http.Handler
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates the gateway from its dependencies.
func NewServer(config ServerConfig, verifier auth.TokenVerifier, svc *chat.Service, hubs *hub.Manager) *Server {
	return &Server{
		config:     config,
		verifier:   verifier,
		svc:        svc,
		hubs:       hubs,
		conns:      NewConnectionManager(),
		dispatcher: NewDispatcher(svc),
		done:       make(chan struct{}),
	}
}

// Start begins accepting WebSocket connections. It blocks until the HTTP
// server stops.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: gateway listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Handler returns the gateway's HTTP handler (the /ws upgrade endpoint, the
// /health check, and any mounted extra handlers such as the REST API).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}
	return mux
}

// Mount attaches an additional handler under pattern, served from the same
// listener as the WebSocket endpoint. Must be called before Start.
func (s *Server) Mount(pattern string, h http.Handler) {
	if s.extra == nil {
		s.extra = make(map[string]http.Handler)
	}
	s.extra[pattern] = h
}

// bearerToken extracts the client token from the Authorization header or the
// token query parameter (browsers cannot set headers on WebSocket upgrades).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// handleUpgrade authenticates the request and upgrades it to a WebSocket
// connection. Authentication failures are HTTP errors: the socket is refused
// before any hub registration happens.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	identity, err := s.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Identity:  identity,
		Conn:      conn,
		Client:    hub.NewClient(identity, s.hubs.QueueSize()),
		CreatedAt: time.Now(),
	}
	c.Touch()

	s.conns.Add(c)
	s.hubs.Join(sessionID, c.Client)
	metrics.ConnectionsTotal.Inc()

	go s.writePump(c)
	go s.readLoop(c)

	log.Printf("ws: connected user=%s session=%s conn=%s (total=%d)",
		identity.UserID, sessionID, c.ID, s.conns.Count())
}

// writePump drains the hub's bounded outbound queue onto the socket. It exits
// when the queue is closed (leave or slow-consumer drop) or a write fails.
func (s *Server) writePump(c *Connection) {
	for data := range c.Client.Receive() {
		if s.config.WriteTimeout > 0 {
			_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		if err := c.WriteMessage(data); err != nil {
			s.removeConnection(c)
			return
		}
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
	// Queue closed by the hub: make the read loop fail out too.
	c.Close()
}

// readLoop reads frames from the socket until it dies. Control frames are
// answered inline; data frames go to the dispatcher.
func (s *Server) readLoop(c *Connection) {
	defer s.removeConnection(c)

	for {
		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		if header.Length > maxFrameBytes {
			log.Printf("ws: oversized frame (%d bytes) user=%s conn=%s, closing",
				header.Length, c.Identity.UserID, c.ID)
			return
		}

		c.Touch()

		if header.OpCode.IsControl() {
			payload := make([]byte, header.Length)
			if header.Length > 0 {
				if _, err := io.ReadFull(reader, payload); err != nil {
					return
				}
			}
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
					return
				}
			}
			// Pong: activity already recorded by Touch.
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		s.dispatcher.Dispatch(c, data)
	}
}

// writeFrame sends a raw WebSocket frame under the connection's write mutex.
func (c *Connection) writeFrame(frame ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, frame)
}

// removeConnection tears a connection down exactly once: hub leave (which
// announces user_left for the user's last connection), registry removal, and
// socket close.
func (s *Server) removeConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	s.hubs.Leave(c.SessionID, c.Client)
	c.Close()
	metrics.ConnectionsTotal.Dec()

	log.Printf("ws: disconnected user=%s session=%s conn=%s (total=%d)",
		c.Identity.UserID, c.SessionID, c.ID, s.conns.Count())
}

// handleHealth reports connection count and uptime for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// Connections returns the connection registry (used by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and closes all active connections.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down gateway...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.removeConnection(c)
	}

	log.Printf("ws: gateway stopped, all connections closed")
	return nil
}
