// Package gateway hosts the WebSocket endpoint and the per-connection
// session controller driving the chat protocol.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/simpasskr/chatgate/internal/chat"
	"github.com/simpasskr/chatgate/internal/config"
	"github.com/simpasskr/chatgate/internal/hub"
	"github.com/simpasskr/chatgate/internal/identity"
	"github.com/simpasskr/chatgate/pkg/protocol"
)

// resolveTimeout bounds the identity lookup at handshake. Failure here is
// terminal for the connection.
const resolveTimeout = 10 * time.Second

// Server owns the HTTP listener, the WebSocket upgrader, and the wiring
// every session controller needs.
type Server struct {
	cfg      *config.Config
	resolver identity.Resolver
	registry *hub.Registry
	chat     *chat.Service

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the gateway server.
func NewServer(cfg *config.Config, resolver identity.Resolver, registry *hub.Registry, svc *chat.Service) *Server {
	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		registry: registry,
		chat:     svc,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the upgrade origin against the configured
// whitelist. No configuration allows everything; a missing Origin header
// (non-browser clients) always passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("ws origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/{token}", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades the connection and runs its session. The access
// token rides in the path; a connection whose token does not resolve is
// closed with a policy-violation code and never registers.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	resolveCtx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	ident, err := s.resolver.Resolve(resolveCtx, token)
	cancel()
	if err != nil {
		slog.Info("connection rejected", "error", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth failed")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	c := newClient(s, conn, ident)
	s.registry.Register(ident.ID, c)
	slog.Info("client connected", "identity", ident.ID, "role", ident.Role.String())

	defer func() {
		c.close()
		slog.Info("client disconnected", "identity", ident.ID)
	}()

	c.run(r.Context())
}

// handleHealth reports liveness plus the number of connected identities.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d,"connections":%d}`,
		protocol.ProtocolVersion, s.registry.Size())
}

// StartTestServer runs the server on a random loopback port for
// integration tests and returns the listen address.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}
	return addr, start
}
