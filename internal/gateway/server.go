// Package gateway implements the optional WebSocket status/event feed: a
// thin control-plane surface over the agent manager, registry, channel
// manager, and session store, for operators and external tooling that
// don't want to run inside the process.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentgw/internal/agent"
	"github.com/nextlevelbuilder/agentgw/internal/bus"
	"github.com/nextlevelbuilder/agentgw/internal/channels"
	"github.com/nextlevelbuilder/agentgw/internal/config"
	"github.com/nextlevelbuilder/agentgw/internal/registry"
	"github.com/nextlevelbuilder/agentgw/internal/store"
	"github.com/nextlevelbuilder/agentgw/pkg/protocol"
)

// Server is the gateway's WebSocket/HTTP status server. It is entirely
// optional: GatewayConfig.ListenAddr empty means the caller never
// constructs one.
type Server struct {
	cfg      *config.Config
	eventPub bus.EventPublisher
	manager  *agent.Manager
	registry *registry.Registry
	channels *channels.Manager
	sessions store.SessionStore
	logger   *slog.Logger

	upgrader    websocket.Upgrader
	rateLimiter *channels.WebhookRateLimiter
	router      *MethodRouter

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
}

// NewServer builds a gateway status server wired to the running gateway's
// collaborators. eventPub is broadcast to every connected client (minus
// internal cache.* events).
func NewServer(cfg *config.Config, eventPub bus.EventPublisher, mgr *agent.Manager, reg *registry.Registry, chMgr *channels.Manager, sess store.SessionStore, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		eventPub:    eventPub,
		manager:     mgr,
		registry:    reg,
		channels:    chMgr,
		sessions:    sess,
		logger:      logger,
		rateLimiter: channels.NewWebhookRateLimiter(),
		clients:     make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	s.router = NewMethodRouter(s)
	return s
}

// Router returns the method router, for registering additional RPC methods.
func (s *Server) Router() *MethodRouter { return s.router }

// Start begins listening on cfg.Gateway.ListenAddr until ctx is canceled.
// It returns once the listener has shut down.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{Addr: s.cfg.Gateway.ListenAddr, Handler: mux}
	s.logger.Info("gateway: status server starting", "addr", s.cfg.Gateway.ListenAddr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: status server: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow(r.RemoteAddr) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("gateway: websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// BroadcastEvent pushes event to every connected client.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		if strings.HasPrefix(event.Name, "cache.") {
			return
		}
		c.SendEvent(protocol.NewEvent(event.Name, event.Payload))
	})
	s.logger.Info("gateway: client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.eventPub.Unsubscribe(c.id)
	s.logger.Info("gateway: client disconnected", "id", c.id)
}
