// ABOUTME: Gateway orchestrator that owns the HTTP server and websocket routes
// ABOUTME: Wires registry, session pool, store, auth, and dedupe together

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/parley-chat/parley-gateway/internal/auth"
	"github.com/parley-chat/parley-gateway/internal/config"
	"github.com/parley-chat/parley-gateway/internal/dedupe"
	"github.com/parley-chat/parley-gateway/internal/pacer"
	"github.com/parley-chat/parley-gateway/internal/registry"
	"github.com/parley-chat/parley-gateway/internal/runtime"
	"github.com/parley-chat/parley-gateway/internal/session"
	"github.com/parley-chat/parley-gateway/internal/store"
)

// ConversationLookup resolves conversations and membership during the
// websocket handshake.
type ConversationLookup interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// MessageStore persists conversation messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
}

// Options carries the collaborators a Gateway needs. Store must satisfy
// both ConversationLookup and MessageStore; the SQLite store does.
type Options struct {
	Config        *config.Config
	Conversations ConversationLookup
	Messages      MessageStore
	Runner        runtime.Runner
	Logger        *slog.Logger
}

// Gateway serves the websocket conversation API. It owns the connection
// registry, the session pool, and the per-connection dispatch loops.
type Gateway struct {
	config        *config.Config
	registry      *registry.Registry
	pool          *session.Pool
	conversations ConversationLookup
	messages      MessageStore
	verifier      auth.TokenVerifier
	dedupe        *dedupe.Cache
	pacerCfg      pacer.Config
	httpServer    *http.Server
	logger        *slog.Logger
}

// New creates a Gateway from the given options.
func New(opts Options) (*Gateway, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	roles := make(map[string]runtime.StreamOptions, len(cfg.Agents))
	for name, agent := range cfg.Agents {
		workDir := agent.WorkDir
		if workDir == "" {
			workDir = cfg.Runtime.WorkDir
		}
		roles[name] = runtime.StreamOptions{
			AgentRole:    name,
			SystemPrompt: agent.SystemPrompt,
			Model:        agent.Model,
			MaxTurns:     agent.MaxTurns,
			WorkDir:      workDir,
		}
	}

	reg := registry.New(registry.Config{
		HeartbeatInterval: cfg.Websocket.HeartbeatInterval,
		PingTimeout:       cfg.Websocket.PingTimeout,
		IdleTimeout:       cfg.Websocket.IdleTimeout,
	}, logger)

	pool := session.NewPool(opts.Runner, roles, session.PoolConfig{
		MaxSessions:   cfg.Sessions.MaxSessions,
		IdleTimeout:   cfg.Sessions.IdleTimeout,
		SweepInterval: cfg.Sessions.SweepInterval,
	}, logger)

	g := &Gateway{
		config:        cfg,
		registry:      reg,
		pool:          pool,
		conversations: opts.Conversations,
		messages:      opts.Messages,
		verifier:      auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		dedupe:        dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries),
		pacerCfg: pacer.Config{
			InitialFlushInterval: cfg.Pacer.InitialFlushInterval,
			SteadyFlushInterval:  cfg.Pacer.SteadyFlushInterval,
			MaxBufferSize:        cfg.Pacer.MaxBufferSize,
		},
		logger: logger.With("component", "gateway"),
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Handler returns the HTTP handler serving the websocket and health routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ws/conversations/", g.handleConversationSocket)
	mux.HandleFunc("/api/v1/ws/health", g.handleHealth)
	return mux
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, tears down all connections, and drains
// the session pool.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.registry.Shutdown()
	g.pool.Shutdown()
	g.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// healthResponse is the JSON body of the websocket health endpoint.
type healthResponse struct {
	Status            string `json:"status"`
	ActiveConnections int    `json:"active_connections"`
	ActiveSessions    int    `json:"active_sessions"`
	HeartbeatInterval string `json:"heartbeat_interval"`
	PingTimeout       string `json:"ping_timeout"`
	IdleTimeout       string `json:"idle_timeout"`
}

// handleHealth reports connection and session counts plus heartbeat config.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := g.registry.Config()
	resp := healthResponse{
		Status:            "ok",
		ActiveConnections: g.registry.Count(""),
		ActiveSessions:    g.pool.Stats().TotalSessions,
		HeartbeatInterval: cfg.HeartbeatInterval.String(),
		PingTimeout:       cfg.PingTimeout.String(),
		IdleTimeout:       cfg.IdleTimeout.String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Error("writing health response", "error", err)
	}
}
