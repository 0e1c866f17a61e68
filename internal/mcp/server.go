package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/drawbridge/internal/auth"
	"github.com/HyphaGroup/drawbridge/internal/config"
	"github.com/HyphaGroup/drawbridge/internal/logger"
	"github.com/HyphaGroup/drawbridge/internal/metrics"
	"github.com/HyphaGroup/drawbridge/internal/relay"
)

// SessionHeader carries the session token on the session-routed surface.
const SessionHeader = "Mcp-Session-Id"

// generateRequestID creates a unique request identifier
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Server ties the relay, the bridge, and the session-routed protocol
// surface together.
type Server struct {
	cfg        *config.Config
	registry   *relay.Registry
	bridge     *relay.Bridge
	relayHTTP  *relay.Handler
	tools      *ToolRegistry
	catalog    *Catalog
	sessions   *Manager
	authorizer *auth.Authorizer
}

// NewServer builds the full stack from configuration.
func NewServer(cfg *config.Config, authorizer *auth.Authorizer) *Server {
	registry := relay.NewRegistry()
	bridge := relay.NewBridge(registry, cfg.BridgeTimeout())

	tools := NewToolRegistry()
	catalog := NewCatalog(tools, bridge, cfg.CatalogTimeout())
	deps := HandlerDeps{Tools: tools, Catalog: catalog, Bridge: bridge, Registry: registry}
	RegisterTools(tools, deps)

	return &Server{
		cfg:        cfg,
		registry:   registry,
		bridge:     bridge,
		relayHTTP:  relay.NewHandler(registry, bridge, cfg.AllowedOrigins),
		tools:      tools,
		catalog:    catalog,
		sessions:   NewManager(cfg.SessionTTL(), deps),
		authorizer: authorizer,
	}
}

// Registry exposes the channel registry (used by the stdio mode and tests).
func (s *Server) Registry() *relay.Registry { return s.registry }

// Sessions exposes the session manager.
func (s *Server) Sessions() *Manager { return s.sessions }

// ServeMux assembles the HTTP surface:
//
//	/ws      relay socket endpoint (no auth; peers are not authenticated)
//	/bridge  request/response bridge for out-of-process callers
//	/status  channel peer presence
//	/mcp     session-routed protocol surface (bearer-gated when configured)
//	/health  liveness + session count
//	/metrics Prometheus scrape
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	// The websocket endpoint must see the raw ResponseWriter (hijack), so
	// it skips the metrics wrapper.
	mux.HandleFunc("/ws", s.relayHTTP.ServeWS)
	mux.Handle("/bridge", metrics.Middleware(requestIDMiddleware(http.HandlerFunc(s.relayHTTP.ServeBridge))))
	mux.Handle("/status", metrics.Middleware(requestIDMiddleware(http.HandlerFunc(s.relayHTTP.ServeStatus))))

	// Session surface: authorization runs before any session or channel
	// state is touched, then rate limiting per token.
	var mcpHandler http.Handler = http.HandlerFunc(s.handleMCP)
	mcpHandler = auth.RateLimitMiddleware(auth.DefaultRateLimiter())(mcpHandler)
	mcpHandler = auth.Middleware(s.authorizer)(mcpHandler)
	mux.Handle("/mcp", metrics.Middleware(requestIDMiddleware(mcpHandler)))

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	return mux
}

// Serve starts the HTTP server on addr.
func (s *Server) Serve(addr string) error {
	logger.Info("🚀 Drawbridge relay listening on %s", addr)
	logger.Info("🔌 Socket endpoint: ws://localhost%s/ws?channel=<id>&type=peer|caller", addr)
	logger.Info("💚 Health check: http://localhost%s/health", addr)
	logger.Info("📊 Metrics: http://localhost%s/metrics", addr)
	return http.ListenAndServe(addr, s.ServeMux())
}

// requestIDMiddleware tags each request with an id for log correlation.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleMCP routes one exchange on the session surface. The token header
// identifies the session; absence mints one and the response echoes the
// new token. DELETE terminates the session.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	// Opportunistic eviction at the start of each routed request.
	s.sessions.Sweep()

	token := r.Header.Get(SessionHeader)

	switch r.Method {
	case http.MethodDelete:
		if token == "" || !s.sessions.Terminate(token) {
			writeRPCError(w, http.StatusNotFound, nil, codeUnknownSession, "unknown or expired session")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
		// handled below
	default:
		writeRPCError(w, http.StatusMethodNotAllowed, nil, codeInternalError, "method not allowed")
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, codeParseError, "malformed JSON body")
		return
	}

	var sess *Session
	if token == "" {
		sess = s.sessions.Create(r.RemoteAddr)
	} else {
		var err error
		sess, err = s.sessions.Resolve(token)
		if err != nil {
			writeRPCError(w, http.StatusNotFound, req.ID, codeUnknownSession, "unknown or expired session")
			return
		}
	}
	sess.Touch()
	w.Header().Set(SessionHeader, sess.Token)

	ctx := context.WithValue(r.Context(), logger.ContextKeySessionToken, sess.Token)
	if ch := sess.ChannelID(); ch != "" {
		ctx = context.WithValue(ctx, logger.ContextKeyChannelID, ch)
	}
	logger.InfoContext(ctx, "mcp request", "method", req.Method)

	resp := sess.Handler().Handle(ctx, &req)
	if resp == nil {
		// Notification: accepted, nothing to say.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.ErrorContext(ctx, "failed to write response", "error", err)
	}
}

// handleHealth reports liveness, session count, and whether the session
// surface is token-gated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":             true,
		"activeSessions": s.sessions.Count(),
		"authEnabled":    s.authorizer.Enabled(),
	})
}

func writeRPCError(w http.ResponseWriter, status int, id any, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	})
}

// RunStdio serves the tool registry over the official SDK stdio transport.
// The relay keeps running over HTTP; the MCP client drives a single
// long-lived session that binds a channel with join_channel as usual.
func (s *Server) RunStdio(ctx context.Context) error {
	sdkServer := mcp_sdk.NewServer(&mcp_sdk.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)

	sess := s.sessions.NewDetached("stdio")
	if err := s.tools.RegisterWithMCPServer(sdkServer, sess); err != nil {
		return err
	}

	logger.Info("Serving MCP over stdio (session %s)", sess.Token)
	return sdkServer.Run(ctx, &mcp_sdk.StdioTransport{})
}
