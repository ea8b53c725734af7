package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tsugi/internal/artifact"
	"github.com/ashita-ai/tsugi/internal/auth"
	"github.com/ashita-ai/tsugi/internal/ctxutil"
	"github.com/ashita-ai/tsugi/internal/events"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/ratelimit"
	"github.com/ashita-ai/tsugi/internal/service/audit"
	"github.com/ashita-ai/tsugi/internal/service/runs"
	"github.com/ashita-ai/tsugi/internal/storage"
)

// Server is the Tsugi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Hub, Audit, Limiter, JWTMgr, MCPServer, InFlight,
// Middlewares.
type ServerConfig struct {
	// Required dependencies.
	DB        *storage.DB
	Runs      *runs.Service
	Artifacts *artifact.Store
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Hub       *events.Hub
	Audit     *audit.Buffer
	Limiter   ratelimit.Limiter
	JWTMgr    *auth.JWTManager
	MCPServer *mcpserver.MCPServer
	InFlight  func() (hops, jobs int)

	// Middlewares wrap the whole handler; the first is outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	DefaultModel        string
	MaxRequestBodyBytes int64
	MaxWaitTimeout      time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Runs:                cfg.Runs,
		Artifacts:           cfg.Artifacts,
		Hub:                 cfg.Hub,
		Audit:               cfg.Audit,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		DefaultModel:        cfg.DefaultModel,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxWaitTimeout:      cfg.MaxWaitTimeout,
		InFlight:            cfg.InFlight,
	})

	reject := func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many requests")
	}
	// Thread creation is limited per client IP, run starts per thread.
	threadRL := ratelimit.Middleware(cfg.Limiter, "thread", ratelimit.IPKeyFunc, reject)
	runRL := ratelimit.Middleware(cfg.Limiter, "run", ratelimit.PathValueKeyFunc("id"), reject)

	mux := http.NewServeMux()

	// Threads.
	mux.Handle("POST /threads", threadRL(http.HandlerFunc(h.HandleCreateThread)))
	mux.HandleFunc("GET /threads/{id}/messages", h.HandleGetThreadMessages)
	mux.Handle("POST /threads/{id}/run", runRL(http.HandlerFunc(h.HandleStartRun)))

	// Runs. Any hop id resolves to its chain.
	mux.HandleFunc("GET /runs/{id}", h.HandleGetRun)
	mux.HandleFunc("GET /runs/{id}/chain", h.HandleGetChain)
	mux.HandleFunc("GET /runs/{id}/wait", h.HandleWaitRun)
	mux.HandleFunc("GET /runs/{id}/jobs", h.HandleListRunJobs)
	mux.HandleFunc("POST /runs/{id}/cancel", h.HandleCancelRun)

	// Worker jobs and model-call audit.
	mux.HandleFunc("GET /jobs/{id}", h.HandleGetJob)
	mux.HandleFunc("GET /traces/{trace_id}/llm-calls", h.HandleGetAuditTrail)

	// Offloaded tool outputs, scoped by owner.
	mux.HandleFunc("GET /owners/{owner_id}/artifacts/{artifact_id}", h.HandleGetArtifact)
	mux.HandleFunc("GET /owners/{owner_id}/artifacts/{artifact_id}/metadata", h.HandleGetArtifactMetadata)

	// Live events (no rate limit, long-lived connections).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)
	mux.HandleFunc("GET /v1/ws", h.HandleWebSocket)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer,
			mcpserver.WithHTTPContextFunc(carryOwner)))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → auth → handler.
	var handler http.Handler = mux
	if cfg.JWTMgr != nil {
		handler = authMiddleware(cfg.JWTMgr, handler)
	}
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// carryOwner copies the authenticated owner onto the context MCP tool
// handlers run with.
func carryOwner(ctx context.Context, r *http.Request) context.Context {
	if owner, ok := ctxutil.OwnerFromContext(r.Context()); ok {
		return ctxutil.WithOwner(ctx, owner)
	}
	return ctx
}
