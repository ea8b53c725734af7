// Package tsugi is the public API for embedding the Tsugi supervisor/worker
// orchestration server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := tsugi.New(
//	    tsugi.WithVersion(version),
//	    tsugi.WithLogger(logger),
//	    tsugi.WithWorker("review", myReviewWorker),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the root.
// Public types (Job, ChatRequest, ...) are standalone structs; the adapters
// that convert them live in this file because it is the only one that sees
// both sides of the boundary.
package tsugi

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/tsugi/internal/artifact"
	"github.com/ashita-ai/tsugi/internal/auth"
	"github.com/ashita-ai/tsugi/internal/config"
	"github.com/ashita-ai/tsugi/internal/events"
	"github.com/ashita-ai/tsugi/internal/llm"
	"github.com/ashita-ai/tsugi/internal/mcp"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/ratelimit"
	"github.com/ashita-ai/tsugi/internal/server"
	"github.com/ashita-ai/tsugi/internal/service/audit"
	"github.com/ashita-ai/tsugi/internal/service/continuation"
	"github.com/ashita-ai/tsugi/internal/service/dispatch"
	"github.com/ashita-ai/tsugi/internal/service/executor"
	"github.com/ashita-ai/tsugi/internal/service/runs"
	"github.com/ashita-ai/tsugi/internal/service/supervisor"
	"github.com/ashita-ai/tsugi/internal/service/trim"
	"github.com/ashita-ai/tsugi/internal/storage"
	"github.com/ashita-ai/tsugi/internal/telemetry"
	"github.com/ashita-ai/tsugi/internal/worker"
	"github.com/ashita-ai/tsugi/migrations"
)

// App is the Tsugi server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	listener     *events.Listener // nil when no notify connection
	pool         *executor.Pool
	runner       *supervisor.Runner
	sweeper      *continuation.Sweeper
	auditBuf     *audit.Buffer
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Tsugi server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("tsugi starting", "version", version, "port", cfg.Port)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := OpenDatabase(ctx, cfg, logger, o.extraMigrations...)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}
	db.RegisterPoolMetrics()

	fail := func(err error) (*App, error) {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, err
	}

	// Artifact store: external override, else the backend named in config.
	var backend artifact.Backend
	switch {
	case o.artifactBackend != nil:
		backend = &artifactBackendAdapter{b: o.artifactBackend}
		logger.Info("artifacts: external backend")
	case cfg.ArtifactBackend == "s3":
		s3b, err := artifact.NewS3Backend(ctx, artifact.S3Config{
			Bucket:         cfg.S3Bucket,
			Prefix:         cfg.S3Prefix,
			Region:         cfg.S3Region,
			Endpoint:       cfg.S3Endpoint,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("artifacts: %w", err))
		}
		backend = s3b
		logger.Info("artifacts: s3", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix)
	default:
		fb, err := artifact.NewFileBackend(cfg.ArtifactDir)
		if err != nil {
			return fail(fmt.Errorf("artifacts: %w", err))
		}
		backend = fb
		logger.Info("artifacts: file", "dir", cfg.ArtifactDir)
	}
	store := artifact.NewStore(backend)
	var offloader *artifact.Offloader
	if cfg.MaxToolOutputChars > 0 {
		offloader = artifact.NewOffloader(store, cfg.MaxToolOutputChars, cfg.ToolOutputPreviewChars)
	}

	// Model client.
	var client llm.Client
	if o.chatModel != nil {
		client = &chatModelAdapter{m: o.chatModel}
	} else {
		if cfg.LLMAPIKey == "" {
			logger.Warn("llm: OPENAI_API_KEY is empty; model calls will fail unless the endpoint needs no key")
		}
		client = llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)
	}

	// Worker registry: explicit registrations win over the built-ins.
	registry := worker.NewRegistry()
	for mode, w := range o.workers {
		if err := registry.Register(mode, &workerAdapter{w: w}); err != nil {
			return fail(err)
		}
	}
	builtins := map[string]worker.Worker{
		worker.ModeAgent:   worker.NewAgentWorker(client, cfg.LLMModel),
		worker.ModeCommand: worker.NewCommandWorker(cfg.CommandWorkerShell, cfg.CommandSandboxWrapper),
	}
	for mode, w := range builtins {
		if _, overridden := o.workers[mode]; overridden {
			continue
		}
		if err := registry.Register(mode, w); err != nil {
			return fail(err)
		}
	}
	logger.Info("workers: registered", "modes", registry.Modes())

	// Events. With a notify connection every process fans out through
	// Postgres so subscribers on any instance see every event.
	hub := events.NewHub(logger)
	var publisher events.Publisher = hub
	var listener *events.Listener
	if db.HasNotify() {
		publisher = events.NewNotifyPublisher(db)
		listener = events.NewListener(db, logger)
		listener.RelayTo(hub)
	} else {
		logger.Info("events: in-process only (no notify connection)")
	}
	emitter := events.NewEmitter(publisher, db, logger)

	runSvc := runs.New(db, emitter, hub, logger)
	dispatcher := dispatch.New(db, registry, logger)
	manager := continuation.NewManager(db, offloader, emitter, runSvc, logger)
	sweeper := continuation.NewSweeper(db, manager, emitter, runSvc, logger, cfg.SweepInterval, cfg.WorkerStaleAfter)

	pool := executor.NewPool(db, registry, manager, emitter, logger, executor.Config{
		Concurrency:    cfg.WorkerConcurrency,
		DefaultTimeout: cfg.WorkerTimeout,
		PollInterval:   cfg.WorkerPollInterval,
	})

	auditBuf := audit.NewBuffer(db, logger, cfg.AuditBufferSize, cfg.AuditFlushTimeout)

	tools, err := supervisor.NewToolSet(supervisor.NewReadToolOutputTool(store))
	if err != nil {
		return fail(err)
	}
	sup := supervisor.New(supervisor.Deps{
		DB:         db,
		Runs:       runSvc,
		Dispatcher: dispatcher,
		Resumer:    manager,
		Client:     client,
		Tools:      tools,
		Offloader:  offloader,
		Audit:      auditBuf,
		Logger:     logger,
	}, supervisor.Config{
		MaxIterations: cfg.MaxToolIterations,
		Budget:        trim.Budget{MaxUserTurns: cfg.MaxUserTurns, MaxChars: cfg.MaxContextChars},
		Modes:         registry.Modes(),
	})
	runner := supervisor.NewRunner(db, sup, logger, cfg.SupervisorConcurrency, cfg.WorkerPollInterval)

	if listener != nil {
		listener.Handle(storage.ChannelJobs, pool.HandleNotification)
		listener.Handle(storage.ChannelJobCancel, pool.HandleCancelNotification)
		listener.Handle(storage.ChannelRuns, runner.HandleNotification)
	}

	var jwtMgr *auth.JWTManager
	if cfg.JWTPublicKeyPath != "" {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			return fail(err)
		}
		logger.Info("auth: bearer tokens required")
	} else {
		logger.Warn("auth: disabled, requests are not authenticated")
	}

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
	if cfg.RateLimitRPS > 0 {
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(db, runSvc, store, logger, version)

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		DB:        db,
		Runs:      runSvc,
		Artifacts: store,
		Logger:    logger,
		Hub:       hub,
		Audit:     auditBuf,
		Limiter:   limiter,
		JWTMgr:    jwtMgr,
		MCPServer: mcpSrv.MCPServer(),
		InFlight: func() (int, int) {
			return runner.InFlight(), pool.InFlight()
		},
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		DefaultModel:        cfg.LLMModel,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxWaitTimeout:      cfg.MaxWaitTimeout,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		listener:     listener,
		pool:         pool,
		runner:       runner,
		sweeper:      sweeper,
		auditBuf:     auditBuf,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// OpenDatabase connects to Postgres and applies the embedded migrations
// followed by any extra migration filesystems.
func OpenDatabase(ctx context.Context, cfg config.Config, logger *slog.Logger, extra ...fs.FS) (*storage.DB, error) {
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range extra {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}
	return db, nil
}

// Handler returns the root HTTP handler, for serving under a caller-owned
// listener or in tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Sweep runs one recovery sweep synchronously.
func (a *App) Sweep(ctx context.Context) (SweepReport, error) {
	stats, err := a.sweeper.Sweep(ctx)
	return SweepReport(stats), err
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.auditBuf.Start(ctx)
	if a.listener != nil {
		go a.listener.Start(ctx)
	}
	a.pool.Start(ctx)
	a.runner.Start(ctx)
	a.sweeper.Start(ctx)

	// Pick up anything left behind by a previous process before serving.
	startupCtx, cancel := context.WithTimeout(ctx, a.cfg.SweepInterval)
	if _, err := a.sweeper.Sweep(startupCtx); err != nil {
		a.logger.Warn("startup sweep failed", "error", err)
	}
	cancel()

	go a.idempotencyCleanupLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown performs a staged graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) stop picking up runs and jobs and let in-flight hops and jobs finish,
// (3) flush buffered audit rows to Postgres.
// It then closes the database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("tsugi shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDrainTimeout)
	a.sweeper.Drain(drainCtx)
	a.runner.Drain(drainCtx)
	a.pool.Drain(drainCtx)
	a.auditBuf.Drain(drainCtx)
	drainCancel()

	var err error
	if n := a.auditBuf.Len(); n > 0 {
		a.logger.Error("audit buffer drain incomplete; unflushed rows will be lost", "remaining", n)
		err = fmt.Errorf("audit drain incomplete: %d rows remaining", n)
	}

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("tsugi stopped")
	return err
}

// Close releases the database pool and OTEL provider of an App that was
// never Run, such as one built only for a one-shot Sweep.
func (a *App) Close() {
	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())
}

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx, a.cfg.IdempotencyCompletedTTL, a.cfg.IdempotencyAbandonedTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// workerAdapter wraps a tsugi.Worker to satisfy worker.Worker.
type workerAdapter struct {
	w Worker
}

func (a *workerAdapter) Run(ctx context.Context, job model.WorkerJob) (string, error) {
	return a.w.Run(ctx, toPublicJob(job))
}

// chatModelAdapter wraps a tsugi.ChatModel to satisfy llm.Client.
type chatModelAdapter struct {
	m ChatModel
}

func (a *chatModelAdapter) Invoke(ctx context.Context, req llm.Request) (llm.Response, error) {
	pub := ChatRequest{
		Model:           req.Model,
		ReasoningEffort: string(req.ReasoningEffort),
		Messages:        make([]ChatMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		pub.Messages = append(pub.Messages, ChatMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCalls:  toPublicToolCalls(m.ToolCalls),
			ToolCallID: m.ToolCallID,
		})
	}
	for _, t := range req.Tools {
		pub.Tools = append(pub.Tools, ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}

	resp, err := a.m.Chat(ctx, pub)
	if err != nil {
		return llm.Response{}, err
	}
	out := llm.Response{
		Content: resp.Content,
		Model:   resp.Model,
		Usage: llm.Usage{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			TotalTokens:      resp.PromptTokens + resp.CompletionTokens,
		},
	}
	for _, tc := range resp.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return out, nil
}

// artifactBackendAdapter wraps a tsugi.ArtifactBackend to satisfy artifact.Backend.
type artifactBackendAdapter struct {
	b ArtifactBackend
}

func (a *artifactBackendAdapter) Put(ctx context.Context, key string, data []byte) error {
	return a.b.Put(ctx, key, data)
}

func (a *artifactBackendAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := a.b.Get(ctx, key)
	if errors.Is(err, ErrArtifactNotFound) {
		return nil, artifact.ErrNotFound
	}
	return data, err
}

func (a *artifactBackendAdapter) Exists(ctx context.Context, key string) (bool, error) {
	return a.b.Exists(ctx, key)
}

func toPublicJob(j model.WorkerJob) Job {
	return Job{
		ID:         j.ID,
		OwnerID:    j.OwnerID,
		Mode:       j.Config.Mode,
		Task:       j.Config.Task,
		TargetRepo: j.Config.TargetRepo,
		Sandbox:    j.Config.Sandbox,
		TraceID:    j.TraceID,
	}
}

func toPublicToolCalls(calls []model.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		out[i] = ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
