package multimcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Option is a function that configures the proxy.
type Option func(*Proxy)

// WithName sets the server name presented to clients and backends.
func WithName(name string) Option {
	return func(p *Proxy) {
		p.cfg.Proxy.Name = name
	}
}

// WithTransport selects the client-facing mode, "stdio" or "sse".
func WithTransport(mode string) Option {
	return func(p *Proxy) {
		p.cfg.Proxy.Transport = mode
	}
}

// WithAddr sets the listen address for SSE mode.
func WithAddr(addr string) Option {
	return func(p *Proxy) {
		p.cfg.Proxy.Addr = addr
	}
}

// WithBaseURL sets the advertised base URL for SSE mode.
func WithBaseURL(baseURL string) Option {
	return func(p *Proxy) {
		p.cfg.Proxy.BaseURL = baseURL
	}
}

// WithLogger sets the proxy logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// WithCallTimeout overrides the default per-call deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		p.cfg.Proxy.CallTimeout = Duration(d)
	}
}

// BackendFactory builds the connection for one validated spec.
type BackendFactory func(spec *BackendSpec, clientInfo mcp.Implementation, logger *slog.Logger) Backend

// WithBackendFactory overrides connection construction, so tests can
// substitute fake backends without touching OS process primitives.
func WithBackendFactory(factory BackendFactory) Option {
	return func(p *Proxy) {
		p.factory = factory
	}
}

// Proxy multiplexes one MCP client surface over any number of backend MCP
// servers. It owns the supervisors, the aggregated catalog, and the
// client-facing transport, and routes every incoming call to the backend
// that advertised the capability.
type Proxy struct {
	cfg    *Config
	logger *slog.Logger

	catalog    *Catalog
	aggregator *Aggregator
	router     *Router
	supervisor *Supervisor
	backends   map[string]Backend
	factory    BackendFactory

	mcpServer *server.MCPServer

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServerFromConfigFile creates a proxy from a YAML configuration file.
func NewServerFromConfigFile(configFile string, opts ...Option) (*Proxy, error) {
	cfg, err := ParseConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return NewServerFromConfig(cfg, opts...)
}

// NewServerFromConfig creates a proxy from a validated configuration.
func NewServerFromConfig(cfg *Config, opts ...Option) (*Proxy, error) {
	if cfg == nil || cfg.Proxy == nil {
		return nil, fmt.Errorf("config is required")
	}

	p := &Proxy{
		cfg:      cfg,
		logger:   slog.Default(),
		catalog:  NewCatalog(),
		backends: make(map[string]Backend, len(cfg.Backends)),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.factory == nil {
		p.factory = func(spec *BackendSpec, clientInfo mcp.Implementation, logger *slog.Logger) Backend {
			return NewConn(spec, clientInfo, logger)
		}
	}

	clientInfo := mcp.Implementation{
		Name:    cfg.Proxy.Name,
		Version: cfg.Proxy.Version,
	}
	for _, spec := range cfg.Backends {
		p.backends[spec.Name] = p.factory(spec, clientInfo, p.logger)
	}

	p.mcpServer = server.NewMCPServer(
		cfg.Proxy.Name, cfg.Proxy.Version,
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithHooks(newServerHooks(p.logger)),
	)

	p.aggregator = NewAggregator(p.catalog, cfg.Proxy.ListTimeout.Or(10*time.Second), p.logger)
	p.aggregator.OnUpdate(p.applyCatalogUpdate)

	p.router = NewRouter(p.catalog, p.backends, cfg.Proxy.CallTimeout.Or(30*time.Second), p.logger)

	p.supervisor = NewSupervisor(SupervisorConfig{
		StartTimeout: cfg.Proxy.StartTimeout.Or(15 * time.Second),
		PingInterval: cfg.Proxy.PingInterval.Or(15 * time.Second),
		MaxRestarts:  cfg.Proxy.MaxRestarts,
		BackoffBase:  cfg.Proxy.BackoffBase.Or(time.Second),
		BackoffCap:   cfg.Proxy.BackoffCap.Or(30 * time.Second),
	}, p.logger, p.onBackendReady, p.onBackendDown)

	return p, nil
}

// Start brings up the backends under supervision and begins serving the
// configured client transport. It does not block; wait on Done() for the
// proxy to finish. Make sure to defer Close() after Start().
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("proxy already started")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	ctx = p.ctx
	p.mu.Unlock()

	for _, b := range p.backends {
		p.wg.Add(1)
		go func(b Backend) {
			defer p.wg.Done()
			p.supervisor.Supervise(ctx, b)
		}(b)
	}

	switch p.cfg.Proxy.Transport {
	case TransportStdio:
		p.serveStdio(ctx)
	case TransportSSE:
		p.serveSSE(ctx)
	default:
		return fmt.Errorf("unknown transport '%s'", p.cfg.Proxy.Transport)
	}

	return nil
}

// Done is closed when the proxy has shut down: context cancellation, a
// fatal serve error, or the stdio client closing its end of the pipe.
func (p *Proxy) Done() <-chan struct{} {
	return p.ctx.Done()
}

// serveStdio serves exactly one client over the proxy's own stdin/stdout.
// When the client closes the stream the whole proxy terminates.
func (p *Proxy) serveStdio(ctx context.Context) {
	stdioServer := server.NewStdioServer(p.mcpServer)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.cancel()

		p.logger.Info("MCP stdio server listening")
		err := stdioServer.Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("stdio server error", "error", err)
			return
		}
		p.logger.Info("stdio client disconnected")
	}()
}

// serveSSE serves any number of clients over HTTP: an SSE stream per
// client for server-to-client events, a message endpoint for calls, and
// the read-only operator API.
func (p *Proxy) serveSSE(ctx context.Context) {
	addr := p.cfg.Proxy.Addr
	baseURL := p.cfg.Proxy.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost%s", addr)
	}

	sseServer := server.NewSSEServer(p.mcpServer,
		server.WithBaseURL(baseURL),
		server.WithUseFullURLForMessageEndpoint(true),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())
	mux.Handle("/api/", p.apiHandler())

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		p.logger.Info("MCP SSE server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.Error("SSE server error", "error", err)
			p.cancel()
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			p.logger.Error("failed to shutdown HTTP server gracefully", "error", err)
		}
	}()
}

// Close shuts the proxy down: the client transport stops, and every
// backend is stopped in parallel with a bounded grace period before
// stragglers are abandoned to process teardown.
func (p *Proxy) Close() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()

	var stops sync.WaitGroup
	for _, b := range p.backends {
		stops.Add(1)
		go func(b Backend) {
			defer stops.Done()
			if err := b.Stop(stopCtx); err != nil {
				p.logger.Warn("backend stop timed out", "backend", b.Name(), "error", err)
			} else {
				p.logger.Info("backend stopped", "backend", b.Name())
			}
		}(b)
	}
	stops.Wait()

	p.wg.Wait()
}

// Router exposes the request router, mainly for embedding and tests.
func (p *Proxy) Router() *Router { return p.router }

// Aggregator exposes the capability aggregator.
func (p *Proxy) Aggregator() *Aggregator { return p.aggregator }

// applyCatalogUpdate mirrors a catalog delta onto the client-facing MCP
// server. Removals run before additions so a reconnecting backend's slice
// is swapped, not doubled; mcp-go emits list-changed notifications to
// connected clients on registration changes.
func (p *Proxy) applyCatalogUpdate(added, removed []Entry) {
	srv := p.mcpServer

	var delTools, delPrompts []string
	for _, e := range removed {
		switch e.Capability {
		case TOOL:
			delTools = append(delTools, e.Exposed)
		case PROMPT:
			delPrompts = append(delPrompts, e.Exposed)
		case RESOURCE:
			srv.RemoveResource(e.Exposed)
		}
	}
	if len(delTools) > 0 {
		srv.DeleteTools(delTools...)
	}
	if len(delPrompts) > 0 {
		srv.DeletePrompts(delPrompts...)
	}

	for _, e := range added {
		switch e.Capability {
		case TOOL:
			tool := e.Tool
			tool.Name = e.Exposed
			srv.AddTool(tool, p.toolHandler(e.Exposed))
		case PROMPT:
			prompt := e.Prompt
			prompt.Name = e.Exposed
			srv.AddPrompt(prompt, p.promptHandler(e.Exposed))
		case RESOURCE:
			res := e.Resource
			res.URI = e.Exposed
			srv.AddResource(res, p.resourceHandler(e.Exposed))
		}
	}
}

func (p *Proxy) onBackendReady(ctx context.Context, b Backend) {
	// Listing failure already withdrew the slice; the supervisor's next
	// probe decides whether the backend itself is still alive.
	_ = p.aggregator.RefreshBackend(ctx, b)
}

func (p *Proxy) onBackendDown(ctx context.Context, b Backend) {
	p.aggregator.Drop(b)
}

// toolHandler bridges one namespaced tool registration to the router.
// Routing failures become protocol-level tool errors; backend results pass
// through unmodified.
func (p *Proxy) toolHandler(exposed string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := p.router.CallTool(ctx, exposed, req.GetArguments())
		if err != nil {
			if isRouteError(err) {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return nil, err
		}
		return res, nil
	}
}

func (p *Proxy) promptHandler(exposed string) server.PromptHandlerFunc {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return p.router.GetPrompt(ctx, exposed, req.Params.Arguments)
	}
}

func (p *Proxy) resourceHandler(exposed string) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		res, err := p.router.ReadResource(ctx, exposed)
		if err != nil {
			return nil, err
		}
		return res.Contents, nil
	}
}

func isRouteError(err error) bool {
	return errors.Is(err, ErrUnknownCapability) ||
		errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrCallTimeout)
}
