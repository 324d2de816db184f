// ABOUTME: Gateway orchestrator that wires the fleet and runs its HTTP and gRPC servers
// ABOUTME: Owns the store, agent lifecycle, status monitor and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/agent-fleet/internal/agentserver"
	"github.com/2389/agent-fleet/internal/config"
	"github.com/2389/agent-fleet/internal/engine"
	"github.com/2389/agent-fleet/internal/fleet"
	"github.com/2389/agent-fleet/internal/health"
	"github.com/2389/agent-fleet/internal/lifecycle"
	"github.com/2389/agent-fleet/internal/mcp"
	"github.com/2389/agent-fleet/internal/ports"
	"github.com/2389/agent-fleet/internal/push"
	"github.com/2389/agent-fleet/internal/store"
	"github.com/2389/agent-fleet/internal/task"
)

// pingTimeout bounds the startup reachability check of the store.
const pingTimeout = 5 * time.Second

// Gateway orchestrates the agent-fleet server components.
// It serves the admin API over HTTP and, when configured, gRPC health.
type Gateway struct {
	config     *config.Config
	store      store.Store
	mcp        mcp.Dialer
	probe      *health.Probe
	providers  engine.ProviderSource
	pushAuth   *push.Auth
	pushSender *push.Sender
	lifecycle  *lifecycle.Manager
	fleet      *fleet.Controller
	monitor    *fleet.Monitor
	health     *grpchealth.Server
	grpcServer *grpc.Server
	httpServer *http.Server
	logger     *slog.Logger

	// shutdownCh is closed when the admin API asks the process to exit.
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// initStore opens the SQLite store and checks that it answers.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AGENT_FLEET_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("store unreachable: %w", err)
	}
	return s, nil
}

func createGRPCServer(healthServer *grpchealth.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, healthServer)
	return server
}

// New builds every component from cfg. It fails when the store cannot be opened.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	pushAuth, err := push.NewAuth()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating push auth: %w", err)
	}

	mcpClient := mcp.NewClient("agent-fleet", agentserver.CardVersion, logger.With("component", "mcp"))
	probe := health.NewProbe(cfg.Agents.ProbeTimeout, mcpClient, logger)
	allocator := ports.NewAllocator(s, cfg.Agents.BasePort, cfg.Agents.MaxPort)

	gw := &Gateway{
		config:   cfg,
		store:    s,
		mcp:      mcpClient,
		probe:    probe,
		pushAuth: pushAuth,
		providers: engine.NewStoreSource(s, engine.BreakerSettings{
			MaxFailures: cfg.Engine.BreakerFailures,
			Timeout:     cfg.Engine.BreakerTimeout,
		}, nil, logger),
		pushSender: push.NewSender(pushAuth, cfg.Push.MaxRetries, logger),
		health:     grpchealth.NewServer(),
		logger:     logger.With("component", "gateway"),
		shutdownCh: make(chan struct{}),
	}

	gw.lifecycle = lifecycle.NewManager(lifecycle.Config{
		MaxRetries:      cfg.Agents.MaxStartRetries,
		RetryDelay:      cfg.Agents.RetryDelay,
		ShutdownTimeout: cfg.Agents.ShutdownTimeout,
	}, s, allocator, probe, gw.buildAgentServer, logger)

	gw.monitor, err = fleet.NewMonitor(s, probe, cfg.Agents.StatusSweep, gw.health, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	gw.fleet = fleet.NewController(s, allocator, probe, gw.lifecycle, gw.monitor, fleet.Options{
		AgentHost:     cfg.Agents.Host,
		ShutdownDelay: cfg.Agents.ShutdownDelay,
		OnShutdown:    gw.requestShutdown,
	}, logger)

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer = createGRPCServer(gw.health)
	}

	mux := http.NewServeMux()
	mux.Handle("/", gw.fleet.Handler())
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// buildAgentServer is the lifecycle factory. It fails when the agent's MCP
// server cannot be listed, since the agent card is built from its tools.
func (g *Gateway) buildAgentServer(ctx context.Context, d *store.AgentDescriptor) (lifecycle.Server, error) {
	cardCtx, cancel := context.WithTimeout(ctx, health.DefaultMCPTimeout)
	defer cancel()

	card, err := agentserver.BuildCard(cardCtx, d, g.mcp)
	if err != nil {
		return nil, err
	}

	logger := g.logger.With("agent", d.Name)
	agent := engine.NewAgent(d, g.mcp, g.providers, g.config.Engine.MaxToolRounds, logger)
	tasks := task.NewManager(agent, g.pushSender, logger)

	return agentserver.New(card, tasks, g.pushAuth, agentserver.Options{
		RateLimit: g.config.Agents.RateLimit,
		RateBurst: g.config.Agents.RateBurst,
	}, logger), nil
}

// requestShutdown makes Run return. Safe to call more than once.
func (g *Gateway) requestShutdown() {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutdown requested through admin API")
		close(g.shutdownCh)
	})
}

func (g *Gateway) startAgents(ctx context.Context) {
	descs, err := g.store.ListAgents(ctx)
	if err != nil {
		g.logger.Error("failed to list stored agents", "error", err)
		return
	}
	running := g.lifecycle.StartAll(ctx, descs)
	g.logger.Info("agent servers started", "running", running, "stored", len(descs))
}

func (g *Gateway) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer == nil {
		return nil, httpLn, nil
	}

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("admin API listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case <-g.shutdownCh:
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the stored agents and serves until ctx is canceled, the admin
// API requests shutdown or a server fails. It always shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners()
	if err != nil {
		return err
	}

	g.startAgents(ctx)
	g.monitor.Start()
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown bounds Shutdown by the configured shutdown timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Agents.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the admin API, every agent server and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.fleet.CancelShutdown()
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.monitor.Stop(ctx)
	g.lifecycle.StopAll(ctx)
	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents running)", len(g.lifecycle.Names()))
}
