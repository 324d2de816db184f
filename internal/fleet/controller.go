// ABOUTME: Admin HTTP API for the agent fleet
// ABOUTME: Lists, creates, deletes and refreshes agents and manages the provider config

package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/agent-fleet/internal/config"
	"github.com/2389/agent-fleet/internal/health"
	"github.com/2389/agent-fleet/internal/lifecycle"
	"github.com/2389/agent-fleet/internal/ports"
	"github.com/2389/agent-fleet/internal/store"
)

// ErrAgentExists is returned when creating an agent whose name is taken.
var ErrAgentExists = errors.New("agent already exists")

// probeConcurrency bounds the number of agents probed at once by the list handler.
const probeConcurrency = 16

// Lifecycle starts and stops agent servers. *lifecycle.Manager implements it.
type Lifecycle interface {
	Start(ctx context.Context, d *store.AgentDescriptor) (*store.AgentDescriptor, error)
	Stop(ctx context.Context, name string) error
	StopAll(ctx context.Context)
}

// Prober classifies agent health. *health.Probe implements it.
type Prober interface {
	Reachable(ctx context.Context, host string, port int) (health.State, string)
	Downstream(ctx context.Context, d *store.AgentDescriptor) error
	Check(ctx context.Context, d *store.AgentDescriptor) health.Status
	Stamp(state health.State, cause string) health.Status
}

// PortAllocator hands out ports for new agents. *ports.Allocator implements it.
type PortAllocator interface {
	Next(ctx context.Context, excluded ports.Set) (int, error)
}

var (
	_ Lifecycle     = (*lifecycle.Manager)(nil)
	_ Prober        = (*health.Probe)(nil)
	_ PortAllocator = (*ports.Allocator)(nil)
)

// Options configures a Controller.
type Options struct {
	// AgentHost is the host new agents bind to.
	AgentHost string
	// ShutdownDelay is how long after a shutdown request OnShutdown runs.
	ShutdownDelay time.Duration
	// OnShutdown is called once, after ShutdownDelay, when shutdown is requested.
	OnShutdown func()
	// Getenv reads the provider fallback. Defaults to os.Getenv.
	Getenv func(string) string
}

// Controller serves the admin API.
type Controller struct {
	store     store.Store
	ports     PortAllocator
	probe     Prober
	lifecycle Lifecycle
	monitor   *Monitor
	opts      Options
	logger    *slog.Logger

	shutdownMu    sync.Mutex
	shutdownTimer *time.Timer
}

// NewController creates an admin API controller. monitor may be nil.
func NewController(st store.Store, alloc PortAllocator, probe Prober, lc Lifecycle, monitor *Monitor, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AgentHost == "" {
		opts.AgentHost = config.DefaultAgentHost
	}
	if opts.ShutdownDelay == 0 {
		opts.ShutdownDelay = config.DefaultShutdownDelay
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	return &Controller{
		store:     st,
		ports:     alloc,
		probe:     probe,
		lifecycle: lc,
		monitor:   monitor,
		opts:      opts,
		logger:    logger.With("component", "fleet"),
	}
}

// AgentView is a stored descriptor together with its latest health.
type AgentView struct {
	*store.AgentDescriptor
	health.Status
}

type createAgentRequest struct {
	Name         string `json:"agent_name"`
	Description  string `json:"agent_description"`
	Prompt       string `json:"agent_prompt"`
	MCPAddress   string `json:"mcp_address"`
	MCPTransport string `json:"mcp_transport_type"`
}

func (r *createAgentRequest) validate() error {
	switch {
	case r.Name == "":
		return errors.New("agent_name is required")
	case r.MCPAddress == "":
		return errors.New("mcp_address is required")
	case r.MCPTransport == "":
		return errors.New("mcp_transport_type is required")
	}
	return nil
}

// Handler returns the admin API routes. Legacy paths are served as aliases.
func (c *Controller) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", c.handleHealth)

	mux.HandleFunc("GET /agents", c.handleList)
	mux.HandleFunc("GET /api/agent-servers", c.handleList)

	mux.HandleFunc("POST /agents", c.handleCreate)
	mux.HandleFunc("POST /api/agent", c.handleCreate)

	mux.HandleFunc("DELETE /agents/{name}", c.handleDelete)
	mux.HandleFunc("DELETE /api/agent/{name}", c.handleDelete)

	mux.HandleFunc("POST /agents/{name}/refresh", c.handleRefresh)
	mux.HandleFunc("POST /api/agent/{name}/refresh", c.handleRefresh)

	mux.HandleFunc("GET /llm-provider-config", c.handleGetProvider)
	mux.HandleFunc("GET /api/llm-provider-config", c.handleGetProvider)
	mux.HandleFunc("POST /llm-provider-config", c.handleSetProvider)
	mux.HandleFunc("POST /api/llm-provider-config", c.handleSetProvider)

	mux.HandleFunc("POST /shutdown", c.handleShutdown)
	mux.HandleFunc("POST /api/shutdown", c.handleShutdown)

	return mux
}

func (c *Controller) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// List returns every stored agent with a fresh health status. Agents are
// probed concurrently.
func (c *Controller) List(ctx context.Context) ([]AgentView, error) {
	descs, err := c.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	views := make([]AgentView, len(descs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i, d := range descs {
		g.Go(func() error {
			views[i] = AgentView{AgentDescriptor: d, Status: c.probe.Check(gctx, d)}
			return nil
		})
	}
	_ = g.Wait()

	c.record(views...)
	return views, nil
}

func (c *Controller) handleList(w http.ResponseWriter, r *http.Request) {
	views, err := c.List(r.Context())
	if err != nil {
		c.logger.Error("failed to list agents", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

// Create stores a new agent on a freshly allocated port and starts it. When
// the start fails for any reason but port exhaustion the descriptor is
// removed again.
func (c *Controller) Create(ctx context.Context, d *store.AgentDescriptor) (*store.AgentDescriptor, error) {
	if _, err := c.store.GetAgent(ctx, d.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, d.Name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up agent: %w", err)
	}

	port, err := c.ports.Next(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("allocating port: %w", err)
	}
	d.Host = c.opts.AgentHost
	d.Port = port

	id, err := c.store.SaveAgent(ctx, d)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateAgent) {
			return nil, fmt.Errorf("%w: %s", ErrAgentExists, d.Name)
		}
		return nil, fmt.Errorf("saving agent: %w", err)
	}
	d.ID = id

	running, err := c.lifecycle.Start(ctx, d)
	switch {
	case err == nil:
		running.ID = id
		c.logger.Info("agent created", "agent", d.Name, "addr", running.Addr())
		return running, nil
	case errors.Is(err, lifecycle.ErrPortExhausted):
		// Stored but not running; a refresh retries the start.
		c.logger.Warn("agent created without a server", "agent", d.Name, "error", err)
		return c.stored(ctx, d)
	default:
		c.forget(ctx, d.Name)
		return nil, err
	}
}

// forget removes a descriptor whose first start failed.
func (c *Controller) forget(ctx context.Context, name string) {
	if _, err := c.store.DeleteAgentByName(context.WithoutCancel(ctx), name); err != nil {
		c.logger.Error("failed to remove agent after start failure", "agent", name, "error", err)
	}
}

// stored re-reads d so the response carries any port the lifecycle persisted.
func (c *Controller) stored(ctx context.Context, d *store.AgentDescriptor) (*store.AgentDescriptor, error) {
	latest, err := c.store.GetAgent(ctx, d.Name)
	if err != nil {
		return d, nil
	}
	return latest, nil
}

func (c *Controller) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	agent, err := c.Create(r.Context(), &store.AgentDescriptor{
		Name:         req.Name,
		Description:  req.Description,
		Prompt:       req.Prompt,
		MCPAddress:   req.MCPAddress,
		MCPTransport: req.MCPTransport,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]any{"agent": agent})
	case errors.Is(err, ErrAgentExists):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Agent with name '%s' already exists.", req.Name))
	case errors.Is(err, lifecycle.ErrDownstreamUnreachable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		c.logger.Error("failed to create agent", "agent", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (c *Controller) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ctx := r.Context()

	if _, err := c.store.GetAgent(ctx, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Agent '%s' not found.", name))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := c.lifecycle.Stop(ctx, name); err != nil {
		c.logger.Error("failed to stop agent server", "agent", name, "error", err)
	}

	deleted, err := c.store.DeleteAgentByName(ctx, name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if deleted == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Agent '%s' not found in DB.", name))
		return
	}
	c.unmonitor(name)

	c.logger.Info("agent deleted", "agent", name)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Agent '%s' deleted and server stopped.", name),
	})
}

// Refresh re-probes one agent, starting its server when nothing answers on
// its port. A failed start is reported as the error state.
func (c *Controller) Refresh(ctx context.Context, name string) (*AgentView, error) {
	d, err := c.store.GetAgent(ctx, name)
	if err != nil {
		return nil, err
	}

	view := &AgentView{AgentDescriptor: d}
	if state, _ := c.probe.Reachable(ctx, d.Host, d.Port); state == health.StateRunning {
		view.Status = c.downstream(ctx, d)
		c.record(*view)
		return view, nil
	}

	running, err := c.lifecycle.Start(ctx, d)
	if err != nil {
		c.logger.Warn("refresh could not start agent", "agent", name, "error", err)
		view.Status = c.probe.Stamp(health.StateError, err.Error())
		c.record(*view)
		return view, nil
	}
	running.ID = d.ID
	view.AgentDescriptor = running

	if state, _ := c.probe.Reachable(ctx, running.Host, running.Port); state == health.StateRunning {
		view.Status = c.downstream(ctx, running)
	} else {
		view.Status = c.probe.Stamp(health.StateNotConnected, "")
	}
	c.record(*view)
	return view, nil
}

func (c *Controller) downstream(ctx context.Context, d *store.AgentDescriptor) health.Status {
	if err := c.probe.Downstream(ctx, d); err != nil {
		return c.probe.Stamp(health.StateMCPError, err.Error())
	}
	return c.probe.Stamp(health.StateRunning, "")
}

func (c *Controller) handleRefresh(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	view, err := c.Refresh(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"agent": view})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("Agent '%s' not found.", name))
	default:
		c.logger.Error("failed to refresh agent", "agent", name, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (c *Controller) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	doc, err := c.store.GetProviderConfig(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, doc)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("failed to read provider config", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	p, err := config.ResolveProvider(nil, c.opts.Getenv)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p.Document())
}

func (c *Controller) handleSetProvider(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}

	doc := make(store.ProviderConfig, len(body))
	for k, v := range body {
		if k == "id" || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			doc[k] = s
		} else {
			doc[k] = fmt.Sprint(v)
		}
	}
	if _, err := config.ResolveProvider(doc, c.opts.Getenv); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	id, err := c.store.SaveProviderConfig(r.Context(), doc)
	if err != nil {
		c.logger.Error("failed to save provider config", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	c.logger.Info("provider config updated", "provider", doc["LLM_PROVIDER"])
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

// Shutdown stops every agent server and schedules OnShutdown. Repeated calls
// while a shutdown is pending do not reschedule it.
func (c *Controller) Shutdown(ctx context.Context) {
	// The caller going away must not leave agents running.
	c.lifecycle.StopAll(context.WithoutCancel(ctx))

	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	if c.shutdownTimer != nil || c.opts.OnShutdown == nil {
		return
	}
	c.logger.Info("shutdown requested", "delay", c.opts.ShutdownDelay)
	c.shutdownTimer = time.AfterFunc(c.opts.ShutdownDelay, c.opts.OnShutdown)
}

// CancelShutdown stops a pending shutdown timer. It reports whether one was pending.
func (c *Controller) CancelShutdown() bool {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	if c.shutdownTimer == nil {
		return false
	}
	stopped := c.shutdownTimer.Stop()
	c.shutdownTimer = nil
	return stopped
}

func (c *Controller) handleShutdown(w http.ResponseWriter, r *http.Request) {
	c.Shutdown(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Backend engine and all agent servers are shutting down",
		"status":  "shutting_down",
	})
}

func (c *Controller) record(views ...AgentView) {
	if c.monitor == nil {
		return
	}
	for _, v := range views {
		c.monitor.Record(v.Name, v.Status)
	}
}

func (c *Controller) unmonitor(name string) {
	if c.monitor != nil {
		c.monitor.Forget(name)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
