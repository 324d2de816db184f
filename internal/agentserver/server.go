// ABOUTME: HTTP server exposing one agent's task protocol
// ABOUTME: JSON-RPC on POST /, SSE for streaming calls, plus card, JWKS and health endpoints

package agentserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/2389/agent-fleet/internal/a2a"
	"github.com/2389/agent-fleet/internal/push"
	"github.com/2389/agent-fleet/internal/task"
	"github.com/2389/agent-fleet/internal/tracing"
)

// Tasks is the task manager the server dispatches to. *task.Manager implements it.
type Tasks interface {
	Send(ctx context.Context, p a2a.TaskSendParams) (*a2a.Task, error)
	SendSubscribe(ctx context.Context, p a2a.TaskSendParams) (<-chan a2a.StreamEvent, error)
	Get(p a2a.TaskQueryParams) (*a2a.Task, error)
	Cancel(p a2a.TaskIDParams) (*a2a.Task, error)
	SetPushNotification(ctx context.Context, p a2a.TaskPushNotificationConfig) (*a2a.TaskPushNotificationConfig, error)
	GetPushNotification(p a2a.TaskIDParams) (*a2a.TaskPushNotificationConfig, error)
	Resubscribe(ctx context.Context, p a2a.TaskIDParams) (<-chan a2a.StreamEvent, error)
	Close()
}

var _ Tasks = (*task.Manager)(nil)

// Options tunes a Server.
type Options struct {
	// RateLimit is the sustained number of RPC calls per second; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Server serves the task protocol of one agent.
type Server struct {
	card    *a2a.AgentCard
	tasks   Tasks
	auth    *push.Auth
	limiter *rate.Limiter
	logger  *slog.Logger

	// baseCtx is the parent of every request context; Shutdown cancels it
	// so open event streams end.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	httpServer *http.Server
}

// New creates a server for the agent described by card.
func New(card *a2a.AgentCard, tasks Tasks, auth *push.Auth, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		card:   card,
		tasks:  tasks,
		auth:   auth,
		logger: logger.With("component", "agentserver", "agent", card.Name),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleCard)
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("agent server listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, ends running tasks and their streams
// and waits for open requests to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	s.tasks.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.writeResponse(w, http.StatusTooManyRequests,
			a2a.NewError(nil, &a2a.Error{Code: a2a.CodeInternalError, Message: "Rate limit exceeded"}))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, a2a.MaxRequestBodySize+1))
	if err != nil {
		s.writeResponse(w, http.StatusBadRequest, a2a.NewError(nil, a2a.ErrParse()))
		return
	}
	if len(body) > a2a.MaxRequestBodySize {
		s.writeResponse(w, http.StatusRequestEntityTooLarge,
			a2a.NewError(nil, a2a.ErrInvalidRequest("request body too large")))
		return
	}

	call, errResp := a2a.Parse(body)
	if errResp != nil {
		s.writeResponse(w, http.StatusBadRequest, errResp)
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "a2a.rpc",
		attribute.String("rpc.method", call.Method()),
		attribute.String("agent", s.card.Name),
	)
	defer span.End()

	s.logger.Debug("rpc call", "method", call.Method())
	s.dispatch(w, r.WithContext(ctx), call)
}

// dispatch runs a parsed call. Streaming calls answer with an event stream,
// everything else with one JSON document.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, call a2a.Call) {
	ctx := r.Context()
	id := call.RequestID()

	switch c := call.(type) {
	case *a2a.GetTask:
		t, err := s.tasks.Get(c.Params)
		s.reply(w, id, t, err)

	case *a2a.SendTask:
		if !a2a.ModesCompatible(a2a.SupportedContentTypes, c.Params.AcceptedOutputModes) {
			s.writeResponse(w, http.StatusOK, a2a.NewError(id, a2a.ErrContentTypeNotSupported()))
			return
		}
		t, err := s.tasks.Send(ctx, c.Params)
		s.reply(w, id, t, err)

	case *a2a.SendTaskSubscribe:
		if !a2a.ModesCompatible(a2a.SupportedContentTypes, c.Params.AcceptedOutputModes) {
			s.writeResponse(w, http.StatusOK, a2a.NewError(id, a2a.ErrContentTypeNotSupported()))
			return
		}
		events, err := s.tasks.SendSubscribe(ctx, c.Params)
		if err != nil {
			s.reply(w, id, nil, err)
			return
		}
		s.stream(w, r, id, events)

	case *a2a.CancelTask:
		t, err := s.tasks.Cancel(c.Params)
		s.reply(w, id, t, err)

	case *a2a.SetPushNotification:
		cfg, err := s.tasks.SetPushNotification(ctx, c.Params)
		s.reply(w, id, cfg, err)

	case *a2a.GetPushNotification:
		cfg, err := s.tasks.GetPushNotification(c.Params)
		s.reply(w, id, cfg, err)

	case *a2a.Resubscribe:
		events, err := s.tasks.Resubscribe(ctx, a2a.TaskIDParams{ID: c.Params.ID, Metadata: c.Params.Metadata})
		if err != nil {
			s.reply(w, id, nil, err)
			return
		}
		s.stream(w, r, id, events)

	default:
		s.logger.Error("unhandled rpc call", "type", fmt.Sprintf("%T", call))
		s.writeResponse(w, http.StatusBadRequest, a2a.NewError(id, a2a.ErrInternal()))
	}
}

// reply writes a result or maps a task error onto its protocol error.
func (s *Server) reply(w http.ResponseWriter, id json.RawMessage, result any, err error) {
	if err == nil {
		s.writeResponse(w, http.StatusOK, a2a.NewResult(id, result))
		return
	}

	var rpcErr *a2a.Error
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		rpcErr = a2a.ErrTaskNotFound()
	case errors.Is(err, task.ErrTaskNotCancelable):
		rpcErr = a2a.ErrTaskNotCancelable()
	case errors.Is(err, task.ErrInvalidPushURL),
		errors.Is(err, task.ErrPushNotConfigured),
		errors.Is(err, task.ErrTaskInProgress):
		rpcErr = a2a.ErrInvalidParams(err.Error())
	default:
		s.logger.Error("rpc dispatch failed", "error", err)
		s.writeResponse(w, http.StatusBadRequest, a2a.NewError(id, a2a.ErrInternal()))
		return
	}
	s.writeResponse(w, http.StatusOK, a2a.NewError(id, rpcErr))
}

// stream writes one SSE frame per event until the final one, the channel
// closes or the client goes away.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, id json.RawMessage, events <-chan a2a.StreamEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.writeResponse(w, http.StatusBadRequest, a2a.NewError(id, a2a.ErrInternal()))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeSSEEvent(w, a2a.NewResult(id, ev)); err != nil {
				s.logger.Debug("stream write failed", "error", err)
				return
			}
			flusher.Flush()
			if ev.Final() {
				return
			}
		}
	}
}

// writeSSEEvent writes a single data-only SSE frame.
func (s *Server) writeSSEEvent(w io.Writer, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
	return err
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.card)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.auth.JWKS())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeResponse(w http.ResponseWriter, status int, resp *a2a.Response) {
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
