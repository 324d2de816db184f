// ABOUTME: In-memory task manager for one agent
// ABOUTME: Runs tasks through the engine, fans out stream events and delivers push notifications

package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agent-fleet/internal/a2a"
	"github.com/2389/agent-fleet/internal/engine"
)

// Errors returned by Manager.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskNotCancelable = errors.New("task cannot be canceled")
	ErrInvalidPushURL    = errors.New("push notification URL is invalid")
	ErrPushNotConfigured = errors.New("push notification not configured for task")
	ErrTaskInProgress    = errors.New("task is already being worked on")
	ErrManagerClosed     = errors.New("task manager closed")
)

const (
	// subscriberBuffer is the number of events a slow stream consumer may lag behind.
	subscriberBuffer = 16
	pushTimeout      = 30 * time.Second
)

// Notifier delivers push notifications. *push.Sender implements it.
type Notifier interface {
	Send(ctx context.Context, target, token string, payload any) error
	VerifyURL(ctx context.Context, target string) bool
}

// Manager owns the tasks of one agent. Tasks live only in memory.
type Manager struct {
	engine   engine.Engine
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	// ctx bounds background task work; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*record
	closed bool
}

type record struct {
	task    a2a.Task
	push    *a2a.PushNotificationConfig
	cancel  context.CancelFunc // non-nil while the engine works on the task
	subs    map[*subscriber]struct{}
	stopped bool // cancel requested
}

type subscriber struct {
	ch   chan a2a.StreamEvent
	done chan struct{}
	once sync.Once
}

func (s *subscriber) detach() {
	s.once.Do(func() { close(s.done) })
}

// NewManager creates a manager answering with eng. notifier may be nil, in
// which case push notification configs are rejected.
func NewManager(eng engine.Engine, notifier Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:   eng,
		notifier: notifier,
		logger:   logger.With("component", "tasks"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*record),
	}
}

// Send runs the task to completion and returns its final state.
// Cancellation of ctx or a tasks/cancel call ends the task as canceled.
func (m *Manager) Send(ctx context.Context, p a2a.TaskSendParams) (*a2a.Task, error) {
	if err := m.checkPush(ctx, p.PushNotification); err != nil {
		return nil, err
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	if err := m.begin(p, cancel); err != nil {
		return nil, err
	}
	m.transition(p.ID, a2a.TaskStatus{State: a2a.TaskStateWorking}, false)

	step, err := m.engine.Invoke(workCtx, p.Message.Text(), p.SessionID)
	m.finish(p.ID, step, err)

	return m.snapshot(p.ID, p.HistoryLength)
}

// SendSubscribe starts the task in the background and returns a stream of its
// events. The stream ends with a final status event; detaching the consumer
// by canceling ctx leaves the task running.
func (m *Manager) SendSubscribe(ctx context.Context, p a2a.TaskSendParams) (<-chan a2a.StreamEvent, error) {
	if err := m.checkPush(ctx, p.PushNotification); err != nil {
		return nil, err
	}

	workCtx, cancel := context.WithCancel(m.ctx)
	if err := m.begin(p, cancel); err != nil {
		cancel()
		return nil, err
	}

	sub, err := m.subscribe(ctx, p.ID)
	if err != nil {
		cancel()
		return nil, err
	}
	m.transition(p.ID, a2a.TaskStatus{State: a2a.TaskStateWorking}, false)

	started := m.goTracked(func() {
		defer cancel()

		var final *engine.Step
		err := m.engine.Stream(workCtx, p.Message.Text(), p.SessionID, func(s engine.Step) error {
			if s.Complete || s.NeedsInput {
				final = &s
				return nil
			}
			m.progress(p.ID, s.Content)
			return workCtx.Err()
		})
		m.finish(p.ID, final, err)
	})
	if !started {
		cancel()
		m.finish(p.ID, nil, context.Canceled)
	}

	return sub, nil
}

// Get returns the task with its history trimmed to historyLength messages.
func (m *Manager) Get(p a2a.TaskQueryParams) (*a2a.Task, error) {
	return m.snapshot(p.ID, p.HistoryLength)
}

// Cancel stops a task the engine is working on. Tasks in a terminal state
// cannot be canceled.
func (m *Manager) Cancel(p a2a.TaskIDParams) (*a2a.Task, error) {
	m.mu.Lock()
	rec, ok := m.tasks[p.ID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	if rec.task.Status.State.Terminal() || rec.cancel == nil {
		m.mu.Unlock()
		return nil, ErrTaskNotCancelable
	}
	rec.stopped = true
	rec.cancel()
	m.mu.Unlock()

	m.logger.Info("task cancel requested", "task_id", p.ID)
	return m.snapshot(p.ID, nil)
}

// SetPushNotification registers a callback URL for a task after verifying it.
func (m *Manager) SetPushNotification(ctx context.Context, p a2a.TaskPushNotificationConfig) (*a2a.TaskPushNotificationConfig, error) {
	m.mu.Lock()
	_, ok := m.tasks[p.ID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrTaskNotFound
	}

	if err := m.checkPush(ctx, &p.PushNotificationConfig); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[p.ID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cfg := p.PushNotificationConfig
	rec.push = &cfg
	return &p, nil
}

// GetPushNotification returns the callback registered for a task.
func (m *Manager) GetPushNotification(p a2a.TaskIDParams) (*a2a.TaskPushNotificationConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[p.ID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if rec.push == nil {
		return nil, ErrPushNotConfigured
	}
	return &a2a.TaskPushNotificationConfig{ID: p.ID, PushNotificationConfig: *rec.push}, nil
}

// Resubscribe attaches a new consumer to a task's events. A task that has
// already finished yields a single final status event.
func (m *Manager) Resubscribe(ctx context.Context, p a2a.TaskIDParams) (<-chan a2a.StreamEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[p.ID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if rec.cancel == nil {
		ch := make(chan a2a.StreamEvent, 1)
		ch <- a2a.StreamEvent{Status: &a2a.TaskStatusUpdateEvent{ID: p.ID, Status: rec.task.Status, Final: true}}
		close(ch)
		return ch, nil
	}
	return m.subscribeLocked(ctx, p.ID, rec), nil
}

// Close cancels all running tasks, ends their streams and waits for background work.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// checkPush verifies a callback URL before it is accepted.
func (m *Manager) checkPush(ctx context.Context, cfg *a2a.PushNotificationConfig) error {
	if cfg == nil {
		return nil
	}
	if m.notifier == nil || !m.notifier.VerifyURL(ctx, cfg.URL) {
		return ErrInvalidPushURL
	}
	return nil
}

// begin records the incoming message and marks the task as being worked on.
func (m *Manager) begin(p a2a.TaskSendParams, cancel context.CancelFunc) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}

	rec, ok := m.tasks[p.ID]
	if !ok {
		rec = &record{
			task: a2a.Task{
				ID:        p.ID,
				SessionID: p.SessionID,
				Status:    a2a.TaskStatus{State: a2a.TaskStateSubmitted, Timestamp: m.now()},
				Metadata:  p.Metadata,
			},
			subs: make(map[*subscriber]struct{}),
		}
		m.tasks[p.ID] = rec
	} else if rec.cancel != nil {
		m.mu.Unlock()
		return ErrTaskInProgress
	}

	if p.PushNotification != nil {
		cfg := *p.PushNotification
		rec.push = &cfg
	}
	rec.task.History = append(rec.task.History, p.Message)
	rec.cancel = cancel
	rec.stopped = false
	m.mu.Unlock()

	m.logger.Debug("task started", "task_id", p.ID, "session_id", p.SessionID)
	return nil
}

// progress publishes an intermediate engine step.
func (m *Manager) progress(id, content string) {
	m.transition(id, a2a.TaskStatus{State: a2a.TaskStateWorking, Message: a2a.AgentText(content)}, false)
}

// finish records the engine outcome and publishes the final events.
func (m *Manager) finish(id string, step *engine.Step, err error) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	stopped := rec.stopped
	rec.cancel = nil
	m.mu.Unlock()

	switch {
	case stopped || errors.Is(err, context.Canceled):
		m.transition(id, a2a.TaskStatus{State: a2a.TaskStateCanceled}, true)

	case err != nil:
		m.logger.Error("task failed", "task_id", id, "error", err)
		m.transition(id, a2a.TaskStatus{
			State:   a2a.TaskStateFailed,
			Message: a2a.AgentText(fmt.Sprintf("task failed: %v", err)),
		}, true)

	case step == nil:
		m.transition(id, a2a.TaskStatus{
			State:   a2a.TaskStateFailed,
			Message: a2a.AgentText("task failed: no answer produced"),
		}, true)

	case step.NeedsInput:
		m.transition(id, a2a.TaskStatus{
			State:   a2a.TaskStateInputRequired,
			Message: a2a.AgentText(step.Content),
		}, true)

	default:
		artifact := a2a.Artifact{Parts: []a2a.Part{a2a.TextPart(step.Content)}}
		m.mu.Lock()
		artifact.Index = len(rec.task.Artifacts)
		rec.task.Artifacts = append(rec.task.Artifacts, artifact)
		m.mu.Unlock()

		m.publish(id, a2a.StreamEvent{Artifact: &a2a.TaskArtifactUpdateEvent{ID: id, Artifact: artifact}}, false)
		m.transition(id, a2a.TaskStatus{State: a2a.TaskStateCompleted}, true)
	}
}

// transition sets a task's status, streams it and pushes it to the callback.
func (m *Manager) transition(id string, status a2a.TaskStatus, final bool) {
	status.Timestamp = m.now()

	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.task.Status = status
	if status.Message != nil {
		rec.task.History = append(rec.task.History, *status.Message)
	}
	push := rec.push
	snapshot := copyTask(&rec.task, nil)
	m.mu.Unlock()

	m.publish(id, a2a.StreamEvent{Status: &a2a.TaskStatusUpdateEvent{ID: id, Status: status, Final: final}}, final)

	if push != nil {
		m.notify(*push, snapshot)
	}
}

// publish hands ev to every subscriber. After a final event the streams are closed.
func (m *Manager) publish(id string, ev a2a.StreamEvent, final bool) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(rec.subs))
	for s := range rec.subs {
		subs = append(subs, s)
	}
	if final {
		rec.subs = make(map[*subscriber]struct{})
	}
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
		if final {
			close(s.ch)
		}
	}
}

// subscribe registers a stream consumer. Canceling ctx detaches it.
func (m *Manager) subscribe(ctx context.Context, id string) (<-chan a2a.StreamEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return m.subscribeLocked(ctx, id, rec), nil
}

func (m *Manager) subscribeLocked(ctx context.Context, id string, rec *record) <-chan a2a.StreamEvent {
	sub := &subscriber{
		ch:   make(chan a2a.StreamEvent, subscriberBuffer),
		done: make(chan struct{}),
	}
	rec.subs[sub] = struct{}{}

	context.AfterFunc(ctx, func() {
		m.mu.Lock()
		if r, ok := m.tasks[id]; ok {
			delete(r.subs, sub)
		}
		m.mu.Unlock()
		sub.detach()
	})
	return sub.ch
}

func (m *Manager) notify(cfg a2a.PushNotificationConfig, task *a2a.Task) {
	m.goTracked(func() {
		// Deliveries outlive the request that triggered them but not the manager.
		ctx, cancel := context.WithTimeout(m.ctx, pushTimeout)
		defer cancel()
		if err := m.notifier.Send(ctx, cfg.URL, cfg.Token, task); err != nil {
			m.logger.Warn("push notification failed", "task_id", task.ID, "url", cfg.URL, "error", err)
		}
	})
}

// goTracked runs fn in a goroutine Close waits for. It reports false once the
// manager is closed.
func (m *Manager) goTracked(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

func (m *Manager) snapshot(id string, historyLength *int) (*a2a.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return copyTask(&rec.task, historyLength), nil
}

// copyTask returns a copy safe to hand out, keeping only the last
// historyLength messages when it is set.
func copyTask(t *a2a.Task, historyLength *int) *a2a.Task {
	out := *t
	out.Artifacts = append([]a2a.Artifact(nil), t.Artifacts...)

	history := t.History
	if historyLength != nil {
		n := *historyLength
		switch {
		case n <= 0:
			history = nil
		case n < len(history):
			history = history[len(history)-n:]
		}
	}
	out.History = append([]a2a.Message(nil), history...)
	return &out
}
