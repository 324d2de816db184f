// ABOUTME: Tests for the in-memory task manager
// ABOUTME: A scripted engine drives send, streaming, cancel, resubscribe and push flows

package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-fleet/internal/a2a"
	"github.com/2389/agent-fleet/internal/engine"
)

// fakeEngine yields Steps in order. When block is set, it waits on it (or
// ctx) before answering.
type fakeEngine struct {
	steps []engine.Step
	err   error
	block chan struct{}
}

func (e *fakeEngine) wait(ctx context.Context) error {
	if e.block == nil {
		return nil
	}
	select {
	case <-e.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *fakeEngine) Invoke(ctx context.Context, query, sessionID string) (*engine.Step, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	if e.err != nil {
		return nil, e.err
	}
	last := e.steps[len(e.steps)-1]
	return &last, nil
}

func (e *fakeEngine) Stream(ctx context.Context, query, sessionID string, yield func(engine.Step) error) error {
	for i, s := range e.steps {
		if i == len(e.steps)-1 {
			if err := e.wait(ctx); err != nil {
				return err
			}
		}
		if err := yield(s); err != nil {
			return err
		}
	}
	return e.err
}

type fakeNotifier struct {
	mu    sync.Mutex
	valid bool
	sent  []*a2a.Task
}

func (n *fakeNotifier) Send(ctx context.Context, target, token string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, payload.(*a2a.Task))
	return nil
}

func (n *fakeNotifier) VerifyURL(ctx context.Context, target string) bool { return n.valid }

func (n *fakeNotifier) states() []a2a.TaskState {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []a2a.TaskState
	for _, t := range n.sent {
		out = append(out, t.Status.State)
	}
	return out
}

func sendParams(id, text string) a2a.TaskSendParams {
	return a2a.TaskSendParams{
		ID:        id,
		SessionID: "session-1",
		Message:   a2a.Message{Role: a2a.RoleUser, Parts: []a2a.Part{a2a.TextPart(text)}},
	}
}

func collect(t *testing.T, ch <-chan a2a.StreamEvent) []a2a.StreamEvent {
	t.Helper()
	var events []a2a.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestManager_Send(t *testing.T) {
	m := NewManager(&fakeEngine{steps: []engine.Step{{Content: "42", Complete: true}}}, nil, nil)
	defer m.Close()

	task, err := m.Send(context.Background(), sendParams("t1", "answer?"))
	require.NoError(t, err)

	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, "session-1", task.SessionID)
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)
	require.Len(t, task.Artifacts, 1)
	assert.Equal(t, "42", task.Artifacts[0].Parts[0].Text)
	require.Len(t, task.History, 1)
	assert.Equal(t, "answer?", task.History[0].Text())
}

func TestManager_SendNeedsInput(t *testing.T) {
	m := NewManager(&fakeEngine{steps: []engine.Step{{Content: "which city?", NeedsInput: true}}}, nil, nil)
	defer m.Close()

	task, err := m.Send(context.Background(), sendParams("t1", "weather"))
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateInputRequired, task.Status.State)
	assert.Equal(t, "which city?", task.Status.Message.Text())
}

func TestManager_SendEngineError(t *testing.T) {
	m := NewManager(&fakeEngine{err: errors.New("llm down")}, nil, nil)
	defer m.Close()

	task, err := m.Send(context.Background(), sendParams("t1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateFailed, task.Status.State)
	assert.Contains(t, task.Status.Message.Text(), "llm down")
}

func TestManager_GetHistoryLength(t *testing.T) {
	m := NewManager(&fakeEngine{steps: []engine.Step{{Content: "ok", Complete: true}}}, nil, nil)
	defer m.Close()

	for _, q := range []string{"one", "two", "three"} {
		_, err := m.Send(context.Background(), sendParams("t1", q))
		require.NoError(t, err)
	}

	full, err := m.Get(a2a.TaskQueryParams{ID: "t1"})
	require.NoError(t, err)
	assert.Len(t, full.History, 3)

	two := 2
	trimmed, err := m.Get(a2a.TaskQueryParams{ID: "t1", HistoryLength: &two})
	require.NoError(t, err)
	require.Len(t, trimmed.History, 2)
	assert.Equal(t, "two", trimmed.History[0].Text())

	zero := 0
	none, err := m.Get(a2a.TaskQueryParams{ID: "t1", HistoryLength: &zero})
	require.NoError(t, err)
	assert.Empty(t, none.History)

	_, err = m.Get(a2a.TaskQueryParams{ID: "missing"})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManager_SendSubscribe(t *testing.T) {
	eng := &fakeEngine{steps: []engine.Step{
		{Content: engine.MsgLookingUp},
		{Content: engine.MsgProcessing},
		{Content: "final answer", Complete: true},
	}}
	m := NewManager(eng, nil, nil)
	defer m.Close()

	ch, err := m.SendSubscribe(context.Background(), sendParams("t1", "q"))
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 5)
	assert.Equal(t, a2a.TaskStateWorking, events[0].Status.Status.State)
	assert.Nil(t, events[0].Status.Status.Message)
	assert.Equal(t, engine.MsgLookingUp, events[1].Status.Status.Message.Text())
	assert.Equal(t, engine.MsgProcessing, events[2].Status.Status.Message.Text())
	require.NotNil(t, events[3].Artifact)
	assert.Equal(t, "final answer", events[3].Artifact.Artifact.Parts[0].Text)
	assert.True(t, events[4].Final())
	assert.Equal(t, a2a.TaskStateCompleted, events[4].Status.Status.State)
	for _, ev := range events[:4] {
		assert.False(t, ev.Final())
	}
}

func TestManager_CancelWorkingTask(t *testing.T) {
	eng := &fakeEngine{
		steps: []engine.Step{{Content: "busy"}, {Content: "never", Complete: true}},
		block: make(chan struct{}),
	}
	m := NewManager(eng, nil, nil)
	defer m.Close()

	ch, err := m.SendSubscribe(context.Background(), sendParams("t1", "q"))
	require.NoError(t, err)

	// Wait until the engine reports progress.
	require.Eventually(t, func() bool {
		task, err := m.Get(a2a.TaskQueryParams{ID: "t1"})
		return err == nil && task.Status.Message != nil
	}, 2*time.Second, 5*time.Millisecond)

	_, err = m.Cancel(a2a.TaskIDParams{ID: "t1"})
	require.NoError(t, err)

	events := collect(t, ch)
	last := events[len(events)-1]
	assert.True(t, last.Final())
	assert.Equal(t, a2a.TaskStateCanceled, last.Status.Status.State)

	_, err = m.Cancel(a2a.TaskIDParams{ID: "t1"})
	assert.ErrorIs(t, err, ErrTaskNotCancelable)

	_, err = m.Cancel(a2a.TaskIDParams{ID: "missing"})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManager_CancelCompletedTask(t *testing.T) {
	m := NewManager(&fakeEngine{steps: []engine.Step{{Content: "ok", Complete: true}}}, nil, nil)
	defer m.Close()

	_, err := m.Send(context.Background(), sendParams("t1", "q"))
	require.NoError(t, err)

	_, err = m.Cancel(a2a.TaskIDParams{ID: "t1"})
	assert.ErrorIs(t, err, ErrTaskNotCancelable)
}

func TestManager_Resubscribe(t *testing.T) {
	eng := &fakeEngine{
		steps: []engine.Step{{Content: "working"}, {Content: "done", Complete: true}},
		block: make(chan struct{}),
	}
	m := NewManager(eng, nil, nil)
	defer m.Close()

	ctx, detach := context.WithCancel(context.Background())
	_, err := m.SendSubscribe(ctx, sendParams("t1", "q"))
	require.NoError(t, err)
	detach()

	resub, err := m.Resubscribe(context.Background(), a2a.TaskIDParams{ID: "t1"})
	require.NoError(t, err)
	close(eng.block)

	events := collect(t, resub)
	require.NotEmpty(t, events)
	assert.Equal(t, a2a.TaskStateCompleted, events[len(events)-1].Status.Status.State)

	// A finished task yields exactly one final event.
	again, err := m.Resubscribe(context.Background(), a2a.TaskIDParams{ID: "t1"})
	require.NoError(t, err)
	events = collect(t, again)
	require.Len(t, events, 1)
	assert.True(t, events[0].Final())

	_, err = m.Resubscribe(context.Background(), a2a.TaskIDParams{ID: "missing"})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManager_PushNotifications(t *testing.T) {
	n := &fakeNotifier{valid: true}
	m := NewManager(&fakeEngine{steps: []engine.Step{{Content: "ok", Complete: true}}}, n, nil)

	p := sendParams("t1", "q")
	p.PushNotification = &a2a.PushNotificationConfig{URL: "http://hook.example/cb", Token: "tok"}
	_, err := m.Send(context.Background(), p)
	require.NoError(t, err)

	cfg, err := m.GetPushNotification(a2a.TaskIDParams{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "http://hook.example/cb", cfg.PushNotificationConfig.URL)

	m.Close()
	assert.ElementsMatch(t, []a2a.TaskState{a2a.TaskStateWorking, a2a.TaskStateCompleted}, n.states())
}

func TestManager_SetPushNotification(t *testing.T) {
	n := &fakeNotifier{valid: false}
	m := NewManager(&fakeEngine{steps: []engine.Step{{Content: "ok", Complete: true}}}, n, nil)
	defer m.Close()

	cfg := a2a.TaskPushNotificationConfig{ID: "t1", PushNotificationConfig: a2a.PushNotificationConfig{URL: "http://hook.example"}}

	_, err := m.SetPushNotification(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = m.Send(context.Background(), sendParams("t1", "q"))
	require.NoError(t, err)

	_, err = m.GetPushNotification(a2a.TaskIDParams{ID: "t1"})
	assert.ErrorIs(t, err, ErrPushNotConfigured)

	_, err = m.SetPushNotification(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidPushURL)

	n.valid = true
	got, err := m.SetPushNotification(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "http://hook.example", got.PushNotificationConfig.URL)
}

func TestManager_CloseEndsStreams(t *testing.T) {
	eng := &fakeEngine{
		steps: []engine.Step{{Content: "working"}, {Content: "never", Complete: true}},
		block: make(chan struct{}),
	}
	m := NewManager(eng, nil, nil)

	ch, err := m.SendSubscribe(context.Background(), sendParams("t1", "q"))
	require.NoError(t, err)

	m.Close()
	events := collect(t, ch)
	require.NotEmpty(t, events)
	assert.Equal(t, a2a.TaskStateCanceled, events[len(events)-1].Status.Status.State)

	_, err = m.Send(context.Background(), sendParams("t2", "q"))
	assert.ErrorIs(t, err, ErrManagerClosed)
}
