// ABOUTME: Tests for the per-agent task protocol server
// ABOUTME: Drives the JSON-RPC and SSE surface through httptest with a scripted engine

package agentserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-fleet/internal/a2a"
	"github.com/2389/agent-fleet/internal/engine"
	"github.com/2389/agent-fleet/internal/mcp"
	"github.com/2389/agent-fleet/internal/mcp/mcptest"
	"github.com/2389/agent-fleet/internal/push"
	"github.com/2389/agent-fleet/internal/store"
	"github.com/2389/agent-fleet/internal/task"
)

type scriptedEngine struct {
	steps []engine.Step
	block chan struct{}
}

func (e *scriptedEngine) Invoke(ctx context.Context, query, sessionID string) (*engine.Step, error) {
	last := e.steps[len(e.steps)-1]
	return &last, nil
}

func (e *scriptedEngine) Stream(ctx context.Context, query, sessionID string, yield func(engine.Step) error) error {
	for _, s := range e.steps {
		if s.Complete && e.block != nil {
			select {
			case <-e.block:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := yield(s); err != nil {
			return err
		}
	}
	return nil
}

var testCard = &a2a.AgentCard{
	Name:               "docs",
	URL:                "http://localhost:10000/",
	Version:            CardVersion,
	DefaultInputModes:  a2a.SupportedContentTypes,
	DefaultOutputModes: a2a.SupportedContentTypes,
}

func newTestServer(t *testing.T, eng engine.Engine, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	auth, err := push.NewAuth()
	require.NoError(t, err)

	s := New(testCard, task.NewManager(eng, nil, nil), auth, opts, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.tasks.Close()
	})
	return s, ts
}

func postRPC(t *testing.T, url, body string) (*http.Response, a2a.Response) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out a2a.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

const sendBody = `{"jsonrpc":"2.0","id":1,"method":"%s","params":{"id":"t1","sessionId":"s1","message":{"role":"user","parts":[{"type":"text","text":"hi"}]}}}`

func rpcBody(method string) string {
	return strings.Replace(sendBody, "%s", method, 1)
}

func TestServer_ParseErrors(t *testing.T) {
	_, ts := newTestServer(t, &scriptedEngine{}, Options{})

	tests := []struct {
		name string
		body string
		code int
		id   string
	}{
		{"invalid json", `{not json`, a2a.CodeParseError, "null"},
		{"not an object", `[1,2]`, a2a.CodeInvalidRequest, "null"},
		{"wrong version", `{"jsonrpc":"1.0","id":3,"method":"tasks/get","params":{"id":"x"}}`, a2a.CodeInvalidRequest, "3"},
		{"unknown method", `{"jsonrpc":"2.0","id":"a","method":"tasks/explode","params":{}}`, a2a.CodeMethodNotFound, `"a"`},
		{"missing params", `{"jsonrpc":"2.0","id":4,"method":"tasks/get"}`, a2a.CodeInvalidRequest, "4"},
		{"bad params", `{"jsonrpc":"2.0","id":5,"method":"tasks/get","params":{"id":7}}`, a2a.CodeInvalidRequest, "5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postRPC(t, ts.URL+"/", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.NotNil(t, out.Error)
			assert.Equal(t, tt.code, out.Error.Code)
			assert.JSONEq(t, tt.id, string(out.ID))
		})
	}
}

func TestServer_SendAndGet(t *testing.T) {
	_, ts := newTestServer(t, &scriptedEngine{steps: []engine.Step{{Content: "hello back", Complete: true}}}, Options{})

	resp, out := postRPC(t, ts.URL+"/", rpcBody(a2a.MethodSendTask))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, out.Error)

	raw, err := json.Marshal(out.Result)
	require.NoError(t, err)
	var got a2a.Task
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, a2a.TaskStateCompleted, got.Status.State)
	assert.Equal(t, "hello back", got.Artifacts[0].Parts[0].Text)

	_, out = postRPC(t, ts.URL+"/", `{"jsonrpc":"2.0","id":2,"method":"tasks/get","params":{"id":"t1"}}`)
	require.Nil(t, out.Error)

	_, out = postRPC(t, ts.URL+"/", `{"jsonrpc":"2.0","id":3,"method":"tasks/get","params":{"id":"nope"}}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeTaskNotFound, out.Error.Code)

	_, out = postRPC(t, ts.URL+"/", `{"jsonrpc":"2.0","id":4,"method":"tasks/cancel","params":{"id":"t1"}}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeTaskNotCancelable, out.Error.Code)

	_, out = postRPC(t, ts.URL+"/", `{"jsonrpc":"2.0","id":5,"method":"tasks/pushNotification/get","params":{"id":"t1"}}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeInvalidParams, out.Error.Code)
}

func TestServer_IncompatibleOutputModes(t *testing.T) {
	_, ts := newTestServer(t, &scriptedEngine{steps: []engine.Step{{Content: "x", Complete: true}}}, Options{})

	body := `{"jsonrpc":"2.0","id":1,"method":"tasks/send","params":{"id":"t1","acceptedOutputModes":["image/png"],"message":{"role":"user","parts":[{"type":"text","text":"hi"}]}}}`
	_, out := postRPC(t, ts.URL+"/", body)
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.CodeContentTypeNotSupported, out.Error.Code)
}

// readFrames reads SSE data frames until the stream ends.
func readFrames(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	var frames []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		frames = append(frames, frame)
	}
	return frames
}

func TestServer_SendSubscribeStreams(t *testing.T) {
	eng := &scriptedEngine{steps: []engine.Step{
		{Content: engine.MsgLookingUp},
		{Content: engine.MsgProcessing},
		{Content: "streamed answer", Complete: true},
	}}
	_, ts := newTestServer(t, eng, Options{})

	resp, err := http.Post(ts.URL+"/", "application/json", strings.NewReader(rpcBody(a2a.MethodSendTaskSubscribe)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readFrames(t, resp)
	require.Len(t, frames, 5)
	for _, f := range frames {
		assert.Equal(t, "2.0", f["jsonrpc"])
		assert.EqualValues(t, 1, f["id"])
	}
	last := frames[len(frames)-1]["result"].(map[string]any)
	assert.Equal(t, true, last["final"])
	assert.Equal(t, "completed", last["status"].(map[string]any)["state"])

	artifact := frames[3]["result"].(map[string]any)["artifact"].(map[string]any)
	assert.Equal(t, "streamed answer", artifact["parts"].([]any)[0].(map[string]any)["text"])
}

func TestServer_ShutdownEndsStream(t *testing.T) {
	eng := &scriptedEngine{
		steps: []engine.Step{{Content: "working"}, {Content: "never", Complete: true}},
		block: make(chan struct{}),
	}
	auth, err := push.NewAuth()
	require.NoError(t, err)
	s := New(testCard, task.NewManager(eng, nil, nil), auth, Options{}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	resp, err := http.Post("http://"+ln.Addr().String()+"/", "application/json",
		strings.NewReader(rpcBody(a2a.MethodSendTaskSubscribe)))
	require.NoError(t, err)
	defer resp.Body.Close()

	framesCh := make(chan []map[string]any, 1)
	go func() { framesCh <- readFrames(t, resp) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case <-framesCh:
	case <-time.After(5 * time.Second):
		t.Fatal("stream was not terminated by shutdown")
	}
	require.NoError(t, <-served)

	_, err = net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener should be released")
}

func TestServer_Discovery(t *testing.T) {
	s, ts := newTestServer(t, &scriptedEngine{}, Options{})

	resp, err := http.Get(ts.URL + "/.well-known/agent.json")
	require.NoError(t, err)
	var card a2a.AgentCard
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&card))
	resp.Body.Close()
	assert.Equal(t, "docs", card.Name)
	assert.Equal(t, "1.0.0", card.Version)

	resp, err = http.Get(ts.URL + "/.well-known/jwks.json")
	require.NoError(t, err)
	var set push.JWKSet
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
	resp.Body.Close()
	require.Len(t, set.Keys, 1)
	assert.Equal(t, s.auth.KeyID(), set.Keys[0].Kid)

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
}

func TestServer_RateLimit(t *testing.T) {
	_, ts := newTestServer(t, &scriptedEngine{}, Options{RateLimit: 0.001, RateBurst: 1})

	body := `{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"id":"x"}}`
	resp, _ := postRPC(t, ts.URL+"/", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := postRPC(t, ts.URL+"/", body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotNil(t, out.Error)
}

func TestBuildCard(t *testing.T) {
	dialer := &mcptest.Dialer{Tools: []mcp.Tool{
		{Name: "search docs", Description: "full text search"},
		{Name: "fetch"},
	}}
	d := &store.AgentDescriptor{Name: "docs", Description: "Docs agent", Host: "localhost", Port: 10001,
		MCPAddress: "http://localhost:8000", MCPTransport: mcp.TransportStreamableHTTP}

	card, err := BuildCard(context.Background(), d, dialer)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:10001/", card.URL)
	assert.Equal(t, []string{"text", "text/plain"}, card.DefaultInputModes)
	assert.True(t, card.Capabilities.PushNotifications)
	require.Len(t, card.Skills, 2)
	assert.Equal(t, "search_docs", card.Skills[0].ID)
	assert.Equal(t, "search docs", card.Skills[0].Name)

	dialer.SetErr(errors.New("connection refused"))
	_, err = BuildCard(context.Background(), d, dialer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}
