// ABOUTME: Tests for push notification signing, verification and delivery
// ABOUTME: Uses httptest receivers to check headers, retries and the URL challenge

package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := NewAuth()
	require.NoError(t, err)
	return a
}

func TestAuth_SignAndVerify(t *testing.T) {
	a := newTestAuth(t)
	body := []byte(`{"id":"t1","status":{"state":"completed"}}`)

	token, err := a.Sign(body)
	require.NoError(t, err)

	set := a.JWKS()
	require.Len(t, set.Keys, 1)
	assert.Equal(t, a.KeyID(), set.Keys[0].Kid)
	assert.Equal(t, "RS256", set.Keys[0].Alg)

	require.NoError(t, Verify(token, body, set, time.Minute))

	// Key order and whitespace do not matter.
	require.NoError(t, Verify(token, []byte(`{ "status": {"state":"completed"}, "id": "t1" }`), set, time.Minute))

	err = Verify(token, []byte(`{"id":"t2"}`), set, time.Minute)
	assert.ErrorIs(t, err, ErrBodyMismatch)
}

func TestVerify_WrongKey(t *testing.T) {
	signer := newTestAuth(t)
	other := newTestAuth(t)
	body := []byte(`{"x":1}`)

	token, err := signer.Sign(body)
	require.NoError(t, err)

	err = Verify(token, body, other.JWKS(), time.Minute)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_TooOld(t *testing.T) {
	a := newTestAuth(t)
	a.now = func() time.Time { return time.Now().Add(-time.Hour) }
	body := []byte(`{"x":1}`)

	token, err := a.Sign(body)
	require.NoError(t, err)

	assert.ErrorIs(t, Verify(token, body, a.JWKS(), time.Minute), ErrTokenTooOld)
}

func TestBodySHA256_NoHTMLEscaping(t *testing.T) {
	a, err := BodySHA256([]byte(`{"b":"<x>","a":1}`))
	require.NoError(t, err)
	b, err := BodySHA256([]byte(`{"a":1,"b":"<x>"}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSender_Send(t *testing.T) {
	a := newTestAuth(t)

	var gotAuth, gotToken string
	var gotBody []byte
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotToken = r.Header.Get(NotificationTokenHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	s := NewSender(a, 0, nil)
	payload := map[string]any{"id": "t1", "status": map[string]string{"state": "working"}}
	require.NoError(t, s.Send(context.Background(), receiver.URL, "secret", payload))

	assert.Equal(t, "secret", gotToken)
	require.True(t, len(gotAuth) > len("Bearer "))
	require.NoError(t, Verify(gotAuth[len("Bearer "):], gotBody, a.JWKS(), time.Minute))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "t1", decoded["id"])
}

func TestSender_SendRetries(t *testing.T) {
	var calls atomic.Int32
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	s := NewSender(newTestAuth(t), 3, nil)
	s.client.RetryWaitMin = time.Millisecond
	s.client.RetryWaitMax = 5 * time.Millisecond

	require.NoError(t, s.Send(context.Background(), receiver.URL, "", map[string]string{"a": "b"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSender_SendClientError(t *testing.T) {
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer receiver.Close()

	s := NewSender(newTestAuth(t), 0, nil)
	err := s.Send(context.Background(), receiver.URL, "", map[string]string{"a": "b"})
	assert.Error(t, err)
}

func TestSender_VerifyURL(t *testing.T) {
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Query().Get("validationToken"))
	}))
	defer echo.Close()

	wrong := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "nope")
	}))
	defer wrong.Close()

	s := NewSender(newTestAuth(t), 0, nil)
	assert.True(t, s.VerifyURL(context.Background(), echo.URL+"/hook?x=1"))
	assert.False(t, s.VerifyURL(context.Background(), wrong.URL))
	assert.False(t, s.VerifyURL(context.Background(), "http://127.0.0.1:1/unreachable"))
}

func TestSender_VerifyURLCachesSuccess(t *testing.T) {
	var calls atomic.Int32
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, r.URL.Query().Get("validationToken"))
	}))
	defer echo.Close()

	s := NewSender(newTestAuth(t), 0, nil)
	assert.True(t, s.VerifyURL(context.Background(), echo.URL))
	assert.True(t, s.VerifyURL(context.Background(), echo.URL))
	assert.Equal(t, int32(1), calls.Load())
}

func TestVerifiedURLs(t *testing.T) {
	now := time.Now()
	v := newVerifiedURLs(time.Minute, 2)
	v.now = func() time.Time { return now }

	v.add("a")
	v.add("b")
	assert.True(t, v.has("a"))

	// Refreshing "a" makes "b" the oldest.
	v.add("a")
	v.add("c")
	assert.Equal(t, 2, v.len())
	assert.False(t, v.has("b"))
	assert.True(t, v.has("a"))
	assert.True(t, v.has("c"))

	now = now.Add(2 * time.Minute)
	assert.False(t, v.has("a"))
	assert.Equal(t, 1, v.len())
}

func TestVerifiedURLs_Disabled(t *testing.T) {
	v := newVerifiedURLs(0, 10)
	v.add("a")
	assert.False(t, v.has("a"))
}
