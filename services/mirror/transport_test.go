package mirror

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-mirror-router/services"
	"go.uber.org/zap"
)

func TestHTTPTransport_RoundTripIsVerbatim(t *testing.T) {
	var gotSession string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = r.Header.Get("X-Session-ID")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"id":"msg_1",  "content":[{"type":"text","text":"hi"}]}`))
	}))
	defer srv.Close()

	p := newTestProxy(NewHTTPTransport(srv.URL, time.Second, zap.NewNop()))
	body := []byte(`{"messages":[{"role":"user","content":"/resume"}]}`)

	resp, err := p.Forward(context.Background(), "s1", body)

	require.NoError(t, err)
	assert.Equal(t, "s1", gotSession)
	assert.Equal(t, body, gotBody)
	assert.Equal(t, `{"id":"msg_1",  "content":[{"type":"text","text":"hi"}]}`, string(resp.Body))
	assert.Equal(t, "application/json; charset=utf-8", resp.ContentType)
}

func TestHTTPTransport_OversizedReplyIsNotRelayed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":"` + strings.Repeat("x", 100) + `"}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, time.Second, zap.NewNop())
	tr.maxReply = 64
	p := newTestProxy(tr)

	resp, err := p.Forward(context.Background(), "s1", []byte(`{}`))

	assert.Nil(t, resp)
	assert.True(t, services.IsMirrorUnavailableError(err))
	assert.Contains(t, err.Error(), "reply exceeds 64 bytes")

	t.Run("reply at the limit is whole", func(t *testing.T) {
		tr.maxReply = int64(len(`{"content":"`+strings.Repeat("x", 100)+`"}`))
		resp, err := p.Forward(context.Background(), "s1", []byte(`{}`))
		require.NoError(t, err)
		assert.Len(t, resp.Body, int(tr.maxReply))
	})
}

func TestHTTPTransport_CookiesArePerSession(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := r.Header.Get("X-Session-ID")
		if c, err := r.Cookie("tool_session"); err == nil {
			seen = append(seen, session+"="+c.Value)
		} else {
			http.SetCookie(w, &http.Cookie{Name: "tool_session", Value: "state-" + session, Path: "/"})
			seen = append(seen, session+"=")
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, time.Second, zap.NewNop())
	ctx := context.Background()

	for _, s := range []string{"a", "a", "b", "a"} {
		_, err := tr.RoundTrip(ctx, s, []byte(`{}`))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"a=", "a=state-a", "b=", "a=state-a"}, seen)
	assert.Equal(t, 2, tr.Sessions())
}

func TestHTTPTransport_ErrorStatusIsMirrorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	p := newTestProxy(NewHTTPTransport(srv.URL, time.Second, zap.NewNop()))

	_, err := p.Forward(context.Background(), "s1", []byte(`{}`))

	var de *services.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, services.ErrorTypeMirror, de.Type)
	assert.Equal(t, http.StatusTooManyRequests, de.StatusCode)
	assert.Equal(t, `{"error":"slow down"}`, string(de.Payload))
}

func TestHTTPTransport_UnreachableIsRetriedThenUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(url, time.Second, zap.NewNop())
	p := newTestProxy(tr)

	_, err := p.Forward(context.Background(), "s1", []byte(`{}`))

	assert.True(t, services.IsMirrorUnavailableError(err))
}

func TestHTTPTransport_Sweep(t *testing.T) {
	tr := NewHTTPTransport("http://127.0.0.1:1", time.Second, zap.NewNop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.client("old")
	now = now.Add(10 * time.Minute)
	tr.client("fresh")

	assert.Equal(t, 1, tr.Sweep(5*time.Minute))
	assert.Equal(t, 1, tr.Sessions())
}

// TestHelperProcess is not a real test. It is the reference tool stand-in
// started by the subprocess transport tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	session := os.Getenv("MIRROR_SESSION_ID")
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 1<<20), 1<<20)
	turn := 0
	for in.Scan() {
		turn++
		var env envelope
		if err := json.Unmarshal(in.Bytes(), &env); err != nil {
			fmt.Println(`{"status":400,"error":{"message":"bad envelope"}}`)
			continue
		}
		switch {
		case strings.Contains(string(env.Body), "crash"):
			os.Exit(3)
		case strings.Contains(string(env.Body), "fail"):
			fmt.Println(`{"status":409,"error":{"message":"tool refused"}}`)
		default:
			out, _ := json.Marshal(map[string]interface{}{
				"status": 200,
				"body": map[string]interface{}{
					"session": session,
					"turn":    turn,
					"echo":    env.Body,
				},
			})
			fmt.Println(string(out))
		}
	}
}

func helperTransport(t *testing.T) *SubprocessTransport {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	tr := NewSubprocessTransport(os.Args[0], []string{"-test.run=TestHelperProcess", "--"}, zap.NewNop())
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

type helperReply struct {
	Session string          `json:"session"`
	Turn    int             `json:"turn"`
	Echo    json.RawMessage `json:"echo"`
}

func TestSubprocessTransport_SessionContinuity(t *testing.T) {
	tr := helperTransport(t)
	p := newTestProxy(tr)
	ctx := context.Background()

	var last helperReply
	for i := 1; i <= 3; i++ {
		resp, err := p.Forward(ctx, "alpha", []byte(`{"n":1}`))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(resp.Body, &last))
		assert.Equal(t, i, last.Turn)
	}
	assert.Equal(t, "alpha", last.Session)
	assert.JSONEq(t, `{"n":1}`, string(last.Echo))

	resp, err := p.Forward(ctx, "beta", []byte(`{"n":2}`))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Body, &last))
	assert.Equal(t, 1, last.Turn)
	assert.Equal(t, "beta", last.Session)
	assert.Equal(t, 2, tr.Sessions())
}

func TestSubprocessTransport_ToolErrorIsVerbatim(t *testing.T) {
	p := newTestProxy(helperTransport(t))

	_, err := p.Forward(context.Background(), "s1", []byte(`{"please":"fail"}`))

	var de *services.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, services.ErrorTypeMirror, de.Type)
	assert.Equal(t, 409, de.StatusCode)
	assert.Equal(t, `{"message":"tool refused"}`, string(de.Payload))
}

func TestSubprocessTransport_CrashedProcessIsRestarted(t *testing.T) {
	tr := helperTransport(t)
	p := newTestProxy(tr)
	ctx := context.Background()

	_, err := p.Forward(ctx, "s1", []byte(`{"n":1}`))
	require.NoError(t, err)

	// first attempt hits the dying process, the retry spawns a fresh one which also crashes
	_, err = p.Forward(ctx, "s1", []byte(`{"do":"crash"}`))
	assert.True(t, services.IsMirrorUnavailableError(err))

	resp, err := p.Forward(ctx, "s1", []byte(`{"n":2}`))
	require.NoError(t, err)
	var rep helperReply
	require.NoError(t, json.Unmarshal(resp.Body, &rep))
	assert.Equal(t, 1, rep.Turn)
}

func TestSubprocessTransport_MissingBinary(t *testing.T) {
	tr := NewSubprocessTransport("/nonexistent/reference-tool", nil, zap.NewNop())
	p := newTestProxy(tr)

	_, err := p.Forward(context.Background(), "s1", []byte(`{}`))

	assert.True(t, services.IsMirrorUnavailableError(err))
}

func TestSubprocessTransport_SweepStopsIdleSessions(t *testing.T) {
	tr := helperTransport(t)
	now := time.Now()
	tr.pool.now = func() time.Time { return now }

	_, err := tr.RoundTrip(context.Background(), "s1", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Sessions())

	now = now.Add(time.Hour)
	assert.Equal(t, 1, tr.Sweep(30*time.Minute))
	assert.Equal(t, 0, tr.Sessions())
}

func TestWebSocketTransport_RoundTrip(t *testing.T) {
	var connections int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		atomic.AddInt32(&connections, 1)
		session := r.Header.Get("X-Session-ID")

		turn := 0
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			turn++
			var env envelope
			_ = json.Unmarshal(msg, &env)
			status := 200
			if strings.Contains(string(env.Body), "fail") {
				status = 500
			}
			out, _ := json.Marshal(map[string]interface{}{
				"status": status,
				"body":   map[string]interface{}{"session": session, "turn": turn, "echo": env.Body},
			})
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr := NewWebSocketTransport(wsURL, zap.NewNop())
	defer tr.Close()
	p := newTestProxy(tr)
	ctx := context.Background()

	var rep helperReply
	for i := 1; i <= 2; i++ {
		resp, err := p.Forward(ctx, "s1", []byte(`{"q":"x"}`))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(resp.Body, &rep))
		assert.Equal(t, i, rep.Turn)
	}
	assert.Equal(t, "s1", rep.Session)
	assert.Equal(t, int32(1), atomic.LoadInt32(&connections))

	_, err := p.Forward(ctx, "s1", []byte(`{"q":"fail"}`))
	assert.True(t, services.IsMirrorError(err))
}

func TestWebSocketTransport_Unreachable(t *testing.T) {
	tr := NewWebSocketTransport("ws://127.0.0.1:1/mirror", zap.NewNop())
	p := newTestProxy(tr)

	_, err := p.Forward(context.Background(), "s1", []byte(`{}`))

	assert.True(t, services.IsMirrorUnavailableError(err))
}
