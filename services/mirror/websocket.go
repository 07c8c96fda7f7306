package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketTransport keeps one websocket connection per session and exchanges
// the same JSON envelopes as the subprocess transport, one text frame each way.
type WebSocketTransport struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger
	pool   *sessionPool
}

// NewWebSocketTransport creates a transport dialing url on first use of a session
func NewWebSocketTransport(url string, logger *zap.Logger) *WebSocketTransport {
	t := &WebSocketTransport{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
	t.pool = newSessionPool(t.connect)
	return t
}

func (t *WebSocketTransport) Name() string { return "websocket" }

// RoundTrip sends one envelope frame and waits for the reply frame
func (t *WebSocketTransport) RoundTrip(ctx context.Context, sessionID string, body []byte) (*Response, error) {
	return t.pool.roundTrip(ctx, sessionID, body)
}

// Sweep closes connections of sessions idle longer than idle
func (t *WebSocketTransport) Sweep(idle time.Duration) int { return t.pool.sweep(idle) }

// Sessions returns the number of live sessions
func (t *WebSocketTransport) Sessions() int { return t.pool.size() }

// Close closes every connection
func (t *WebSocketTransport) Close() error { return t.pool.closeAll() }

func (t *WebSocketTransport) connect(ctx context.Context, sessionID string) (sessionConn, error) {
	headers := http.Header{}
	headers.Set("X-Session-ID", sessionID)

	conn, _, err := t.dialer.DialContext(ctx, t.url, headers)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}
	conn.SetReadLimit(maxLineBytes)

	t.logger.Debug("opened mirror websocket", zap.String("session_id", sessionID))
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (c *wsConn) exchange(ctx context.Context, env envelope) (*reply, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	done := make(chan exchangeResult, 1)
	go func() {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			done <- exchangeResult{err: unreachable("write", err)}
			return
		}
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			done <- exchangeResult{err: unreachable("read", err)}
			return
		}
		var rep reply
		if err := json.Unmarshal(msg, &rep); err != nil {
			done <- exchangeResult{err: fmt.Errorf("decode mirror reply: %w", err)}
			return
		}
		done <- exchangeResult{rep: &rep}
	}()

	select {
	case r := <-done:
		return r.rep, r.err
	case <-ctx.Done():
		_ = c.close()
		return nil, ctx.Err()
	}
}

func (c *wsConn) close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	return nil
}
