package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HTTPTransport POSTs the raw request body to the tool's HTTP endpoint.
// Each session gets its own cookie jar so server-side session state is preserved.
type HTTPTransport struct {
	url       string
	timeout   time.Duration
	transport http.RoundTripper
	logger    *zap.Logger
	now       func() time.Time
	maxReply  int64

	mu      sync.Mutex
	clients map[string]*httpSession
}

type httpSession struct {
	client   *http.Client
	lastUsed time.Time
}

// NewHTTPTransport creates a transport for url; timeout bounds one exchange
func NewHTTPTransport(url string, timeout time.Duration, logger *zap.Logger) *HTTPTransport {
	return &HTTPTransport{
		url:       url,
		timeout:   timeout,
		transport: http.DefaultTransport,
		logger:    logger,
		now:       time.Now,
		maxReply:  maxLineBytes,
		clients:   make(map[string]*httpSession),
	}
}

func (t *HTTPTransport) Name() string { return "http" }

func (t *HTTPTransport) client(sessionID string) *http.Client {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.clients[sessionID]
	if !ok {
		// cookiejar.New only fails on a bad public suffix list option
		jar, _ := cookiejar.New(nil)
		s = &httpSession{
			client: &http.Client{
				Transport: t.transport,
				Jar:       jar,
				Timeout:   t.timeout,
			},
		}
		t.clients[sessionID] = s
	}
	s.lastUsed = t.now()
	return s.client
}

// RoundTrip performs one POST and returns the reply without inspecting it
func (t *HTTPTransport) RoundTrip(ctx context.Context, sessionID string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build mirror request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", sessionID)

	resp, err := t.client(sessionID).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unreachable("post", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxReply+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unreachable("read", err)
	}
	// a truncated reply must never be relayed as if it were whole
	if int64(len(data)) > t.maxReply {
		return nil, fmt.Errorf("reply exceeds %d bytes", t.maxReply)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		Body:        data,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// Sweep forgets cookie jars of sessions idle longer than idle
func (t *HTTPTransport) Sweep(idle time.Duration) int {
	cutoff := t.now().Add(-idle)

	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, s := range t.clients {
		if !s.lastUsed.After(cutoff) {
			delete(t.clients, id)
			n++
		}
	}
	return n
}

// Sessions returns the number of sessions with a cookie jar
func (t *HTTPTransport) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// Close drops all sessions
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	t.clients = make(map[string]*httpSession)
	t.mu.Unlock()
	return nil
}
