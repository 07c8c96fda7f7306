package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// envelope is the framing used by the subprocess and websocket transports
type envelope struct {
	SessionID string          `json:"session_id"`
	Body      json.RawMessage `json:"body"`
}

// reply is the tool's answer to one envelope
type reply struct {
	Status      int             `json:"status"`
	Body        json.RawMessage `json:"body"`
	Error       json.RawMessage `json:"error,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
}

func newEnvelope(sessionID string, body []byte) envelope {
	raw := json.RawMessage(body)
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		raw = quoted
	}
	return envelope{SessionID: sessionID, Body: raw}
}

func (r *reply) response() *Response {
	resp := &Response{
		StatusCode:  r.Status,
		Body:        []byte(r.Body),
		ContentType: r.ContentType,
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if len(bytes.TrimSpace(r.Error)) > 0 && !bytes.Equal(bytes.TrimSpace(r.Error), []byte("null")) {
		if resp.StatusCode < 400 {
			resp.StatusCode = http.StatusBadGateway
		}
		resp.Body = []byte(r.Error)
	}
	if resp.ContentType == "" {
		resp.ContentType = "application/json"
	}
	return resp
}

// sessionConn is one live channel to the tool bound to a single session
type sessionConn interface {
	exchange(ctx context.Context, env envelope) (*reply, error)
	close() error
}

type dialFunc func(ctx context.Context, sessionID string) (sessionConn, error)

type pooledSession struct {
	// busy holds a token while an exchange or a close owns the session
	busy     chan struct{}
	conn     sessionConn
	closed   bool
	lastUsed time.Time
}

// acquire waits for the session until ctx is done
func (s *pooledSession) acquire(ctx context.Context) error {
	select {
	case s.busy <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pooledSession) tryAcquire() bool {
	select {
	case s.busy <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *pooledSession) release() { <-s.busy }

// sessionPool keeps one connection per session. Exchanges within a session are
// serialized; a caller waiting its turn gives up when its context is done.
type sessionPool struct {
	dial dialFunc
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*pooledSession
}

func newSessionPool(dial dialFunc) *sessionPool {
	return &sessionPool{
		dial:     dial,
		now:      time.Now,
		sessions: make(map[string]*pooledSession),
	}
}

func (p *sessionPool) session(id string) *pooledSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		s = &pooledSession{busy: make(chan struct{}, 1)}
		p.sessions[id] = s
	}
	s.lastUsed = p.now()
	return s
}

func (p *sessionPool) roundTrip(ctx context.Context, sessionID string, body []byte) (*Response, error) {
	var s *pooledSession
	for {
		s = p.session(sessionID)
		if err := s.acquire(ctx); err != nil {
			return nil, err
		}
		if !s.closed {
			break
		}
		// evicted between lookup and acquire
		s.release()
	}
	defer s.release()

	if s.conn == nil {
		conn, err := p.dial(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, unreachable("connect", err)
		}
		s.conn = conn
	}

	rep, err := s.conn.exchange(ctx, newEnvelope(sessionID, body))
	if err != nil {
		// the stream may hold a half-read reply; start over on the next call
		_ = s.conn.close()
		s.conn = nil
		return nil, err
	}
	return rep.response(), nil
}

// sweep closes sessions idle for longer than idle. Sessions busy with an exchange are skipped.
func (p *sessionPool) sweep(idle time.Duration) int {
	cutoff := p.now().Add(-idle)

	p.mu.Lock()
	var stale []*pooledSession
	for id, s := range p.sessions {
		if s.lastUsed.After(cutoff) {
			continue
		}
		if !s.tryAcquire() {
			continue
		}
		delete(p.sessions, id)
		stale = append(stale, s)
	}
	p.mu.Unlock()

	for _, s := range stale {
		s.closed = true
		if s.conn != nil {
			_ = s.conn.close()
			s.conn = nil
		}
		s.release()
	}
	return len(stale)
}

func (p *sessionPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *sessionPool) closeAll() error {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*pooledSession)
	p.mu.Unlock()

	for _, s := range sessions {
		_ = s.acquire(context.Background())
		s.closed = true
		if s.conn != nil {
			_ = s.conn.close()
			s.conn = nil
		}
		s.release()
	}
	return nil
}
