// Package mirror forwards requests unmodified to the external reference tool.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/upb/llm-mirror-router/services"
	"go.uber.org/zap"
)

const (
	defaultRetryBackoff = 200 * time.Millisecond
	defaultSessionID    = "default"
)

// ErrUnreachable marks transport failures where the tool could not be reached.
// Only these are retried.
var ErrUnreachable = errors.New("reference tool unreachable")

// Response is the tool's reply, relayed to the caller as is
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

// Transport carries one request body to the reference tool and returns its reply
type Transport interface {
	RoundTrip(ctx context.Context, sessionID string, body []byte) (*Response, error)
	Name() string
	Close() error
}

// Sweeper is implemented by transports that keep per-session state
type Sweeper interface {
	Sweep(idle time.Duration) int
}

// Config holds proxy settings
type Config struct {
	RetryBackoff time.Duration
	SessionTTL   time.Duration
}

// Proxy is the single entry point to the reference tool
type Proxy struct {
	transport Transport
	cfg       Config
	logger    *zap.Logger
}

// NewProxy wraps transport. A nil transport yields a proxy that always reports MirrorUnavailable.
func NewProxy(transport Transport, cfg Config, logger *zap.Logger) *Proxy {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	return &Proxy{transport: transport, cfg: cfg, logger: logger}
}

// Enabled reports whether a transport is configured
func (p *Proxy) Enabled() bool {
	return p != nil && p.transport != nil
}

// Mode names the active transport
func (p *Proxy) Mode() string {
	if !p.Enabled() {
		return "none"
	}
	return p.transport.Name()
}

// Forward sends body for sessionID and returns the tool's response.
// Reachability failures are retried once after the configured backoff.
// A reply with status >= 400 is returned as a MirrorError carrying the payload unchanged.
func (p *Proxy) Forward(ctx context.Context, sessionID string, body []byte) (*Response, error) {
	if !p.Enabled() {
		return nil, services.NewMirrorUnavailableError(errors.New("mirror is not configured"))
	}
	if sessionID == "" {
		sessionID = defaultSessionID
	}

	resp, err := p.transport.RoundTrip(ctx, sessionID, body)
	if err != nil && errors.Is(err, ErrUnreachable) && ctx.Err() == nil {
		p.logger.Warn("mirror unreachable, retrying",
			zap.String("session_id", sessionID),
			zap.Duration("backoff", p.cfg.RetryBackoff),
			zap.Error(err))

		timer := time.NewTimer(p.cfg.RetryBackoff)
		select {
		case <-timer.C:
			resp, err = p.transport.RoundTrip(ctx, sessionID, body)
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
		}
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, services.NewTimeoutError("deadline exceeded waiting for reference tool", err)
		}
		p.logger.Error("mirror forward failed",
			zap.String("session_id", sessionID),
			zap.String("transport", p.transport.Name()),
			zap.Error(err))
		return nil, services.NewMirrorUnavailableError(err)
	}

	if resp.StatusCode >= 400 {
		return nil, NewToolError(resp)
	}
	return resp, nil
}

// NewToolError converts an error reply into a MirrorError, keeping the payload byte-for-byte
func NewToolError(resp *Response) *services.DomainError {
	e := services.NewMirrorError(resp.StatusCode, resp.Body)
	if resp.ContentType != "" {
		e.WithDetail("contentType", resp.ContentType)
	}
	return e
}

// Sweep closes sessions idle for longer than the configured TTL
func (p *Proxy) Sweep() int {
	if !p.Enabled() || p.cfg.SessionTTL <= 0 {
		return 0
	}
	s, ok := p.transport.(Sweeper)
	if !ok {
		return 0
	}
	n := s.Sweep(p.cfg.SessionTTL)
	if n > 0 {
		p.logger.Info("evicted idle mirror sessions", zap.Int("count", n))
	}
	return n
}

// Close releases every session held by the transport
func (p *Proxy) Close() error {
	if !p.Enabled() {
		return nil
	}
	return p.transport.Close()
}

func unreachable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, op, err)
}
