package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-mirror-router/services"
)

// blockingConn holds every exchange until release is closed
type blockingConn struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingConn() *blockingConn {
	return &blockingConn{entered: make(chan struct{}), release: make(chan struct{})}
}

func (c *blockingConn) exchange(ctx context.Context, env envelope) (*reply, error) {
	c.once.Do(func() { close(c.entered) })
	select {
	case <-c.release:
		return &reply{Status: 200, Body: env.Body}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *blockingConn) close() error { return nil }

type poolTransport struct{ pool *sessionPool }

func (t *poolTransport) RoundTrip(ctx context.Context, sessionID string, body []byte) (*Response, error) {
	return t.pool.roundTrip(ctx, sessionID, body)
}

func (t *poolTransport) Name() string { return "pool" }
func (t *poolTransport) Close() error { return t.pool.closeAll() }

func TestSessionPool_WaitingExchangeHonorsDeadline(t *testing.T) {
	conn := newBlockingConn()
	pool := newSessionPool(func(context.Context, string) (sessionConn, error) { return conn, nil })
	p := newTestProxy(&poolTransport{pool: pool})

	first := make(chan error, 1)
	go func() {
		_, err := p.Forward(context.Background(), "s1", []byte(`{"n":1}`))
		first <- err
	}()
	<-conn.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.Forward(ctx, "s1", []byte(`{"n":2}`))

	assert.True(t, services.IsTimeoutError(err))
	assert.Less(t, time.Since(start), time.Second, "the second caller must not wait for the first exchange")

	close(conn.release)
	require.NoError(t, <-first)

	t.Run("session is usable afterwards", func(t *testing.T) {
		resp, err := p.Forward(context.Background(), "s1", []byte(`{"n":3}`))
		require.NoError(t, err)
		assert.Equal(t, `{"n":3}`, string(resp.Body))
	})
}

func TestSessionPool_SweepSkipsBusySession(t *testing.T) {
	conn := newBlockingConn()
	pool := newSessionPool(func(context.Context, string) (sessionConn, error) { return conn, nil })
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pool.now = func() time.Time { return now }

	done := make(chan error, 1)
	go func() {
		_, err := pool.roundTrip(context.Background(), "s1", []byte(`{}`))
		done <- err
	}()
	<-conn.entered

	now = now.Add(time.Hour)
	assert.Equal(t, 0, pool.sweep(time.Minute))

	close(conn.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, pool.sweep(time.Minute))
	assert.Equal(t, 0, pool.size())
}
