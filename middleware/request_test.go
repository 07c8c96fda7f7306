package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRequestContext(t *testing.T) {
	t.Run("generates request id", func(t *testing.T) {
		var seen string
		h := RequestContext(okHandler(t, func(r *http.Request) {
			seen = GetRequestIDFromContext(r.Context())
			assert.Empty(t, GetSessionIDFromContext(r.Context()))
		}))

		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Len(t, seen, 36)
		assert.Equal(t, seen, w.Header().Get(HeaderRequestID))
	})

	t.Run("keeps caller ids", func(t *testing.T) {
		h := RequestContext(okHandler(t, func(r *http.Request) {
			assert.Equal(t, "req-42", GetRequestIDFromContext(r.Context()))
			assert.Equal(t, "editor-session:7", GetSessionIDFromContext(r.Context()))
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, "req-42")
		req.Header.Set(HeaderSessionID, "editor-session:7")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, "req-42", w.Header().Get(HeaderRequestID))
	})

	t.Run("replaces unsafe request id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, "bad id\nwith newline")
		req.Header.Set(HeaderSessionID, "has space")
		h := RequestContext(okHandler(t, func(r *http.Request) {
			assert.NotContains(t, GetRequestIDFromContext(r.Context()), " ")
			assert.Empty(t, GetSessionIDFromContext(r.Context()))
		}))
		h.ServeHTTP(httptest.NewRecorder(), req)
	})
}

type recordedHTTP struct {
	mu     sync.Mutex
	routes []string
	status []int
}

func (m *recordedHTTP) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, method+" "+route)
	m.status = append(m.status, status)
}

func TestRequestLogger_UsesRoutePattern(t *testing.T) {
	metrics := &recordedHTTP{}
	r := chi.NewRouter()
	r.Use(RequestLogger(zap.NewNop(), metrics))
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/plain", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/123", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/plain", nil))

	assert.Equal(t, []string{"GET /items/{id}", "GET /plain"}, metrics.routes)
	assert.Equal(t, []int{http.StatusTeapot, http.StatusOK}, metrics.status)
}

func TestRequestLogger_NilMetrics(t *testing.T) {
	h := RequestLogger(zap.NewNop(), nil)(okHandler(t, nil))
	w := httptest.NewRecorder()

	assert.NotPanics(t, func() { h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil)) })
	assert.Equal(t, http.StatusOK, w.Code)
}
