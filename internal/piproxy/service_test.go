package piproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, up Fetcher, mutate func(*Config)) (*Service, *Cache) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	cache := newCacheWithStore(cfg.CacheTTL(), newMemoryStore(), time.Now)
	fb, err := NewFallbackTable("")
	require.NoError(t, err)

	rf := NewRetryingFetcher(up, LinearRetryPolicy(3, time.Second), nil)
	rf.sleep = (&recordedSleep{}).Sleep

	svc := newService(cfg, discardLogger(), cache, fb, rf)
	t.Cleanup(svc.Close)
	return svc, cache
}

func doRequest(h http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_NamedRoutes(t *testing.T) {
	up := &fakeUpstream{fn: func(_ int, endpoint EndpointName) ([]byte, error) {
		return []byte(`{"endpoint":"` + string(endpoint) + `"}`), nil
	}}
	svc, _ := newTestService(t, up, nil)
	h := svc.Handler()

	tests := []struct {
		path     string
		endpoint EndpointName
	}{
		{"/api/status", EndpointStatus},
		{"/api/network-status", EndpointNetworkStatus},
		{"/api/transactions/latest", EndpointLatestTransactions},
		{"/api/blocks/latest", EndpointLatestBlocks},
		{"/api/latest-transactions", EndpointLatestTransactions},
		{"/api/accounts", "accounts"},
	}
	for _, tt := range tests {
		w := doRequest(h, http.MethodGet, tt.path)
		assert.Equal(t, http.StatusOK, w.Code, tt.path)
		assert.JSONEq(t, `{"endpoint":"`+string(tt.endpoint)+`"}`, w.Body.String(), tt.path)
		assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	}
}

func TestHandler_ServedFromHeader(t *testing.T) {
	up := respondWith(`{"supply":{"circulating":1}}`)
	svc, _ := newTestService(t, up, nil)
	h := svc.Handler()

	w := doRequest(h, http.MethodGet, "/api/network-status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "live", w.Header().Get(headerServedFrom))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), headerServedFrom)

	w = doRequest(h, http.MethodGet, "/api/network-status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cache", w.Header().Get(headerServedFrom))
	assert.JSONEq(t, `{"supply":{"circulating":1}}`, w.Body.String())
	assert.Equal(t, 1, up.Calls())
}

func TestHandler_FallbackIsSuccess(t *testing.T) {
	svc, cache := newTestService(t, alwaysFail(), nil)

	w := doRequest(svc.Handler(), http.MethodGet, "/api/transactions/latest")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fallback", w.Header().Get(headerServedFrom))
	assert.JSONEq(t, builtinFallback[EndpointLatestTransactions], w.Body.String())
	assert.False(t, cache.IsValid(EndpointLatestTransactions))
}

func TestHandler_NoDataIs500(t *testing.T) {
	svc, _ := newTestService(t, alwaysFail(), nil)

	w := doRequest(svc.Handler(), http.MethodGet, "/api/accounts")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Không thể lấy dữ liệu cho accounts"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "connection refused")
	assert.Empty(t, w.Header().Get(headerServedFrom))
}

func TestHandler_NotFound(t *testing.T) {
	svc, _ := newTestService(t, respondWith(`{}`), nil)
	h := svc.Handler()

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/"},
		{http.MethodGet, "/nope"},
		{http.MethodGet, "/api/a/b/c"},
		{http.MethodPost, "/api/status"},
		{http.MethodDelete, "/health"},
	} {
		w := doRequest(h, tc.method, tc.path)
		assert.Equal(t, http.StatusNotFound, w.Code, tc.path)
		assert.JSONEq(t, `{"error":"Không tìm thấy endpoint"}`, w.Body.String(), tc.path)
	}
}

func TestHandler_Health(t *testing.T) {
	up := respondWith(`{}`)
	svc, _ := newTestService(t, up, nil)

	w := doRequest(svc.Handler(), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["api_key_configured"])
	ts, ok := body["timestamp"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
	assert.Zero(t, up.Calls(), "health must not consult upstream")

	svc, _ = newTestService(t, up, func(cfg *Config) { cfg.Upstream.APIKey = "k" })
	w = doRequest(svc.Handler(), http.MethodGet, "/health")
	assert.Contains(t, w.Body.String(), `"api_key_configured":true`)
}

func TestHandler_CORS(t *testing.T) {
	svc, _ := newTestService(t, respondWith(`{}`), nil)
	h := svc.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "https://example.org")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", w.Header().Get("Access-Control-Allow-Headers"))

	w = doRequest(h, http.MethodGet, "/api/status")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	w = doRequest(h, http.MethodGet, "/missing")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandler_RequestID(t *testing.T) {
	svc, _ := newTestService(t, respondWith(`{}`), nil)
	h := svc.Handler()

	w := doRequest(h, http.MethodGet, "/health")
	_, err := uuid.Parse(w.Header().Get(headerRequestID))
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(headerRequestID))
}

func TestHandler_PanicIs500(t *testing.T) {
	up := FetcherFunc(func(context.Context, EndpointName) ([]byte, error) {
		panic("upstream client bug")
	})
	svc, _ := newTestService(t, up, nil)

	w := doRequest(svc.Handler(), http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Lỗi server nội bộ"}`, w.Body.String())
}

func TestService_EndToEnd(t *testing.T) {
	var hits atomic.Int32
	var failing atomic.Bool
	var mu sync.Mutex
	var auths []string

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		if failing.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		switch r.URL.Path {
		case "/v1/network-status":
			_, _ = w.Write([]byte(`{"supply":{"circulating":6860313629.745,"effective_total":10554328661.146}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	cfg := DefaultConfig()
	cfg.Upstream.BaseURL = upstream.URL
	cfg.Upstream.APIKey = "pi-key"
	cfg.Retry.backoffDur = time.Millisecond
	cfg.Cache.Engine = engineLevelDB

	svc, err := NewService(cfg, discardLogger())
	require.NoError(t, err)
	defer svc.Close()
	h := svc.Handler()

	w := doRequest(h, http.MethodGet, "/api/network-status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "live", w.Header().Get(headerServedFrom))
	assert.Equal(t, int32(1), hits.Load())

	w = doRequest(h, http.MethodGet, "/api/network-status")
	assert.Equal(t, "cache", w.Header().Get(headerServedFrom))
	assert.Equal(t, int32(1), hits.Load())

	failing.Store(true)
	w = doRequest(h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fallback", w.Header().Get(headerServedFrom))
	assert.Contains(t, w.Body.String(), `"api_version":"1.0"`)
	assert.Equal(t, int32(4), hits.Load(), "three attempts for status")

	w = doRequest(h, http.MethodGet, "/api/ledgers")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, int32(7), hits.Load())

	mu.Lock()
	defer mu.Unlock()
	for _, a := range auths {
		assert.Equal(t, "Key pi-key", a)
	}
}

func TestService_WarmupRefreshesCachedEndpoints(t *testing.T) {
	var hits atomic.Int32
	up := FetcherFunc(func(context.Context, EndpointName) ([]byte, error) {
		hits.Add(1)
		return []byte(`{"n":1}`), nil
	})
	svc, _ := newTestService(t, up, func(cfg *Config) { cfg.Warmup.everyDur = 10 * time.Millisecond })

	w := doRequest(svc.Handler(), http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Eventually(t, func() bool { return hits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestService_StatsLoop(t *testing.T) {
	var out syncBuffer
	cfg := DefaultConfig()
	cfg.Logging.statsEveryDur = 5 * time.Millisecond
	logger, err := NewLogger(&out, cfg)
	require.NoError(t, err)

	cache := newCacheWithStore(cfg.CacheTTL(), newMemoryStore(), time.Now)
	fb, err := NewFallbackTable("")
	require.NoError(t, err)
	svc := newService(cfg, logger, cache, fb, respondWith(`{"a":1}`))

	doRequest(svc.Handler(), http.MethodGet, "/api/status")

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "msg=stats") && strings.Contains(out.String(), "live=1")
	}, 2*time.Second, 5*time.Millisecond)
	svc.Close()
}

func TestNewService_BadFallbackFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fallback.File = "/does/not/exist.yaml"
	_, err := NewService(cfg, nil)
	assert.Error(t, err)
}

func TestHandler_EscapedEndpointIsDecodedOnce(t *testing.T) {
	up := alwaysFail()
	svc, _ := newTestService(t, up, nil)

	w := doRequest(svc.Handler(), http.MethodGet, "/api/foo%2Fbar")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Không thể lấy dữ liệu cho foo/bar"}`, w.Body.String())
	require.NotEmpty(t, up.Endpoints())
	assert.Equal(t, EndpointName("foo/bar"), up.Endpoints()[0])
	assert.Equal(t, "/v1/foo/bar", upstreamPath(up.Endpoints()[0]))
}

func TestHandler_TrailingSlash(t *testing.T) {
	up := &fakeUpstream{fn: func(_ int, endpoint EndpointName) ([]byte, error) {
		return []byte(`{"endpoint":"` + string(endpoint) + `"}`), nil
	}}
	svc, _ := newTestService(t, up, nil)
	h := svc.Handler()

	for path, endpoint := range map[string]EndpointName{
		"/api/status/":              EndpointStatus,
		"/api/transactions/latest/": EndpointLatestTransactions,
		"/api/accounts/":            "accounts",
	} {
		w := doRequest(h, http.MethodGet, path)
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.JSONEq(t, `{"endpoint":"`+string(endpoint)+`"}`, w.Body.String(), path)
	}

	w := doRequest(h, http.MethodGet, "/health/")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestService_CloseTwice(t *testing.T) {
	svc, _ := newTestService(t, respondWith(`{}`), func(cfg *Config) {
		cfg.Logging.statsEveryDur = time.Hour
	})
	assert.NotPanics(t, svc.Close)
	assert.NotPanics(t, svc.Close)
}
