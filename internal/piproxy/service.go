package piproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	msgNotFound = "Không tìm thấy endpoint"
	msgInternal = "Lỗi server nội bộ"
	msgNoData   = "Không thể lấy dữ liệu cho %s"

	headerServedFrom = "X-Served-From"
	headerRequestID  = "X-Request-Id"
)

type Service struct {
	cfg    Config
	logger *slog.Logger

	cache    *Cache
	fallback *FallbackTable
	resolver *Resolver

	bgSem chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = discardLogger()
	}
	cache, err := NewCache(cfg.CacheTTL(), cfg.Cache.Engine)
	if err != nil {
		return nil, err
	}
	fallback, err := NewFallbackTable(cfg.Fallback.File)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}
	fetcher := NewRetryingFetcher(NewUpstream(cfg), cfg.RetryPolicy(), logger)
	return newService(cfg, logger, cache, fallback, fetcher), nil
}

func newService(cfg Config, logger *slog.Logger, cache *Cache, fallback *FallbackTable, fetcher Fetcher) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		cache:    cache,
		fallback: fallback,
		resolver: NewResolver(cache, fetcher, fallback, logger),
		bgSem:    make(chan struct{}, 4),
		stopCh:   make(chan struct{}),
	}

	if every := cfg.Logging.statsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	if every := cfg.Warmup.everyDur; every > 0 {
		logger.Info("warmup enabled", "every", every.String())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.warmupLoop(every)
		}()
	}
	return s
}

// Close stops the background loops and releases the cache. Safe to call more
// than once.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("close cache", "error", err.Error())
		}
	})
}

func (s *Service) Resolver() *Resolver { return s.resolver }

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.accessLogMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(corsMiddleware)
	r.Use(middleware.StripSlashes)

	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)

	r.Get("/health", s.handleHealth)

	r.Get("/api/status", s.endpointHandler(EndpointStatus))
	r.Get("/api/network-status", s.endpointHandler(EndpointNetworkStatus))
	r.Get("/api/transactions/latest", s.endpointHandler(EndpointLatestTransactions))
	r.Get("/api/blocks/latest", s.endpointHandler(EndpointLatestBlocks))
	r.Get("/api/{endpoint}", func(w http.ResponseWriter, r *http.Request) {
		// chi matches on the raw path when it carries escapes such as %2F
		name, err := url.PathUnescape(chi.URLParam(r, "endpoint"))
		if err != nil || name == "" {
			notFound(w, r)
			return
		}
		s.serveEndpoint(w, r, EndpointName(name))
	})
	return r
}

func (s *Service) endpointHandler(endpoint EndpointName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveEndpoint(w, r, endpoint)
	}
}

func (s *Service) serveEndpoint(w http.ResponseWriter, r *http.Request, endpoint EndpointName) {
	res, err := s.resolver.Resolve(r.Context(), endpoint)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf(msgNoData, endpoint))
		return
	}
	w.Header().Set(headerServedFrom, string(res.ServedFrom))
	ensureExposedHeader(w.Header(), headerServedFrom)
	writeRawJSON(w, http.StatusOK, res.Payload)
}

type healthResponse struct {
	Status           string `json:"status"`
	Timestamp        string `json:"timestamp"`
	APIKeyConfigured bool   `json:"api_key_configured"`
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:           "ok",
		Timestamp:        time.Now().UTC().Format(time.RFC3339Nano),
		APIKeyConfigured: s.cfg.Upstream.APIKey != "",
	})
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, msgNotFound)
}

// ---- responses ----

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, msgInternal, http.StatusInternalServerError)
		return
	}
	writeRawJSON(w, status, b)
}

func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// If this is used from a browser in a CORS context, custom headers are not
// readable by JS unless explicitly exposed.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- middleware ----

type contextKey string

const requestIDKey contextKey = "request_id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID)))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		ensureExposedHeader(h, headerRequestID)

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (s *Service) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", time.Since(start).String(),
			"request_id", requestIDFromContext(r.Context()),
		}
		if from := rec.Header().Get(headerServedFrom); from != "" {
			fields = append(fields, "served_from", from)
		}
		if rec.status >= 500 {
			s.logger.ErrorContext(r.Context(), "request", fields...)
			return
		}
		s.logger.InfoContext(r.Context(), "request", fields...)
	})
}

func (s *Service) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			s.logger.ErrorContext(r.Context(), "handler panic",
				"panic", fmt.Sprint(rec),
				"path", r.URL.Path,
				"request_id", requestIDFromContext(r.Context()),
			)
			writeError(w, http.StatusInternalServerError, msgInternal)
		}()
		next.ServeHTTP(w, r)
	})
}

// ---- stats ----

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.resolver.Stats()
	fields := []any{
		"cached_endpoints", len(s.cache.Endpoints()),
		"cache_hits", ss.CacheHits,
		"live", ss.Live,
		"fallback", ss.Fallbacks,
		"failed", ss.Failures,
		"resp_min", formatBytes(ss.MinRespBytes),
		"resp_avg", formatBytes(ss.AvgRespBytes),
		"resp_max", formatBytes(ss.MaxRespBytes),
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, "rss", formatBytes(rss))
	}
	s.logger.Info("stats", fields...)
}
