package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/internal/metrics"
	"github.com/splax/buildboard/internal/normalize"
	"github.com/splax/buildboard/internal/repository"
	"github.com/splax/buildboard/internal/service/ingest"
	"github.com/splax/buildboard/internal/service/query"
	"github.com/splax/buildboard/internal/store"
	"github.com/splax/buildboard/internal/ws"
)

// Ingestor turns a raw webhook body into a stored build event.
type Ingestor interface {
	Handle(ctx context.Context, provider string, raw []byte) (ingest.Outcome, error)
}

// Verifier authenticates webhook deliveries.
type Verifier interface {
	Verify(header http.Header, body []byte) error
}

// AlertLister exposes recently fired alerts.
type AlertLister interface {
	Recent(ctx context.Context, limit int) ([]domain.Alert, error)
}

// AlertStatsSource counts fired alerts.
type AlertStatsSource interface {
	Stats(ctx context.Context, since time.Time) (domain.AlertStats, error)
}

// ThresholdStore manages per-repository alert overrides.
type ThresholdStore interface {
	Thresholds(ctx context.Context) ([]domain.AlertThresholds, error)
	SetThresholds(ctx context.Context, t domain.AlertThresholds) (domain.AlertThresholds, error)
	DeleteThresholds(ctx context.Context, repository string) error
}

// RollupHistory reads persisted metric buckets.
type RollupHistory interface {
	History(ctx context.Context, repo, branch string, since time.Time, limit int) ([]domain.MetricRollup, error)
}

// Dependencies groups the services the router dispatches to. Everything except
// Ingest, Verifier and Query is optional.
type Dependencies struct {
	Ingest         Ingestor
	Verifier       Verifier
	Query          query.Service
	Alerts         AlertLister
	AlertStats     AlertStatsSource
	Thresholds     ThresholdStore
	Rollups        RollupHistory
	Hub            *ws.Hub
	DB             repository.Pinger
	Limiter        RateLimiter
	Sink           metrics.Sink
	Registerer     prometheus.Registerer
	MetricsHandler http.Handler
	MaxBodyBytes   int64
	// WebhookLimit caps authenticated deliveries per credential and provider
	// each minute. Zero disables the cap.
	WebhookLimit int
	// TrustedProxies lists the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	ingest   Ingestor
	verifier Verifier
	query    query.Service
	alerts   AlertLister
	stats    AlertStatsSource
	limits   ThresholdStore
	rollups  RollupHistory
	hub      *ws.Hub
	db       repository.Pinger
	sink     metrics.Sink
	upgrader websocket.Upgrader
	limiter  RateLimiter
	scrape   http.Handler
	proxies  []netip.Prefix

	maxBody      int64
	webhookLimit int

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRead      = 240
	rateLimitStream    = 30
	defaultMaxBody     = 1 << 20
	healthCheckTimeout = 2 * time.Second
	retryAfterSeconds  = "5"
	sseHeartbeat       = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Dependencies) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger.With("component", "http"),
		ingest:   deps.Ingest,
		verifier: deps.Verifier,
		query:    deps.Query,
		alerts:   deps.Alerts,
		stats:    deps.AlertStats,
		limits:   deps.Thresholds,
		rollups:  deps.Rollups,
		hub:      deps.Hub,
		db:       deps.DB,
		sink:     deps.Sink,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      deps.Limiter,
		scrape:       deps.MetricsHandler,
		proxies:      deps.TrustedProxies,
		maxBody:      deps.MaxBodyBytes,
		webhookLimit: deps.WebhookLimit,
	}
	if r.sink == nil {
		r.sink = metrics.NewNoopSink()
	}
	if r.maxBody <= 0 {
		r.maxBody = defaultMaxBody
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if deps.Registerer != nil {
		r.initMetrics(deps.Registerer)
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/health", r.audit("/health", r.handleHealth))
	r.mux.HandleFunc("/readyz", r.audit("/readyz", r.handleReadyz))
	r.mux.HandleFunc("/api/webhook/{provider}", r.audit("/api/webhook", r.handleWebhook))
	reads := []struct {
		route   string
		handler http.HandlerFunc
	}{
		{"/api/metrics/summary", r.handleSummary},
		{"/api/metrics/trends", r.handleTrends},
		{"/api/metrics/compare", r.handleCompare},
		{"/api/metrics/rollups", r.handleRollups},
		{"/api/builds", r.handleBuilds},
		{"/api/builds/{run_id}", r.handleBuild},
		{"/api/alerts", r.handleAlerts},
		{"/api/alerts/stats", r.handleAlertStats},
		{"/api/alerts/thresholds", r.handleThresholds},
		{"/api/alerts/thresholds/{repository...}", r.handleThreshold},
	}
	for _, rt := range reads {
		r.mux.HandleFunc(rt.route, r.audit(rt.route, r.withRateLimit(rt.route, rateLimitRead, rateWindowDefault, r.clientKey, rt.handler)))
	}
	r.mux.HandleFunc("/ws/builds", r.audit("/ws/builds", r.withRateLimit("/ws/builds", rateLimitStream, rateWindowRealtime, r.clientKey, r.handleBuildsWS)))
	r.mux.HandleFunc("/api/stream", r.audit("/api/stream", r.withRateLimit("/api/stream", rateLimitStream, rateWindowRealtime, r.clientKey, r.handleStream)))
	if r.scrape != nil {
		r.mux.Handle("/metrics", r.scrape)
	}
	r.mux.HandleFunc("/", r.audit("unmatched", func(w http.ResponseWriter, _ *http.Request) { r.notFound(w) }))
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	provider := strings.ToLower(strings.TrimSpace(req.PathValue("provider")))
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			r.sink.WebhookReceived(provider, metrics.OutcomeInvalid)
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	ctx, ok := r.authenticateWebhook(w, req, provider, body)
	if !ok {
		return
	}
	if setter, ok := w.(contextSetter); ok {
		setter.SetContext(ctx)
	}
	if info, ok := authInfoFromContext(ctx); ok && !r.admitDelivery(w, info) {
		return
	}

	outcome, err := r.ingest.Handle(req.Context(), provider, body)
	if err != nil {
		var nerr *normalize.Error
		switch {
		case errors.As(err, &nerr):
			writeError(w, http.StatusBadRequest, nerr.Error())
		case errors.Is(err, store.ErrPersistenceTimeout):
			w.Header().Set("Retry-After", retryAfterSeconds)
			writeError(w, http.StatusServiceUnavailable, "build store unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "could not store build event")
		}
		return
	}
	payload := map[string]any{"status": outcome.Status}
	if outcome.Run.ProviderRunID != "" {
		payload["run"] = outcome.Run.String()
	}
	if outcome.Rejection != "" {
		payload["rejection"] = outcome.Rejection
	}
	if len(outcome.Warnings) > 0 {
		payload["warnings"] = outcome.Warnings
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleReadyz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.db != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.db.Ping(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	} else {
		components["database"] = map[string]any{"status": "disabled"}
	}
	if r.hub != nil {
		components["subscribers"] = r.hub.Subscribers()
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		reqID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		recorder.Header().Set("X-Request-ID", reqID)
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID,
		}
		fields = append(fields, "ip", r.clientIP(req))
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "writer"
			fields = append(fields, "auth", info.Method)
			if info.Provider != "" {
				fields = append(fields, "provider", info.Provider)
			}
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
