package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pipegate/internal/config"
	"pipegate/internal/heartbeat"
	"pipegate/internal/pipeline"
	"pipegate/internal/runtime"
	"pipegate/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	evalPath           = "eval"
)

// Resolver answers endpoint-discovery queries against the runtime table.
type Resolver interface {
	ResolveURI(ctx context.Context, name string) (string, error)
	Statuses(ctx context.Context) (map[string]runtime.Status, error)
}

// Router wires the gateway's HTTP endpoints to the runtime controller, the
// pipeline store, and the heartbeat state.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	resolver  Resolver
	store     *pipeline.Store
	heartbeat *heartbeat.State
	hub       *ws.Hub
	upgrader  websocket.Upgrader

	client         *http.Client
	resolveTimeout time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	evalTotal          *prometheus.CounterVec
}

// manifest pairs a runtime name with the opaque calls it should evaluate.
// The calls payload is a contract between the designer and the backend; the
// gateway relays it untouched.
type manifest struct {
	Runtime string          `json:"runtime"`
	Calls   json.RawMessage `json:"calls"`
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, resolver Resolver, store *pipeline.Store, hb *heartbeat.State, hub *ws.Hub, cfg config.Config) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "gateway"),
		resolver:  resolver,
		store:     store,
		heartbeat: hb,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		client:         &http.Client{Timeout: cfg.EvalTimeout},
		resolveTimeout: cfg.ResolveTimeout,
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/", r.instrument("/", r.handleRun))
	r.mux.HandleFunc("/design", r.instrument("/design", r.handleDesign))
	r.mux.HandleFunc("/ping", r.instrument("/ping", r.handlePing))
	r.mux.HandleFunc("/eval", r.instrument("/eval", r.handleEval))
	r.mux.HandleFunc("/pipeline", r.instrument("/pipeline", r.handlePipeline))
	r.mux.HandleFunc("/ws/events", r.instrument("/ws/events", r.handleEvents))
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
}

func (r *Router) handleRun(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		r.notFound(w)
		return
	}
	r.serveDesigner(w, req, "run")
}

func (r *Router) handleDesign(w http.ResponseWriter, req *http.Request) {
	r.serveDesigner(w, req, "design")
}

func (r *Router) serveDesigner(w http.ResponseWriter, req *http.Request, mode string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, designerPage(mode))
}

func (r *Router) handlePing(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ts := r.heartbeat.Touch(time.Now())
	writeText(w, http.StatusOK, strconv.FormatInt(ts, 10))
}

func (r *Router) handleEval(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Manifests []manifest `json:"manifests"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid eval request body")
		return
	}
	if len(payload.Manifests) == 0 {
		writeError(w, http.StatusBadRequest, "at least one manifest is required")
		return
	}
	// Only the first manifest is dispatched; the designer submits one per
	// request today.
	if len(payload.Manifests) > 1 {
		r.logger.Warn("extra manifests ignored", "count", len(payload.Manifests)-1)
	}
	m := payload.Manifests[0]
	if m.Runtime == "" {
		writeError(w, http.StatusBadRequest, "manifest runtime is required")
		return
	}
	if len(m.Calls) == 0 || bytes.Equal(m.Calls, []byte("null")) {
		writeError(w, http.StatusBadRequest, "manifest calls are required")
		return
	}

	resolveCtx, cancel := context.WithTimeout(req.Context(), r.resolveTimeout)
	defer cancel()
	endpoint, err := r.resolver.ResolveURI(resolveCtx, m.Runtime)
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrUnknownRuntime):
			r.recordEval(m.Runtime, "unknown")
			writeError(w, http.StatusNotFound, err.Error())
		default:
			r.recordEval(m.Runtime, "unavailable")
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return
	}

	evalURL, err := url.JoinPath(endpoint, evalPath)
	if err != nil {
		r.recordEval(m.Runtime, "error")
		writeError(w, http.StatusInternalServerError, "invalid runtime endpoint")
		return
	}

	backendReq, err := http.NewRequestWithContext(req.Context(), http.MethodPost, evalURL, bytes.NewReader(m.Calls))
	if err != nil {
		r.recordEval(m.Runtime, "error")
		writeError(w, http.StatusInternalServerError, "failed to build runtime request")
		return
	}
	backendReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(backendReq)
	if err != nil {
		r.logger.Warn("runtime call failed", "runtime", m.Runtime, "endpoint", endpoint, "error", err)
		r.recordEval(m.Runtime, "network_error")
		writeError(w, http.StatusBadGateway, "runtime backend unreachable")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.recordEval(m.Runtime, "network_error")
		writeError(w, http.StatusBadGateway, "failed to read runtime response")
		return
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		r.logger.Warn("runtime returned error status", "runtime", m.Runtime, "status", resp.StatusCode)
		r.recordEval(m.Runtime, "backend_error")
		writeError(w, http.StatusBadGateway, "runtime evaluation failed")
		return
	}
	if !json.Valid(body) {
		r.recordEval(m.Runtime, "protocol_error")
		writeError(w, http.StatusBadGateway, "malformed runtime response")
		return
	}

	r.recordEval(m.Runtime, "ok")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (r *Router) handlePipeline(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		data, err := r.store.Read()
		if err != nil {
			if os.IsNotExist(err) {
				r.notFound(w)
				return
			}
			r.logger.Error("failed to read pipeline", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read pipeline")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case http.MethodPost:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if err := r.store.Write(body); err != nil {
			r.logger.Error("failed to persist pipeline", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to persist pipeline")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(runtime.EventsTopic, client)
	go func() {
		defer func() {
			r.hub.Unregister(runtime.EventsTopic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	components := map[string]any{}
	statuses, err := r.resolver.Statuses(ctx)
	if err != nil {
		status = "degraded"
		components["runtimes"] = map[string]any{"status": "down", "error": err.Error()}
	} else {
		runtimes := make(map[string]string, len(statuses))
		for name, st := range statuses {
			runtimes[name] = st.String()
			if st != runtime.StatusReady {
				status = "degraded"
			}
		}
		components["runtimes"] = runtimes
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

// instrument wraps a handler with request logging and prometheus metrics.
func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
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

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
