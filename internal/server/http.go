package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jinzhu/copier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/skypro1111/dictation-service/internal/config"
	"github.com/skypro1111/dictation-service/internal/metrics"
	"github.com/skypro1111/dictation-service/internal/protocol"
	"github.com/skypro1111/dictation-service/internal/stream"
)

const (
	serviceName    = "dictation-service"
	serviceVersion = "1.0.0"
	redacted       = "[redacted]"
)

// HTTPServer serves the dictation WebSocket and the monitoring endpoints
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	streamMgr *stream.Manager
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	upgrader  websocket.Upgrader

	startTime time.Time
}

// NewHTTPServer creates the server. gatherer backs /metrics; nil uses the
// default Prometheus registry.
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger,
	streamMgr *stream.Manager, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger.With(slog.String("component", "server")),
		config:    appConfig,
		streamMgr: streamMgr,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", appConfig.Server.BindAddress, appConfig.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// Handler returns the root handler.
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures the HTTP routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Dictation endpoint; upgrades bypass the REST middleware
	mux.HandleFunc("GET /ws", h.handleWebSocket)

	h.route(mux, "GET /health", "/health", h.handleHealth)
	h.route(mux, "GET /healthz", "/healthz", h.handleHealth)

	h.route(mux, "GET /sessions", "/sessions", h.handleSessions)
	h.route(mux, "GET /sessions/{id}", "/sessions/{id}", h.handleSessionDetail)

	h.route(mux, "GET /config", "/config", h.handleConfig)
	h.route(mux, "GET /stats", "/stats", h.handleStats)
	h.route(mux, "GET /study-types", "/study-types", h.handleStudyTypes)
	h.route(mux, "GET /schema", "/schema", h.handleSchema)

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /", h.handleRoot)
}

// route registers a REST handler wrapped with metrics and tracing.
func (h *HTTPServer) route(mux *http.ServeMux, pattern, endpoint string, handler http.HandlerFunc) {
	mux.Handle(pattern, otelhttp.NewHandler(h.withMetrics(endpoint, handler), endpoint))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listen address and serves in the background.
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting dictation server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server. Hijacked WebSocket connections are
// not tracked by Shutdown; the session manager ends them.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping dictation server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health and /healthz endpoints
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"timestamp":       time.Now().UTC(),
		"uptime":          time.Since(h.startTime).String(),
		"active_sessions": h.streamMgr.GetActiveSessionCount(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.streamMgr.GetAllSessions()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	session, exists := h.streamMgr.GetSession(id)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, session.Info())
}

// handleConfig returns the configuration with credentials redacted
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	var sanitized config.Config
	if err := copier.CopyWithOption(&sanitized, h.config, copier.Option{DeepCopy: true}); err != nil {
		h.logger.Error("Failed to copy config", slog.String("error", err.Error()))
		http.Error(w, "Failed to render config", http.StatusInternalServerError)
		return
	}
	sanitized.Credentials.DeepgramAPIKey = redact(sanitized.Credentials.DeepgramAPIKey)
	sanitized.Credentials.OpenAIAPIKey = redact(sanitized.Credentials.OpenAIAPIKey)

	writeJSON(w, http.StatusOK, sanitized)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return redacted
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	sessions := h.streamMgr.GetAllSessions()

	var turns, failedTurns int
	var framesReceived, framesDropped uint64
	for _, s := range sessions {
		turns += s.Turns
		failedTurns += s.FailedTurns
		framesReceived += s.FramesReceived
		framesDropped += s.FramesDropped
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"manager":   h.streamMgr.Stats(),
		"sessions": map[string]any{
			"active_count":    len(sessions),
			"turns":           turns,
			"failed_turns":    failedTurns,
			"frames_received": framesReceived,
			"frames_dropped":  framesDropped,
		},
	})
}

// handleStudyTypes implements the /study-types endpoint
func (h *HTTPServer) handleStudyTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"study_types": h.streamMgr.StudyTypes(),
	})
}

// handleSchema implements the /schema endpoint
func (h *HTTPServer) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.BuildSchema())
}

// handleRoot serves a plain-text banner. WebSocket clients that connect to
// the root path are upgraded as on /ws.
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.handleWebSocket(w, r)
		return
	}

	h.withMetrics("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "%s %s\n\n", serviceName, serviceVersion)
		fmt.Fprintln(w, "WS   /ws?mode=append|refine  Dictation stream")
		fmt.Fprintln(w, "GET  /health                 Service health check")
		fmt.Fprintln(w, "GET  /sessions               List active sessions")
		fmt.Fprintln(w, "GET  /sessions/{id}          Session details")
		fmt.Fprintln(w, "GET  /config                 Service configuration")
		fmt.Fprintln(w, "GET  /stats                  Service statistics")
		fmt.Fprintln(w, "GET  /study-types            Study type catalog")
		fmt.Fprintln(w, "GET  /schema                 Message JSON schema")
		fmt.Fprintln(w, "GET  /metrics                Prometheus metrics")
	})(w, r)
}
