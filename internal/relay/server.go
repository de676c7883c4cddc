package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/bluegreen/internal/domain"
	"github.com/splax/bluegreen/internal/progress"
)

const (
	defaultHeartbeat   = 15 * time.Second
	healthCheckTimeout = 2 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// Config wires a Server.
type Config struct {
	Logger *slog.Logger
	// Gatherer backs /metrics; prometheus.DefaultGatherer when nil.
	Gatherer  prometheus.Gatherer
	Metrics   *Metrics
	Heartbeat time.Duration
	// Health reports the state of the followed stream for /healthz.
	Health func(context.Context) error
}

// Server republishes progress aggregates to dashboards over SSE and
// websockets.
type Server struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	hub       *Hub
	gatherer  prometheus.Gatherer
	metrics   *Metrics
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	health    func(context.Context) error
}

// NewServer assembles routes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	s := &Server{
		mux:      http.NewServeMux(),
		logger:   logger,
		hub:      NewHub(cfg.Metrics),
		gatherer: gatherer,
		metrics:  cfg.Metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		heartbeat: heartbeat,
		health:    cfg.Health,
	}
	s.register()
	return s
}

// ServeHTTP delegates to underlying mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mux.ServeHTTP(w, req)
}

// Close disconnects every subscriber.
func (s *Server) Close() {
	s.hub.Stop()
}

// Publish broadcasts p to the subscribers of its deployment.
func (s *Server) Publish(p progress.Progress) {
	if p.DeploymentID == "" {
		return
	}
	payload, err := json.Marshal(p)
	if err != nil {
		s.logger.Error("encode progress failed", "deployment_id", p.DeploymentID, "error", err)
		return
	}
	s.hub.Broadcast(p.DeploymentID, payload)
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay server starting", "addr", addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("graceful shutdown failed", "error", err)
			return err
		}
		s.logger.Info("relay server stopped")
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) register() {
	s.mux.HandleFunc("GET /healthz", s.audit(s.handleHealthz))
	s.mux.HandleFunc("GET /metrics", s.audit(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	s.mux.HandleFunc("GET /deployments/{id}/progress", s.audit(s.handleProgressStream))
	s.mux.HandleFunc("GET /deployments/{id}/ws", s.audit(s.handleProgressWS))
}

func (s *Server) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if s.health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.health(ctx); err != nil {
			status = "degraded"
			components["stream"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["stream"] = map[string]any{"status": "up"}
		}
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

func (s *Server) handleProgressStream(w http.ResponseWriter, req *http.Request) {
	deploymentID := req.PathValue("id")
	if err := domain.ValidateDeploymentID(deploymentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := NewSSEClient(w, flusher, s.logger)
	s.hub.Register(deploymentID, client)
	defer s.hub.Unregister(deploymentID, client)
	defer client.Close()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleProgressWS(w http.ResponseWriter, req *http.Request) {
	deploymentID := req.PathValue("id")
	if err := domain.ValidateDeploymentID(deploymentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(conn, s.logger)
	s.hub.Register(deploymentID, client)
	go func() {
		defer func() {
			s.hub.Unregister(deploymentID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		s.metrics.request(req.Method, req.Pattern, status, duration)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			s.logger.Warn("http_request", fields...)
		default:
			s.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
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
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
