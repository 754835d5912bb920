// Package server exposes the broadcast over HTTP. The stream endpoint steals
// the connection from the HTTP server after writing headers; from then on
// the socket belongs to the fan-out and the response body is framed by EOF.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"streamcast/internal/broadcast"
	"streamcast/internal/observability/logging"
	"streamcast/internal/observability/metrics"
	"streamcast/internal/pipeline"
)

const serverName = "streamcast"

// PipelineStatus is the read-only view of the pipeline the handlers need.
// Implemented by pipeline.Controller.
type PipelineStatus interface {
	State() pipeline.State
	ContentType() string
}

type Config struct {
	Status   PipelineStatus
	Fanout   *broadcast.Fanout
	Registry *broadcast.Registry
	Logger   *slog.Logger
	Recorder *metrics.Recorder
}

type Server struct {
	status   PipelineStatus
	fanout   *broadcast.Fanout
	registry *broadcast.Registry
	logger   *slog.Logger
	recorder *metrics.Recorder
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Server{
		status:   cfg.Status,
		fanout:   cfg.Fanout,
		registry: cfg.Registry,
		logger:   logging.WithComponent(logger, "server"),
		recorder: recorder,
	}
}

// Handler builds the routing table with the request-ID, logging and metrics
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleStream)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.recorder.Handler())

	var handler http.Handler = mux
	handler = logging.RequestLogger(logging.RequestLoggerConfig{Logger: s.logger})(handler)
	handler = metrics.HTTPMiddleware(s.recorder, handler)
	handler = requestID(handler)
	return handler
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch s.status.State() {
	case pipeline.StateNull, pipeline.StateHalted:
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		s.logger.Error("hijack failed", slog.Any("error", err))
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// The body has no length framing: it ends when the connection does.
	var response strings.Builder
	response.WriteString("HTTP/1.1 200 OK\r\n")
	response.WriteString("Content-Type: " + s.status.ContentType() + "\r\n")
	response.WriteString("Server: " + serverName + "\r\n")
	response.WriteString("Cache-Control: no-store\r\n")
	response.WriteString("Connection: close\r\n\r\n")
	if _, err := rw.WriteString(response.String()); err != nil {
		conn.Close()
		return
	}
	if err := rw.Flush(); err != nil {
		conn.Close()
		return
	}

	client, first := s.fanout.AddClient(conn)
	if client == nil {
		conn.Close()
		return
	}
	// A fatal engine event landing between the availability check and the
	// registration above evicts the registry without seeing this client.
	// The bridge halts before it clears, so re-checking here closes that
	// window.
	if s.status.State() == pipeline.StateHalted {
		s.fanout.Remove(client.ID(), broadcast.ReasonStreamError)
		return
	}
	requestLogger := logging.WithContext(r.Context(), s.logger)
	requestLogger.Info("stream client connected",
		slog.String("client_id", client.ID()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.Bool("first", first))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload := struct {
		State   string `json:"state"`
		Clients int    `json:"clients"`
	}{
		State:   s.status.State().String(),
		Clients: s.registry.Size(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("health encode failed", slog.Any("error", err))
	}
}

// requestID tags every request with an identifier, honouring one supplied by
// the caller.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		ctx := logging.ContextWithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
