package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"drover/pkg/logx"
)

// StatusProvider returns the current run snapshot for the /status
// endpoint. It is called per request and must be safe for concurrent
// use.
type StatusProvider func() any

// statusLogLines is how many recent log entries /status carries.
const statusLogLines = 20

// statusResponse is the /status payload: the run snapshot plus the tail
// of the in-memory log buffer.
type statusResponse struct {
	Run        any             `json:"run"`
	RecentLogs []logx.LogEntry `json:"recent_logs"`
}

// Server exposes /metrics, /status, and /healthz on a local address
// while a run is in flight.
type Server struct {
	addr     string
	recorder *Recorder
	status   StatusProvider
	logger   *logx.Logger

	listener net.Listener
}

// NewServer builds a server; it does not listen until Start.
func NewServer(addr string, recorder *Recorder, status StatusProvider) *Server {
	return &Server{
		addr:     addr,
		recorder: recorder,
		status:   status,
		logger:   logx.NewLogger("status"),
	}
}

// Start binds the listen address and serves until ctx is cancelled.
// Binding happens synchronously so a bad address fails loudly at
// startup; serving and shutdown run in the background.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.recorder.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealth)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return logx.Wrap(err, "bind status server")
	}
	s.listener = listener

	server := &http.Server{Handler: mux}
	s.logger.Info("status server listening on %s", listener.Addr())

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		// Parent context is already cancelled, so shutdown gets its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("status server shutdown failed: %v", err)
		}
	}()

	return nil
}

// Addr reports the bound address, useful when Start was given ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload := statusResponse{RecentLogs: logx.RecentEntries(statusLogLines)}
	if s.status != nil {
		payload.Run = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode status response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}` + "\n")); err != nil {
		s.logger.Error("write health response: %v", err)
	}
}
