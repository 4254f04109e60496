package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes a registry over HTTP.
type Server struct {
	server   *http.Server
	endpoint string
	log      *zap.Logger
}

// NewServer prepares a server on addr serving m at endpoint.
func NewServer(addr, endpoint string, m *Metrics, log *zap.Logger) *Server {
	if endpoint == "" {
		endpoint = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(endpoint, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		endpoint: endpoint,
		log:      log,
	}
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics_server_listening", zap.String("addr", s.server.Addr), zap.String("endpoint", s.endpoint))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics_server_failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.log.Info("metrics_server_stopped")
	return nil
}
