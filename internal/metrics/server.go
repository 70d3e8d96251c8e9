package metrics

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netsteria/rendezvous/internal/logging"
)

// ServerConfig configures the metrics HTTP endpoint.
type ServerConfig struct {
	Address       string
	BasicAuthUser string
	BasicAuthPass string
}

// Server exposes a Registry's metrics at /metrics over plain HTTP, with an
// optional basic-auth gate. Grounded on the teacher's internal/health.Server
// listen/serve/shutdown shape, narrowed to the one endpoint this subsystem
// needs.
type Server struct {
	cfg      ServerConfig
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
	logger   *slog.Logger
}

// NewServer builds a metrics Server serving gatherer's families. gatherer is
// typically prometheus.DefaultGatherer, or an isolated test registry.
func NewServer(cfg ServerConfig, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{cfg: cfg, logger: logger.With(slog.String("component", "metrics_server"))}

	mux := http.NewServeMux()
	handler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	if cfg.BasicAuthUser != "" || cfg.BasicAuthPass != "" {
		handler = s.requireBasicAuth(handler)
	}
	mux.Handle("/metrics", handler)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// requireBasicAuth wraps next with a constant-time basic-auth check.
func (s *Server) requireBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.BasicAuthUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.BasicAuthPass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start opens the listener and begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Address returns the server's bound listen address, or nil before Start.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning reports whether the server is currently serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}
