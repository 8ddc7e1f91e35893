package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CVDpl/go-edgeindex/internal/common"
)

// Server exposes /metrics for a prometheus gatherer and the pprof handlers
// under /debug/pprof/.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger common.Logger
}

// NewHandler returns the mux served by StartServer.
func NewHandler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// StartServer listens on addr (":9090", "127.0.0.1:0") and serves in the
// background until Stop.
func StartServer(addr string, gatherer prometheus.Gatherer, logger common.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{
			Handler:           NewHandler(gatherer),
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln:     ln,
		logger: common.OrNull(logger),
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("monitoring server error", "addr", ln.Addr().String(), "error", err.Error())
		}
	}()
	s.logger.Debug("monitoring server started", "addr", ln.Addr().String())
	return s, nil
}

// Addr is the address the server listens on.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
