// Package server exposes the operational HTTP surface: health, version,
// Prometheus metrics and background job controls.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bobmcallan/finstream/internal/app"
	"github.com/bobmcallan/finstream/internal/common"
)

// Manual job runs execute inline, so writes may take as long as a full
// compression or aggregation pass.
const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 10 * time.Second
	writeTimeout      = 5 * time.Minute
	idleTimeout       = 2 * time.Minute
	maxHeaderBytes    = 64 << 10
)

// Server serves the ops endpoints of one App.
type Server struct {
	app          *app.App
	server       *http.Server
	logger       *common.Logger
	shutdownChan chan struct{}
}

// SetShutdownChannel registers the channel POST /api/shutdown signals.
func (s *Server) SetShutdownChannel(ch chan struct{}) {
	s.shutdownChan = ch
}

func NewServer(a *app.App) *Server {
	s := &Server{
		app:    a,
		logger: a.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(a.Config.Server.Host, strconv.Itoa(a.Config.Server.Port)),
		Handler:           applyMiddleware(mux, a.Logger),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listen address and serves until Shutdown. It returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.logger.Error().Str("addr", s.server.Addr).Err(err).Msg("Ops server failed to bind")
		return err
	}
	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("environment", s.app.Config.Environment).
		Msg("Ops server listening")
	return s.server.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests,
// including manual job runs, until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn().Msg("Ops server shutdown timed out with requests in flight")
	}
	return err
}
