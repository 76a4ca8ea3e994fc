package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/warelay/warelay/internal/config"
	"github.com/warelay/warelay/internal/httpapi"
	"go.uber.org/zap"
)

// Server manages the HTTP server carrying the client API, the provider
// webhook and the push socket.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// NewServer binds the listen address from config (or the Params override)
// and prepares the server. The port is bound here so a failure surfaces at
// construction, not in the serve goroutine.
func NewServer(p Params, cfg *config.Config, api *httpapi.Server, logger *zap.Logger) (*Server, error) {
	addr := p.Listen
	if addr == "" {
		addr = cfg.HTTP.Listen
	}
	if addr == "" {
		addr = config.DefaultListen
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	return &Server{
		httpServer: &http.Server{
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving HTTP requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.Addr()))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
