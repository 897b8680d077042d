package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/k2so/catsync/internal/config"
)

// Server runs the daemon's HTTP listener and drains it on shutdown.
type Server struct {
	logger   *slog.Logger
	listener *http.Server
	grace    time.Duration
	once     sync.Once
}

// New binds the handler to the configured listener settings. The shutdown
// grace comes from listen.shutdownGraceSeconds; in-flight requests get that
// long to finish before the listener is torn down.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	addr := net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port))
	return &Server{
		logger: logger.With(slog.String("agent", "lifecycle")),
		listener: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		grace: cfg.Server.Listen.ShutdownGrace(),
	}, nil
}

// Addr reports the configured bind address.
func (s *Server) Addr() string {
	return s.listener.Addr
}

// Run serves until the context cancels, then drains in-flight requests
// within the configured grace window before returning the context error.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener starting",
			slog.String("address", s.listener.Addr),
			slog.Duration("shutdown_grace", s.grace))
		if err := s.listener.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	if err := s.shutdown(drainCtx); err != nil {
		return fmt.Errorf("server: drain: %w", err)
	}
	return ctx.Err()
}

// shutdown collapses the listener once so cascading cancellations do not
// race each other into duplicate Shutdown calls.
func (s *Server) shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.logger.Info("http listener draining")
		err = s.listener.Shutdown(ctx)
	})
	return err
}
