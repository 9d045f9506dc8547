package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/fileflow/internal/version"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Server runs the background half of the upload pipeline: outbox dispatch and
// sweeps, session expiry, storage event completion and the asset worker.
type Server struct {
	config *Config
	svc    *Services
}

func New(ctx context.Context, config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	svc, err := NewServices(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Server{config: config, svc: svc}, nil
}

func (s *Server) Services() *Services {
	return s.svc
}

// Start blocks until ctx is done or a component fails.
func (s *Server) Start(ctx context.Context) error {
	slog.Info("fileflow server start", version.LogAttr(), "db", s.config.DB.Driver, "blob", s.config.Blob, "queue", s.config.Queue)
	defer slog.Info("fileflow server stop")

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.svc.Dispatcher.Run(ctx) })
	eg.Go(func() error { return s.svc.OutboxSweeper.Run(ctx) })
	eg.Go(func() error { return s.svc.ExpirySweeper.Run(ctx) })
	eg.Go(func() error { return s.svc.Listener.Run(ctx) })
	eg.Go(func() error { return s.svc.Consumer.Run(ctx) })
	if s.svc.StorageEvents != nil {
		eg.Go(func() error { return s.svc.StorageEvents.Run(ctx) })
	}

	err := eg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if serr := s.Stop(shutdownCtx); serr != nil {
		slog.Error("fileflow shutdown error", "error", serr)
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	return s.svc.Shutdown(ctx)
}
