package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/otpgate/otpgate/internal/config"
	"github.com/otpgate/otpgate/internal/gateway"
	"github.com/otpgate/otpgate/internal/reconcile"
	"github.com/otpgate/otpgate/internal/routes"
)

// Server wraps the Fiber application and the background reconcile job.
type Server struct {
	app    *fiber.App
	cfg    config.Config
	job    *reconcile.Job
	logger *slog.Logger
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
// The vendor allocation call may take up to its timeout, so the write timeout
// leaves headroom above it.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		Immutable:    true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.VendorAllocateTimeout + 15*time.Second,
		ErrorHandler: gateway.ErrorHandler(logger),
	})

	job, err := routes.Setup(app, routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger})
	if err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg, job: job, logger: logger}, nil
}

// Listen starts the reconcile job and then the HTTP server.
func (s *Server) Listen() error {
	s.job.Start()
	s.logger.Info("listening", slog.String("addr", s.cfg.Address()), slog.String("store", s.cfg.StoreBackend))
	return s.app.Listen(s.cfg.Address())
}

// Shutdown stops accepting requests, then waits for an in-flight reconcile sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.job.Stop(ctx)
	return err
}
