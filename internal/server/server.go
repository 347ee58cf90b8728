package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"workspace/internal/appinstance"
	"workspace/internal/appinstance/repo"
	"workspace/internal/appinstance/worker"
	"workspace/internal/config"
	"workspace/internal/controlplane"
	"workspace/internal/monitor"
	"workspace/internal/reaper"
	"workspace/internal/spawner"

	"github.com/hibiken/asynq"
)

// Server assembles the control plane: the REST API, the asynq spawn
// worker, the idle reaper and the metrics endpoint.
type Server struct {
	cfg         *config.ControlPlaneConfig
	deps        *Dependency
	httpServer  *http.Server
	asynqServer *asynq.Server
	asynqMux    *asynq.ServeMux
	reaper      *reaper.Reaper
	logger      *slog.Logger
}

func NewServer(cfg *config.ControlPlaneConfig, deps *Dependency) *Server {
	logger := deps.Logger

	instanceRepo := repo.NewRepository(deps.PG, deps.Redis)
	process := spawner.NewProcess(instanceRepo, logger)
	container := spawner.NewContainer(deps.Docker, instanceRepo, logger)

	spawnWorker := worker.NewSpawnWorker(instanceRepo, process, container, logger)
	asynqServer := asynq.NewServer(deps.AsynqRedis, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Logger:      newAsynqLogger(logger),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(appinstance.SpawnTask, spawnWorker.HandleSpawn)

	idleReaper := reaper.New(instanceRepo, deps.Redis, process, container, reaper.Config{
		Interval:    cfg.ReaperInterval,
		IdleTimeout: cfg.ReaperIdleTimeout,
	}, logger)

	handler := controlplane.NewApplicationHandler(instanceRepo, deps.AsynqClient, process, container, logger)
	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      controlplane.NewRouter(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return &Server{
		cfg:         cfg,
		deps:        deps,
		httpServer:  httpServer,
		asynqServer: asynqServer,
		asynqMux:    mux,
		reaper:      idleReaper,
		logger:      logger,
	}
}

func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.logger.Info("Starting asynq worker", "concurrency", s.cfg.WorkerConcurrency)
		if err := s.asynqServer.Start(s.asynqMux); err != nil {
			s.logger.Error("Asynq worker failed", "error", err)
		}
	}()

	go s.reaper.Start()

	go func() {
		if err := monitor.StartMetricsServer(ctx, "controlplane", s.cfg.MetricsAddr, s.logger); err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting control plane API", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.reaper.Stop()
	s.asynqServer.Shutdown()

	s.logger.Info("Control plane stopped gracefully")
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug("", "msg", args) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info("", "msg", args) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn("", "msg", args) }
func (a *asynqLogger) Error(args ...any) { a.l.Error("", "msg", args) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL", "msg", args) }
