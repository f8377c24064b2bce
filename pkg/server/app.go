package server

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CoinPulse/internal/handler/api"
	"CoinPulse/internal/middleware"
	"CoinPulse/internal/usecase"
	"CoinPulse/pkg/config"
	xhttp "CoinPulse/pkg/http"
	applogger "CoinPulse/pkg/logger"
)

// App owns the long-running parts of the service: the engine, the sink
// pipeline, the websocket hub and the HTTP server.
type App struct {
	cfg        *config.Config
	logger     *applogger.Logger
	engine     *usecase.Engine
	pipeline   *middleware.ChangesPipeline
	hub        *api.Hub
	httpServer *xhttp.Server
}

func New(
	cfg *config.Config,
	logger *applogger.Logger,
	engine *usecase.Engine,
	pipeline *middleware.ChangesPipeline,
	hub *api.Hub,
	httpServer *xhttp.Server,
) *App {
	return &App{
		cfg:        cfg,
		logger:     logger.With("app"),
		engine:     engine,
		pipeline:   pipeline,
		hub:        hub,
		httpServer: httpServer,
	}
}

// Run starts everything and blocks until SIGINT/SIGTERM, ctx cancellation
// or an HTTP listen failure, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.pipeline.Start(ctx)
	httpErr := a.httpServer.Start()

	// Start blocks until pairs and chart data are in place
	engineErr := make(chan error, 1)
	go func() {
		engineErr <- a.engine.Start(ctx)
	}()

	var runErr error
	for runErr == nil {
		select {
		case <-ctx.Done():
			a.logger.Info("shutdown signal received")
			return a.shutdown()
		case err, ok := <-httpErr:
			if ok && err != nil {
				a.logger.Error("http server failed", applogger.Error(err))
				runErr = err
			}
			httpErr = nil
		case err := <-engineErr:
			switch {
			case err == nil:
				a.logger.Info("engine started", applogger.Int("pairs", len(a.engine.AllPairs())))
			case errors.Is(err, usecase.ErrNoPairs):
				// keep serving so operators can inspect /api/status
				a.logger.Warn("engine has no pairs to track")
			case errors.Is(err, usecase.ErrIllegalState):
			default:
				a.logger.Error("engine start failed", applogger.Error(err))
				runErr = err
			}
			engineErr = nil
		}
	}
	if err := a.shutdown(); err != nil {
		a.logger.Warn("shutdown incomplete", applogger.Error(err))
	}
	return runErr
}

func (a *App) shutdown() error {
	a.logger.Info("shutting down")
	var errs []error

	if err := a.engine.Stop(); err != nil && !errors.Is(err, usecase.ErrIllegalState) {
		errs = append(errs, err)
	}
	a.pipeline.Stop()
	a.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout+time.Second)
	defer cancel()
	if err := a.httpServer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
