// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/galaxy/internal/api"
	"github.com/starford/galaxy/internal/assets"
	"github.com/starford/galaxy/internal/dispatch"
	"github.com/starford/galaxy/internal/models"
	"github.com/starford/galaxy/internal/pyexec"
	"github.com/starford/galaxy/internal/scene"
	"github.com/starford/galaxy/internal/ui"
)

// reloadThrottle bounds how often asset changes trigger a page reload.
const reloadThrottle = 2 * time.Second

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	logger, logCloser, err := app.logger()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("galaxy_path", cfg.Galaxy.Path),
		slog.String("scenes_path", cfg.Galaxy.Resolve(cfg.Scenes.Path)),
		slog.Bool("remote_enabled", cfg.Remote.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, err := newCore(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	// Initialize scene store.
	scenes, err := scene.Open(cfg.Galaxy.Resolve(cfg.Scenes.Path))
	if err != nil {
		return fmt.Errorf("init scene store: %w", err)
	}
	defer scenes.Close()

	if err := c.loadAssets(runCtx); err != nil {
		logger.Warn("assets: bootstrap incomplete", slog.String("error", err.Error()))
	}

	// UI broker and script bridge.
	broker := ui.NewBroker(reloadThrottle)
	defer broker.Close()
	bridge := ui.NewBridge(broker, cfg.Macros.ScriptTimeout, logger)
	c.service.Script = bridge
	c.service.Notify = bridge

	disp := dispatch.New(c.service, bridge, dispatch.Options{
		Workers:   cfg.Macros.Workers,
		QueueSize: cfg.Macros.QueueSize,
		Logger:    logger,
		Observer: func(task models.ExecutionTask) {
			logger.Debug("dispatch: task state",
				slog.String("task_id", task.ID),
				slog.String("state", string(task.State)))
		},
	})

	saver := scene.NewSaver(scenes, c.persist, logger)

	deps := api.Deps{
		Dispatcher: disp,
		Saver:      saver,
		Scenes:     scenes,
		Macros:     c.registry,
		Scripts:    bridge,
		Files:      c.table,
		Events:     broker,
		Logger:     logger,
	}
	if cfg.Macros.PythonInterpreter != "" {
		deps.Python = &pyexec.Runner{
			Interpreter: cfg.Macros.PythonInterpreter,
			Timeout:     cfg.Macros.PythonTimeout,
			Logger:      logger,
		}
	}
	apiRouter := api.NewRouter(deps, cfg.Auth.AuthEnabled(), cfg.Auth.Token)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.App.Debug {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if c.table.Len() == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"loading"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api; everything else is served from the file table.
	r.Mount("/api", apiRouter)
	r.Handle("/*", api.FileServer(c.table, logger))

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(runCtx)

	disp.Start(gCtx)

	// Watch development directories and push reloads to the page.
	if len(cfg.Galaxy.DevDirs) > 0 {
		g.Go(func() error {
			err := assets.Watch(gCtx, c.table, cfg.Galaxy.DevDirs, logger, broker.PublishAssetEvent)
			if err != nil {
				logger.Error("watcher: stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// The startup macro runs once, after the first page has connected.
	g.Go(func() error {
		select {
		case <-broker.Ready():
		case <-gCtx.Done():
			return nil
		}
		if _, ok := c.registry.Startup(); !ok {
			logger.Info("startup: no startup macro registered")
			return nil
		}
		task, err := disp.Dispatch(models.ExecutionTask{Label: c.registry.StartupLabel()})
		if err != nil {
			logger.Error("startup: dispatch failed", slog.String("error", err.Error()))
			return nil
		}
		logger.Info("startup: dispatched", slog.String("task_id", task.ID))
		return nil
	})

	if cfg.Scenes.AutosaveInterval > 0 {
		g.Go(func() error {
			saver.AutoSave(gCtx, cfg.Scenes.AutosaveInterval, bridge.Snapshot)
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		// Closing the broker ends open event streams so Shutdown does not wait on them.
		broker.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}
	disp.Wait()

	if n, err := c.persist(); err != nil {
		logger.Warn("assets: persist on shutdown failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("assets: persisted on shutdown", slog.Int("files", n))
	}

	logger.Info("Server stopped successfully")
	return nil
}
