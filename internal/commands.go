package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/starford/galaxy/internal/dispatch"
	"github.com/starford/galaxy/internal/mcpserver"
	"github.com/starford/galaxy/internal/models"
	"github.com/starford/galaxy/internal/scene"
)

// headless builds the logger and core for commands that serve no page.
func headless(ctx context.Context, opts []Option) (*core, func(), error) {
	app := newApplication(opts)
	if app.config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}
	logger, logCloser, err := app.logger()
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)

	c, err := newCore(ctx, app.config, logger)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, err
	}
	return c, func() {
		_ = c.Close()
		_ = logCloser.Close()
	}, nil
}

// Sync fetches the remote assets into the cache, even when the cache is current.
func Sync(ctx context.Context, opts ...Option) (int, error) {
	c, done, err := headless(ctx, opts)
	if err != nil {
		return 0, err
	}
	defer done()

	s := c.syncer()
	if s.Source == nil {
		return 0, fmt.Errorf("remote sync is disabled")
	}
	entries, err := s.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

type macroListing struct {
	Fallback string       `yaml:"fallback"`
	Startup  string       `yaml:"startup"`
	Macros   []macroEntry `yaml:"macros"`
}

type macroEntry struct {
	Label    string `yaml:"label"`
	Kind     string `yaml:"kind"`
	Origin   string `yaml:"origin"`
	Async    bool   `yaml:"async"`
	Checksum string `yaml:"checksum"`
}

// ListMacros writes the registered macros to w as YAML.
func ListMacros(ctx context.Context, w io.Writer, opts ...Option) error {
	c, done, err := headless(ctx, opts)
	if err != nil {
		return err
	}
	defer done()

	listing := macroListing{
		Fallback: c.registry.FallbackLabel(),
		Startup:  c.registry.StartupLabel(),
	}
	for _, def := range c.registry.Definitions() {
		listing.Macros = append(listing.Macros, macroEntry{
			Label:    def.Label,
			Kind:     string(def.Kind),
			Origin:   string(def.Origin),
			Async:    def.Async,
			Checksum: def.Checksum,
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(listing); err != nil {
		return err
	}
	return enc.Close()
}

// RunMacro executes one task without a page attached and writes its envelope
// to w. Script and toast capabilities are unavailable.
func RunMacro(ctx context.Context, w io.Writer, task models.ExecutionTask, opts ...Option) (models.Envelope, error) {
	c, done, err := headless(ctx, opts)
	if err != nil {
		return models.Envelope{}, err
	}
	defer done()

	if err := c.loadAssets(ctx); err != nil {
		c.logger.Warn("assets: bootstrap incomplete", slog.String("error", err.Error()))
	}

	results := dispatch.NewResultTable()
	disp := dispatch.New(c.service, results, dispatch.Options{Workers: 1, QueueSize: 1, Logger: c.logger})
	runCtx, cancel := context.WithCancel(ctx)
	disp.Start(runCtx)
	defer func() {
		cancel()
		disp.Wait()
	}()

	env, err := dispatch.Call(ctx, disp, results, task)
	if err != nil {
		return models.Envelope{}, err
	}
	if n, err := c.persist(); err != nil {
		c.logger.Warn("assets: persist failed", slog.String("error", err.Error()))
	} else if n > 0 {
		c.logger.Info("assets: persisted", slog.Int("files", n))
	}

	out, err := json.Marshal(env)
	if err != nil {
		return env, err
	}
	_, err = fmt.Fprintln(w, string(out))
	return env, err
}

// ServeMCP exposes macros, files and scenes as MCP tools over stdio. Logs
// must go somewhere other than stdout; see WithLogOutput.
func ServeMCP(ctx context.Context, opts ...Option) error {
	c, done, err := headless(ctx, opts)
	if err != nil {
		return err
	}
	defer done()
	cfg := c.cfg

	if err := c.loadAssets(ctx); err != nil {
		c.logger.Warn("assets: bootstrap incomplete", slog.String("error", err.Error()))
	}

	scenes, err := scene.Open(cfg.Galaxy.Resolve(cfg.Scenes.Path))
	if err != nil {
		return fmt.Errorf("init scene store: %w", err)
	}
	defer scenes.Close()

	results := dispatch.NewResultTable()
	disp := dispatch.New(c.service, results, dispatch.Options{
		Workers:   cfg.Macros.Workers,
		QueueSize: cfg.Macros.QueueSize,
		Logger:    c.logger,
	})
	runCtx, cancel := context.WithCancel(ctx)
	disp.Start(runCtx)
	defer func() {
		cancel()
		disp.Wait()
		if _, err := c.persist(); err != nil {
			c.logger.Warn("assets: persist failed", slog.String("error", err.Error()))
		}
	}()

	srv := mcpserver.New(mcpserver.Deps{
		Macros: c.registry,
		Run: func(ctx context.Context, task models.ExecutionTask) (models.Envelope, error) {
			return dispatch.Call(ctx, disp, results, task)
		},
		Files:  c.table,
		Scenes: scenes,
	})

	c.logger.Info("mcp: serving on stdio", slog.Int("macros", len(c.registry.Labels())))
	return srv.ServeStdio()
}
