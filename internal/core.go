package internal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/starford/galaxy/internal/assets"
	"github.com/starford/galaxy/internal/engine"
	"github.com/starford/galaxy/internal/filetable"
	"github.com/starford/galaxy/internal/imagegen"
	"github.com/starford/galaxy/internal/logging"
	"github.com/starford/galaxy/internal/macro"
	"github.com/starford/galaxy/internal/meta"
	"github.com/starford/galaxy/internal/remote"
	"github.com/starford/galaxy/internal/storage"
)

// core holds the components every command needs: directories, the file
// table, the macro registry and the engine.
type core struct {
	cfg    *Config
	logger *slog.Logger

	root  *storage.FS
	cache *storage.FS

	table    *filetable.Table
	registry *macro.Registry
	runtime  *engine.Runtime
	service  *engine.Service
}

// logger builds the process logger from the application config.
func (a *application) logger() (*slog.Logger, io.Closer, error) {
	cfg := a.config
	if _, err := storage.EnsureFS(cfg.Galaxy.Path); err != nil {
		return nil, nil, fmt.Errorf("create galaxy dir: %w", err)
	}
	return logging.New(a.logOutput, cfg.App.LogLevel, cfg.Galaxy.Resolve(cfg.App.LogFile))
}

func newCore(ctx context.Context, cfg *Config, logger *slog.Logger) (*core, error) {
	root, err := storage.EnsureFS(cfg.Galaxy.Path)
	if err != nil {
		return nil, fmt.Errorf("init galaxy dir: %w", err)
	}
	cache, err := storage.EnsureFS(cfg.Galaxy.CacheDir())
	if err != nil {
		return nil, fmt.Errorf("init cache dir: %w", err)
	}

	tableOpts := []filetable.Option{filetable.WithLogger(logger)}
	if cfg.Images.Enabled {
		gen := imagegen.New(cfg.Images.Endpoint, cfg.Secrets.OpenAIKey, cfg.Images.Model, cfg.Images.Size, cfg.Images.Timeout)
		if gen.Enabled() {
			tableOpts = append(tableOpts, filetable.WithGenerator(gen, cfg.Images.Timeout))
		} else {
			logger.Warn("images: generation enabled but no API key set")
		}
	}
	table := filetable.New(tableOpts...)

	registry := macro.NewRegistry(cfg.Macros.Fallback, cfg.Macros.Startup, logger)
	if err := registry.Load(cfg.Galaxy.Resolve(cfg.Macros.Dir)); err != nil {
		logger.Warn("macro: directory unusable, using bundled macros", slog.String("error", err.Error()))
		if err := registry.LoadBundled(); err != nil {
			return nil, fmt.Errorf("load macros: %w", err)
		}
	}
	for _, f := range registry.Failures() {
		logger.Warn("macro: skipped", slog.String("error", f.Error()))
	}

	httpClient := &http.Client{Timeout: cfg.Macros.FetchTimeout}
	rt, err := engine.NewRuntime(ctx, engine.RuntimeOptions{
		AllowedModules: cfg.Macros.AllowedModules,
		Files:          table,
		HTTPClient:     httpClient,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init runtime: %w", err)
	}

	svc := &engine.Service{
		Resolver: registry,
		JS:       rt,
		Starlark: engine.NewStarlark(cfg.Macros.StarlarkLoads, table, httpClient, logger),
		Env: engine.Env{
			GalaxyPath: cfg.Galaxy.Path,
			APIKey:     cfg.Secrets.OpenAIKey,
			GoogleKey:  cfg.Secrets.GoogleKey,
		},
		Files:  table,
		Logger: logger,
	}

	return &core{
		cfg:      cfg,
		logger:   logger,
		root:     root,
		cache:    cache,
		table:    table,
		registry: registry,
		runtime:  rt,
		service:  svc,
	}, nil
}

// syncer returns the asset syncer. It has no source when remote sync is off.
func (c *core) syncer() *assets.Syncer {
	s := &assets.Syncer{
		Cache:       c.cache,
		Meta:        meta.NewStore(c.root, c.logger),
		Dirs:        c.cfg.Remote.Dirs,
		Concurrency: c.cfg.Remote.Concurrency,
		Logger:      c.logger,
	}
	if c.cfg.Remote.Enabled {
		r := c.cfg.Remote
		s.Source = remote.NewGitHub(r.BaseURL, r.Owner, r.Repo, r.Branch, r.Token, r.Timeout)
	}
	return s
}

// loadAssets fills the file table from bundled, cached or development files.
func (c *core) loadAssets(ctx context.Context) error {
	return c.syncer().Bootstrap(ctx, c.table, assets.BootstrapOptions{DevDirs: c.cfg.Galaxy.DevDirs})
}

// persist writes ephemeral file table entries into the cache.
func (c *core) persist() (int, error) {
	return assets.Persist(c.table, c.cache)
}

// Close stops the runtime and waits for background image fills.
func (c *core) Close() error {
	err := c.runtime.Close()
	c.table.Wait()
	return err
}
