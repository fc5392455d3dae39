// Package macro discovers macro sources and rewrites them into loadable
// modules indexed by label.
package macro

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/models"
	"github.com/starford/galaxy/internal/storage"
)

//go:embed defaults
var defaults embed.FS

// Reserved labels.
const (
	DefaultFallbackLabel = "fallback.js"
	DefaultStartupLabel  = "startup.js"
)

// LoadError reports a macro file that could not be registered.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("macros/%s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Registry holds compiled macro definitions. It is filled once by Load and
// read concurrently afterwards.
type Registry struct {
	fallback string
	startup  string
	logger   *slog.Logger

	mu       sync.RWMutex
	defs     map[string]models.MacroDefinition
	labels   []string
	failures []*LoadError
}

// NewRegistry creates an empty registry. Empty reserved labels fall back to
// the defaults.
func NewRegistry(fallback, startup string, logger *slog.Logger) *Registry {
	if fallback == "" {
		fallback = DefaultFallbackLabel
	}
	if startup == "" {
		startup = DefaultStartupLabel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		fallback: fallback,
		startup:  startup,
		logger:   logger,
		defs:     make(map[string]models.MacroDefinition),
	}
}

// Seed creates dir and writes the bundled macros into it. An existing
// directory is left untouched. It reports whether seeding happened.
func Seed(dir string) (bool, error) {
	if _, err := os.Stat(dir); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("macro: stat %s: %w", dir, err)
	}
	store, err := storage.EnsureFS(dir)
	if err != nil {
		return false, err
	}
	entries, err := defaults.ReadDir("defaults")
	if err != nil {
		return false, fmt.Errorf("macro: read defaults: %w", err)
	}
	for _, e := range entries {
		data, err := defaults.ReadFile(path.Join("defaults", e.Name()))
		if err != nil {
			return false, fmt.Errorf("macro: read default %s: %w", e.Name(), err)
		}
		if err := store.Write(e.Name(), data); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Load seeds a missing dir with the bundled macros, then compiles every
// macro file in it. Files that fail to compile are logged and skipped; only
// directory level failures are returned.
func (r *Registry) Load(dir string) error {
	seeded, err := Seed(dir)
	if err != nil {
		return err
	}
	if seeded {
		r.logger.Info("macro: seeded macro directory", slog.String("dir", dir))
	}
	store, err := storage.NewFS(dir)
	if err != nil {
		return err
	}
	files, err := store.List()
	if err != nil {
		return fmt.Errorf("macro: list %s: %w", dir, err)
	}

	defs := make(map[string]models.MacroDefinition)
	var labels []string
	var failures []*LoadError
	for _, f := range files {
		if !Supported(f.Name) {
			continue
		}
		src, err := store.Read(f.Name)
		if err != nil {
			failures = append(failures, &LoadError{File: f.Name, Err: err})
			continue
		}
		def, err := Compile(f.Name, string(src))
		if err != nil {
			failures = append(failures, &LoadError{File: f.Name, Err: err})
			continue
		}
		def.Origin = models.OriginDisk
		defs[f.Name] = def
		labels = append(labels, f.Name)
		r.logger.Debug("macro: registered", slog.String("label", f.Name), slog.String("entry", def.Entry))
	}
	indexStems(defs, labels, r.logger)

	for _, le := range failures {
		r.logger.Warn("macro: skipped", slog.String("file", le.File), slog.String("error", le.Err.Error()))
	}

	r.mu.Lock()
	r.defs = defs
	r.labels = labels
	r.failures = failures
	r.mu.Unlock()

	for _, reserved := range []string{r.fallback, r.startup} {
		if _, ok := r.Get(reserved); !ok {
			r.logger.Warn("macro: reserved macro missing", slog.String("label", reserved))
		}
	}
	r.logger.Info("macro: loaded", slog.Int("macros", len(labels)), slog.Int("skipped", len(failures)))
	return nil
}

// LoadBundled registers the embedded default macros without touching disk.
func (r *Registry) LoadBundled() error {
	entries, err := defaults.ReadDir("defaults")
	if err != nil {
		return fmt.Errorf("macro: read defaults: %w", err)
	}
	defs := make(map[string]models.MacroDefinition)
	var labels []string
	for _, e := range entries {
		src, err := defaults.ReadFile(path.Join("defaults", e.Name()))
		if err != nil {
			return err
		}
		def, err := Compile(e.Name(), string(src))
		if err != nil {
			return &LoadError{File: e.Name(), Err: err}
		}
		def.Origin = models.OriginBundled
		defs[e.Name()] = def
		labels = append(labels, e.Name())
	}
	indexStems(defs, labels, r.logger)

	r.mu.Lock()
	r.defs = defs
	r.labels = labels
	r.failures = nil
	r.mu.Unlock()
	return nil
}

// indexStems adds an alias without extension for every label, unless another
// file already claims that stem.
func indexStems(defs map[string]models.MacroDefinition, labels []string, logger *slog.Logger) {
	for _, label := range labels {
		stem := strings.TrimSuffix(label, path.Ext(label))
		if stem == label {
			continue
		}
		if other, ok := defs[stem]; ok {
			logger.Warn("macro: ambiguous label", slog.String("label", stem),
				slog.String("kept", other.Label), slog.String("ignored", label))
			continue
		}
		defs[stem] = defs[label]
	}
}

// Get returns the definition registered under label (file name or stem).
func (r *Registry) Get(label string) (models.MacroDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[label]
	return def, ok
}

// Resolve returns the definition for label, or the fallback macro when the
// label is unknown.
func (r *Registry) Resolve(label string) (models.MacroDefinition, error) {
	if def, ok := r.Get(label); ok {
		return def, nil
	}
	if def, ok := r.Get(r.fallback); ok {
		return def, nil
	}
	return models.MacroDefinition{}, fmt.Errorf("macro %q: %w", label, apperr.ErrNotFound)
}

// Startup returns the startup macro, if registered.
func (r *Registry) Startup() (models.MacroDefinition, bool) {
	return r.Get(r.startup)
}

// StartupLabel returns the configured startup label.
func (r *Registry) StartupLabel() string { return r.startup }

// FallbackLabel returns the configured fallback label.
func (r *Registry) FallbackLabel() string { return r.fallback }

// Labels returns the file names of all registered macros in sorted order.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	out := append([]string(nil), r.labels...)
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Definitions returns the registered definitions in label order.
func (r *Registry) Definitions() []models.MacroDefinition {
	labels := r.Labels()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.MacroDefinition, 0, len(labels))
	for _, l := range labels {
		out = append(out, r.defs[l])
	}
	return out
}

// Failures returns the files skipped by the last Load.
func (r *Registry) Failures() []*LoadError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*LoadError(nil), r.failures...)
}
