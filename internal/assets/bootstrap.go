package assets

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/starford/galaxy/internal/filetable"
	"github.com/starford/galaxy/internal/models"
	"github.com/starford/galaxy/internal/storage"
)

//go:embed bundled
var bundled embed.FS

// Bundled returns the assets compiled into the binary: the UI bridge script
// and a fallback index page used until the remote distribution is cached.
func Bundled() ([]models.AssetEntry, error) {
	var out []models.AssetEntry
	err := fs.WalkDir(bundled, "bundled", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := bundled.ReadFile(p)
		if err != nil {
			return err
		}
		out = append(out, models.AssetEntry{Path: d.Name(), Data: data, Provenance: models.ProvenanceSynced})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("assets: bundled: %w", err)
	}
	return out, nil
}

// BootstrapOptions selects the startup source of served files.
type BootstrapOptions struct {
	// DevDirs, when non-empty, replace the remote sync and cache.
	DevDirs []string
}

// Bootstrap fills table at startup. Bundled assets go in first so cached or
// development files with the same name replace them. A failed sync is logged
// and the existing cache is served.
func (s *Syncer) Bootstrap(ctx context.Context, table *filetable.Table, opts BootstrapOptions) error {
	entries, err := Bundled()
	if err != nil {
		return err
	}
	for _, e := range entries {
		table.PutEntry(e)
	}

	if len(opts.DevDirs) > 0 {
		s.logger().Info("assets: loading development directories", slog.Any("dirs", opts.DevDirs))
		var errs []error
		for _, dir := range opts.DevDirs {
			fsys, err := storage.NewFS(dir)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			dev, err := LoadProvider(fsys)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, e := range dev {
				table.PutEntry(e)
			}
		}
		s.logger().Info("assets: loaded", slog.Int("files", table.Len()))
		return errors.Join(errs...)
	}

	if s.Source == nil {
		s.logger().Info("sync: remote disabled, serving cached assets")
	} else if _, err := s.Sync(ctx); err != nil {
		s.logger().Error("sync: failed, serving cached assets", slog.String("error", err.Error()))
	}
	local, err := s.LoadLocal()
	if err != nil {
		return err
	}
	for _, e := range local {
		table.PutEntry(e)
	}
	s.logger().Info("assets: loaded", slog.Int("files", table.Len()))
	return nil
}

// Persist writes every ephemeral table entry into the cache and marks it
// synced so it survives a restart. It returns the number of files written.
func Persist(table *filetable.Table, cache storage.Provider) (int, error) {
	var errs []error
	n := 0
	for _, e := range table.Ephemeral() {
		if err := cache.Write(e.Path, e.Data); err != nil {
			errs = append(errs, fmt.Errorf("assets: persist %s: %w", e.Path, err))
			continue
		}
		table.MarkSynced(e.Path)
		n++
	}
	return n, errors.Join(errs...)
}
