// Package assets keeps the local asset cache in step with the remote source
// and loads cached, bundled and development files into the file table.
package assets

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/galaxy/internal/meta"
	"github.com/starford/galaxy/internal/models"
	"github.com/starford/galaxy/internal/remote"
	"github.com/starford/galaxy/internal/storage"
)

// Syncer decides between a remote fetch and the local cache.
type Syncer struct {
	Source      remote.Source
	Cache       storage.Provider
	Meta        *meta.Store
	Dirs        []string
	Concurrency int
	Now         func() time.Time
	Logger      *slog.Logger
}

func (s *Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Syncer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Stale reports whether a fetch is due. With no sync record a fetch is always
// due, even when the remote revision cannot be read. Otherwise the remote
// revision must be readable and strictly newer than the record.
func (s *Syncer) Stale(ctx context.Context) bool {
	rec, synced := s.Meta.Load()

	rev, err := s.Source.LatestRevision(ctx)
	if err != nil {
		s.logger().Warn("sync: latest revision unavailable, skipping update check",
			slog.String("error", err.Error()))
	}
	if !synced {
		return true
	}
	if err != nil {
		return false
	}
	return rev.After(rec.LastDownloadDate)
}

// Sync fetches every remote file into the cache when the cache is stale and
// records the sync time once all files are persisted. It returns the fetched
// entries, or nil when the cache was kept. Any fetch or persist error aborts
// the cycle without touching the sync record.
func (s *Syncer) Sync(ctx context.Context) ([]models.AssetEntry, error) {
	if !s.Stale(ctx) {
		s.logger().Info("sync: cache is current")
		return nil, nil
	}
	return s.Fetch(ctx)
}

// Fetch runs a full fetch-and-persist cycle regardless of staleness.
func (s *Syncer) Fetch(ctx context.Context) ([]models.AssetEntry, error) {
	start := s.now()
	s.logger().Info("sync: fetching remote assets", slog.Any("dirs", s.Dirs))

	files, err := remote.FetchAll(ctx, s.Source, s.Dirs, s.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("sync: fetch: %w", err)
	}

	entries := make([]models.AssetEntry, 0, len(files))
	for _, f := range files {
		if err := s.Cache.Write(f.Name, f.Data); err != nil {
			return nil, fmt.Errorf("sync: persist %s: %w", f.Name, err)
		}
		entries = append(entries, models.AssetEntry{Path: f.Name, Data: f.Data, Provenance: models.ProvenanceSynced})
	}

	if err := s.Meta.SetLastDownloadDate(s.now()); err != nil {
		return nil, fmt.Errorf("sync: record download date: %w", err)
	}
	s.logger().Info("sync: completed",
		slog.Int("files", len(entries)),
		slog.Duration("took", s.now().Sub(start)))
	return entries, nil
}

// LoadLocal reads every cached file.
func (s *Syncer) LoadLocal() ([]models.AssetEntry, error) {
	return LoadProvider(s.Cache)
}

// LoadProvider reads every file of p as synced entries.
func LoadProvider(p storage.Provider) ([]models.AssetEntry, error) {
	metas, err := p.List()
	if err != nil {
		return nil, fmt.Errorf("assets: list: %w", err)
	}
	entries := make([]models.AssetEntry, 0, len(metas))
	for _, m := range metas {
		data, err := p.Read(m.Name)
		if err != nil {
			return nil, fmt.Errorf("assets: read %s: %w", m.Name, err)
		}
		entries = append(entries, models.AssetEntry{Path: m.Name, Data: data, Provenance: models.ProvenanceSynced})
	}
	return entries, nil
}
