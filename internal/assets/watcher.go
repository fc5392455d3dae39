package assets

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/galaxy/internal/filetable"
	"github.com/starford/galaxy/internal/models"
)

// EventCallback is called after a watcher-driven table change.
// kind is "created" or "updated"; key is the table key.
type EventCallback func(kind string, key string)

const debounce = 100 * time.Millisecond

// Watch re-inserts files from the development directories into table as they
// are created or written, until ctx is cancelled. Writes to the same file are
// debounced so editors that save in several steps produce one reload.
// New directories created at runtime are added to the watch list.
func Watch(ctx context.Context, table *filetable.Table, dirs []string, logger *slog.Logger, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	for _, dir := range dirs {
		if err := addDirsRecursive(w, dir); err != nil {
			return err
		}
	}
	logger.Info("watcher: started", slog.Any("dirs", dirs))

	type pendingFile struct {
		kind  string
		timer *time.Timer
	}
	pending := make(map[string]*pendingFile)
	fire := make(chan string, 64)

	schedule := func(path, kind string) {
		if p, ok := pending[path]; ok {
			if p.kind != "created" {
				p.kind = kind
			}
			p.timer.Reset(debounce)
			return
		}
		pending[path] = &pendingFile{
			kind: kind,
			timer: time.AfterFunc(debounce, func() {
				select {
				case fire <- path:
				case <-ctx.Done():
				}
			}),
		}
	}

	for {
		select {
		case <-ctx.Done():
			for _, p := range pending {
				p.timer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case path := <-fire:
			p, ok := pending[path]
			if !ok {
				continue
			}
			delete(pending, path)
			data, readErr := os.ReadFile(path)
			if readErr != nil {
				logger.Warn("watcher: read failed", slog.String("path", path), slog.String("error", readErr.Error()))
				continue
			}
			key := filepath.Base(path)
			table.PutEntry(models.AssetEntry{Path: key, Data: data, Provenance: models.ProvenanceSynced})
			logger.Debug("watcher: reloaded", slog.String("key", key), slog.String("op", p.kind))
			if cb != nil {
				cb(p.kind, key)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			info, statErr := os.Stat(ev.Name)
			if statErr != nil {
				continue
			}
			if info.IsDir() {
				if ev.Op&fsnotify.Create != 0 {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
				}
				continue
			}
			switch {
			case ev.Op&fsnotify.Create != 0:
				schedule(ev.Name, "created")
			case ev.Op&fsnotify.Write != 0:
				schedule(ev.Name, "updated")
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
