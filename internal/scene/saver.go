package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/checksum"
	"github.com/starford/galaxy/internal/models"
)

// PersistFunc flushes generated assets to durable storage before a scene
// that may reference them is saved. It returns how many were written.
type PersistFunc func() (int, error)

// SnapshotFunc captures the current scene from the UI. An empty name means
// there is nothing to save.
type SnapshotFunc func(ctx context.Context) (name, data string, err error)

// Saver writes scenes one at a time. A save requested while another is
// running is skipped, never queued.
type Saver struct {
	store   *DB
	persist PersistFunc
	now     func() time.Time
	logger  *slog.Logger

	saving atomic.Bool
}

// NewSaver creates a saver over store. persist may be nil.
func NewSaver(store *DB, persist PersistFunc, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{store: store, persist: persist, now: time.Now, logger: logger}
}

// Save stores data under name. It returns apperr.ErrSaveInProgress when
// another save has not finished.
func (s *Saver) Save(ctx context.Context, name, data string) (models.Scene, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Scene{}, fmt.Errorf("scene: name required: %w", apperr.ErrInvalidArgument)
	}
	if !s.saving.CompareAndSwap(false, true) {
		return models.Scene{}, apperr.ErrSaveInProgress
	}
	defer s.saving.Store(false)

	if s.persist != nil {
		n, err := s.persist()
		if err != nil {
			return models.Scene{}, fmt.Errorf("scene: persist assets: %w", err)
		}
		if n > 0 {
			s.logger.Info("scene: persisted generated assets", slog.Int("count", n))
		}
	}

	sc := models.Scene{
		Name:      name,
		Data:      data,
		Checksum:  checksum.Sum([]byte(data)),
		UpdatedAt: s.now(),
	}
	if err := s.store.Save(ctx, sc); err != nil {
		return models.Scene{}, err
	}
	s.logger.Info("scene: saved", slog.String("name", name), slog.Int("size", len(data)))
	return sc, nil
}

// AutoSave saves the UI snapshot every interval until ctx is done.
func (s *Saver) AutoSave(ctx context.Context, interval time.Duration, snapshot SnapshotFunc) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.autoSave(ctx, snapshot)
		}
	}
}

func (s *Saver) autoSave(ctx context.Context, snapshot SnapshotFunc) {
	name, data, err := snapshot(ctx)
	if err != nil {
		s.logger.Debug("scene: snapshot unavailable", slog.String("error", err.Error()))
		return
	}
	if name == "" {
		return
	}
	if _, err := s.Save(ctx, name, data); err != nil {
		if errors.Is(err, apperr.ErrSaveInProgress) {
			s.logger.Debug("scene: autosave skipped, save in progress")
			return
		}
		s.logger.Warn("scene: autosave failed", slog.String("error", err.Error()))
	}
}
