// Package meta persists the sync metadata record (lastDownloadDate).
package meta

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/galaxy/internal/models"
	"github.com/starford/galaxy/internal/storage"
)

// FileName is the metadata file kept at the galaxy root.
const FileName = "meta.json"

type record struct {
	LastDownloadDate string `json:"lastDownloadDate"`
}

// Store reads and writes the metadata file through a storage provider.
type Store struct {
	fs     storage.Provider
	logger *slog.Logger
}

// NewStore creates a metadata store over fs.
func NewStore(fs storage.Provider, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{fs: fs, logger: logger}
}

// LastDownloadDate returns the recorded sync time. A missing, unreadable or
// malformed file is reported as "never synced" (ok == false).
func (s *Store) LastDownloadDate() (time.Time, bool) {
	data, err := s.fs.Read(FileName)
	if err != nil {
		s.logger.Debug("meta: no previous download date", slog.String("error", err.Error()))
		return time.Time{}, false
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("meta: unreadable metadata", slog.String("error", err.Error()))
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, rec.LastDownloadDate)
	if err != nil {
		s.logger.Warn("meta: invalid lastDownloadDate",
			slog.String("value", rec.LastDownloadDate),
			slog.String("error", err.Error()))
		return time.Time{}, false
	}
	return ts, true
}

// Load returns the full metadata record.
func (s *Store) Load() (models.SyncMetadata, bool) {
	ts, ok := s.LastDownloadDate()
	return models.SyncMetadata{LastDownloadDate: ts}, ok
}

// SetLastDownloadDate atomically records t as the last successful sync.
func (s *Store) SetLastDownloadDate(t time.Time) error {
	data, err := json.Marshal(record{LastDownloadDate: t.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return fmt.Errorf("meta: encode: %w", err)
	}
	if err := s.fs.Write(FileName, data); err != nil {
		return fmt.Errorf("meta: write: %w", err)
	}
	s.logger.Info("meta: stored download date", slog.Time("date", t))
	return nil
}
