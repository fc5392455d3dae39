// Package remote lists and downloads versioned assets from a remote source.
package remote

import (
	"context"
	"fmt"
	"time"
)

// Entry is one item of a remote directory listing. DownloadURL is empty for
// items that carry no retrievable content (nested directories, submodules).
type Entry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	DownloadURL string `json:"download_url"`
}

// Source is the remote boundary used by the asset syncer.
type Source interface {
	// LatestRevision returns the modification time of the tracked revision.
	LatestRevision(ctx context.Context) (time.Time, error)
	// ListDir returns the entries of a logical directory ("" is the root).
	ListDir(ctx context.Context, dir string) ([]Entry, error)
	// Download fetches the raw bytes behind a download pointer.
	Download(ctx context.Context, url string) ([]byte, error)
}

// StatusError reports a non-success HTTP status from the remote.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: %s: %s", e.URL, e.Status)
}
