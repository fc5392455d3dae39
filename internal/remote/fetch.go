package remote

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// File is a downloaded remote file.
type File struct {
	Dir  string
	Name string
	Data []byte
}

// FetchAll lists every dir in order and downloads all listed files concurrently,
// at most limit at a time. Entries without a download pointer are skipped.
// The first failure cancels the remaining downloads and is returned.
// Files come back in listing order, dirs first to last.
func FetchAll(ctx context.Context, src Source, dirs []string, limit int) ([]File, error) {
	var pending []File
	var urls []string
	for _, dir := range dirs {
		entries, err := src.ListDir(ctx, dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.DownloadURL == "" {
				continue
			}
			pending = append(pending, File{Dir: dir, Name: e.Name})
			urls = append(urls, e.DownloadURL)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range pending {
		g.Go(func() error {
			data, err := src.Download(gCtx, urls[i])
			if err != nil {
				return fmt.Errorf("remote: fetch %s: %w", pending[i].Name, err)
			}
			pending[i].Data = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pending, nil
}
