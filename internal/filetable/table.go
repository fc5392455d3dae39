// Package filetable holds the in-memory path → bytes table behind file serving.
package filetable

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/checksum"
	"github.com/starford/galaxy/internal/models"
)

// PublicPrefix is stripped from request paths before lookup.
const PublicPrefix = "/public"

// Generator produces content for a missing key (for example an image whose
// name describes it).
type Generator interface {
	Generate(ctx context.Context, key string) ([]byte, error)
}

// Option configures a Table.
type Option func(*Table)

// WithGenerator enables background fills for missing image keys.
func WithGenerator(g Generator, timeout time.Duration) Option {
	return func(t *Table) {
		t.gen = g
		if timeout > 0 {
			t.genTimeout = timeout
		}
	}
}

// WithLogger sets the table logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// Table is the single source of truth for served files. Keys are basenames.
type Table struct {
	mu      sync.RWMutex
	entries map[string]models.AssetEntry

	gen        Generator
	genTimeout time.Duration
	fills      singleflight.Group
	fillWG     sync.WaitGroup
	logger     *slog.Logger
}

// New creates an empty table.
func New(opts ...Option) *Table {
	t := &Table{
		entries:    make(map[string]models.AssetEntry),
		genTimeout: 2 * time.Minute,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Key normalizes a request path to a table key: the public prefix is
// stripped, only the final segment is kept and percent escapes are decoded.
func Key(p string) string {
	p = strings.TrimPrefix(p, PublicPrefix)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	base := path.Base("/" + strings.TrimLeft(p, "/"))
	if base == "/" || base == "." {
		return ""
	}
	if dec, err := url.PathUnescape(base); err == nil {
		base = dec
	}
	return base
}

// Get returns the bytes stored for a request path. A miss on an image key
// schedules a background fill when a generator is configured; the current
// call still reports apperr.ErrNotFound.
func (t *Table) Get(p string) ([]byte, error) {
	key := Key(p)
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if ok {
		return e.Data, nil
	}
	if key != "" && t.gen != nil && isImage(key) {
		t.fill(key)
	}
	return nil, fmt.Errorf("filetable: %q: %w", key, apperr.ErrNotFound)
}

// Put inserts ephemeral content under key. The last write for a key wins.
func (t *Table) Put(key string, data []byte) {
	t.PutEntry(models.AssetEntry{Path: key, Data: data, Provenance: models.ProvenanceEphemeral})
}

// PutEntry inserts an entry keyed by its normalized path.
func (t *Table) PutEntry(e models.AssetEntry) {
	key := Key(e.Path)
	if key == "" {
		return
	}
	e.Path = key
	t.mu.Lock()
	t.entries[key] = e
	t.mu.Unlock()
}

// Store memoizes text under its content address and returns the key.
// Storing identical content twice yields the same key and one entry.
func (t *Table) Store(text, ext string) string {
	data := []byte(text)
	key := checksum.Address(data, ext)
	t.mu.Lock()
	if _, ok := t.entries[key]; !ok {
		t.entries[key] = models.AssetEntry{Path: key, Data: data, Provenance: models.ProvenanceEphemeral}
	}
	t.mu.Unlock()
	return key
}

// Keys returns all keys in sorted order.
func (t *Table) Keys() []string {
	t.mu.RLock()
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	t.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Ephemeral returns a snapshot of entries not yet persisted, sorted by key.
func (t *Table) Ephemeral() []models.AssetEntry {
	t.mu.RLock()
	var out []models.AssetEntry
	for _, e := range t.entries {
		if e.Provenance == models.ProvenanceEphemeral {
			out = append(out, e)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// MarkSynced flags key as persisted.
func (t *Table) MarkSynced(key string) {
	t.mu.Lock()
	if e, ok := t.entries[key]; ok {
		e.Provenance = models.ProvenanceSynced
		t.entries[key] = e
	}
	t.mu.Unlock()
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Wait blocks until in-flight background fills have finished.
func (t *Table) Wait() {
	t.fillWG.Wait()
}

func (t *Table) fill(key string) {
	t.fillWG.Add(1)
	go func() {
		defer t.fillWG.Done()
		_, _, _ = t.fills.Do(key, func() (any, error) {
			if t.has(key) {
				return nil, nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), t.genTimeout)
			defer cancel()
			data, err := t.gen.Generate(ctx, key)
			if err != nil {
				t.logger.Warn("filetable: generate failed", slog.String("key", key), slog.String("error", err.Error()))
				return nil, err
			}
			t.Put(key, data)
			t.logger.Info("filetable: generated", slog.String("key", key), slog.Int("bytes", len(data)))
			return nil, nil
		})
	}()
}

func (t *Table) has(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[key]
	return ok
}

func isImage(key string) bool {
	switch strings.ToLower(path.Ext(key)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}
