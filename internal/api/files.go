package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/filetable"
)

const (
	indexFile      = "index.html"
	maxUploadBytes = 50 << 20 // 50 MB
)

// FileServer answers GET requests from the file table. "/" serves index.html.
func FileServer(files FileTable, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		if p == "" || strings.HasSuffix(p, "/") {
			p += indexFile
		}
		data, err := files.Get(p)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				logger.Warn("api: unknown file request", slog.String("path", r.URL.Path))
				http.Error(w, "Unknown file "+filetable.Key(p), http.StatusNotFound)
				return
			}
			logger.Error("api: file lookup failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		ctype := mime.TypeByExtension(path.Ext(filetable.Key(p)))
		if ctype == "" {
			ctype = http.DetectContentType(data)
		}
		w.Header().Set("Content-Type", ctype)
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})
}

// safeName validates that the filename is a plain name with no path
// separators or traversal.
func safeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("filename is required")
	}
	cleaned := filepath.Clean(name)
	if cleaned != filepath.Base(cleaned) || strings.Contains(cleaned, "..") || strings.ContainsAny(cleaned, `/\`) {
		return "", fmt.Errorf("invalid filename: %s", name)
	}
	return cleaned, nil
}

// UploadAsset handles POST /api/assets (multipart/form-data, field "file").
// The file lands in the table as a generated asset and is persisted with the
// next scene save.
func (h *Handler) UploadAsset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	name, err := safeName(header.Filename)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to read file"))
		return
	}
	h.d.Files.Put(name, data)

	writeJSON(w, http.StatusCreated, AssetUploadResponse{
		Filename: name,
		Size:     int64(len(data)),
		URL:      "/" + name,
	})
}

// ListAssets handles GET /api/assets.
func (h *Handler) ListAssets(w http.ResponseWriter, _ *http.Request) {
	keys := h.d.Files.Keys()
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": keys})
}
