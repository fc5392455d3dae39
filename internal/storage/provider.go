// Package storage defines the on-disk cache abstraction used for synced assets,
// sync metadata and macro sources.
package storage

import "github.com/starford/galaxy/internal/models"

// Provider is the interface for flat, filename-keyed file storage.
type Provider interface {
	// List returns metadata for every regular file directly under the root.
	List() ([]models.FileMetadata, error)
	// Read returns the raw bytes of the named file.
	Read(name string) ([]byte, error)
	// Write atomically writes content, overwriting any existing file.
	Write(name string, content []byte) error
	// Delete removes the named file.
	Delete(name string) error
	// Exists reports whether the named file is present.
	Exists(name string) bool
}
