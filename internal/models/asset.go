// Package models defines the domain types for galaxy.
package models

import "time"

// Provenance records where an asset's bytes came from.
type Provenance string

const (
	// ProvenanceSynced marks assets downloaded from the remote source and persisted in the cache.
	ProvenanceSynced Provenance = "synced"
	// ProvenanceEphemeral marks assets created during the session (memoized or generated).
	ProvenanceEphemeral Provenance = "ephemeral"
)

// AssetEntry is one file served to the UI.
type AssetEntry struct {
	Path       string     `json:"path"`
	Data       []byte     `json:"-"`
	Provenance Provenance `json:"provenance"`
}

// FileMetadata is a lightweight representation returned by cache listings.
type FileMetadata struct {
	Name      string    `json:"name"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncMetadata is the persisted record of the last successful remote sync.
type SyncMetadata struct {
	LastDownloadDate time.Time `json:"lastDownloadDate"`
}

// Scene is a saved canvas document.
type Scene struct {
	Name      string    `json:"name"`
	Data      string    `json:"data,omitempty"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}
