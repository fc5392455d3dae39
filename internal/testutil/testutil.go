// Package testutil provides shared test helpers for galaxy directories and scene stores.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/galaxy/internal/scene"
	"github.com/starford/galaxy/internal/storage"
)

// SceneDB creates a scene store in a temporary directory that is closed on cleanup.
func SceneDB(t *testing.T) *scene.DB {
	t.Helper()
	db, err := scene.Open(filepath.Join(t.TempDir(), "scenes.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// GalaxyDir creates a temporary galaxy directory with a storage.Provider.
func GalaxyDir(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

// Eventually polls fn every tick until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}
