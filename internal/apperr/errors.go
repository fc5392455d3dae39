// Package apperr holds the sentinel errors shared across galaxy packages.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Macro discovery and execution.
	ErrNoEntryPoint        = errors.New("no top-level function declaration")
	ErrAmbiguousEntryPoint = errors.New("more than one top-level function declaration")
	ErrModuleNotAllowed    = errors.New("module not allowed")
	ErrNotRunning          = errors.New("runtime not running")

	// Dispatch and persistence.
	ErrQueueFull       = errors.New("task queue full")
	ErrSaveInProgress  = errors.New("save already in progress")
	ErrInvalidArgument = errors.New("invalid argument")
)
