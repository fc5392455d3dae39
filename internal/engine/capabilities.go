// Package engine executes macro definitions with an explicit capability set.
package engine

import (
	"context"
	"encoding/json"

	"github.com/starford/galaxy/internal/models"
)

// ScriptRunner evaluates a script in the UI context and returns its string result.
type ScriptRunner interface {
	RunScript(ctx context.Context, script string) (string, error)
}

// Notifier shows a transient message in the UI.
type Notifier interface {
	Toast(ctx context.Context, message string) error
}

// FileStore is the part of the file table macros may use.
type FileStore interface {
	Get(path string) ([]byte, error)
	Put(key string, data []byte)
	Store(text, ext string) string
	Keys() []string
}

// Env is the secrets and paths bag handed to every macro.
type Env struct {
	GalaxyPath string `json:"galaxyPath"`
	APIKey     string `json:"apiKey"`
	GoogleKey  string `json:"googleKey"`
}

// Capabilities is the closed set of things a macro can reach. Nothing else
// from the host is visible to it.
type Capabilities struct {
	Input  json.RawMessage
	Label  string
	Output json.RawMessage
	Env    Env
	Script ScriptRunner
	Notify Notifier
	Files  FileStore
}

// Executor runs one compiled definition.
type Executor interface {
	Execute(ctx context.Context, def models.MacroDefinition, caps Capabilities) (any, error)
}

// ScriptError is a failure raised by macro code. Message is the script-side
// rendering of the thrown value, such as "Error: boom".
type ScriptError struct {
	Label   string
	Message string
	Err     error // host error behind the thrown value, if any
}

func (e *ScriptError) Error() string {
	return e.Message
}

func (e *ScriptError) Unwrap() error { return e.Err }
