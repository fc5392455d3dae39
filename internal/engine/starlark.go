package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/models"
)

// DefaultStarlarkModules are the modules a Starlark macro may load().
var DefaultStarlarkModules = []string{"json", "math", "time", "files"}

// Starlark executes .star macros. Each execution gets its own thread, so
// Starlark macros may run concurrently with each other.
type Starlark struct {
	allowed    map[string]bool
	files      FileStore
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Executor = (*Starlark)(nil)

// NewStarlark creates a Starlark executor. A nil allowed list uses
// DefaultStarlarkModules.
func NewStarlark(allowed []string, files FileStore, httpClient *http.Client, logger *slog.Logger) *Starlark {
	if allowed == nil {
		allowed = DefaultStarlarkModules
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Starlark{
		allowed:    make(map[string]bool, len(allowed)),
		files:      files,
		httpClient: httpClient,
		logger:     logger,
	}
	for _, m := range allowed {
		s.allowed[m] = true
	}
	return s
}

// Execute runs def's entry function. When the function declares a
// parameter it receives the capability struct; the same capabilities are
// also predeclared as globals.
func (s *Starlark) Execute(ctx context.Context, def models.MacroDefinition, caps Capabilities) (any, error) {
	if def.Kind != models.MacroKindStarlark {
		return nil, fmt.Errorf("engine: %s is not a Starlark macro", def.Label)
	}
	if caps.Files == nil {
		caps.Files = s.files
	}

	capsStruct, err := s.capabilities(ctx, caps)
	if err != nil {
		return nil, err
	}
	files := filesModule(caps.Files)

	thread := &starlark.Thread{
		Name: def.Label,
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Info("engine: print", slog.String("label", def.Label), slog.String("message", msg))
		},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			if !s.allowed[module] {
				return nil, fmt.Errorf("%w: %s", apperr.ErrModuleNotAllowed, module)
			}
			switch module {
			case "json":
				return starlark.StringDict{"json": starjson.Module}, nil
			case "math":
				return starlark.StringDict{"math": starmath.Module}, nil
			case "time":
				return starlark.StringDict{"time": startime.Module}, nil
			case "files":
				return starlark.StringDict{"files": files}, nil
			}
			return nil, fmt.Errorf("%w: %s", apperr.ErrModuleNotAllowed, module)
		},
	}
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	predeclared := starlark.StringDict{"ctx": capsStruct}
	for _, name := range capsStruct.AttrNames() {
		v, _ := capsStruct.Attr(name)
		predeclared[name] = v
	}

	globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, def.Label, def.Source, predeclared)
	if err != nil {
		return nil, starlarkError(def.Label, err)
	}
	fn, ok := globals[def.Entry].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("engine: %s: %w", def.Label, apperr.ErrNoEntryPoint)
	}
	var args starlark.Tuple
	if f, ok := fn.(*starlark.Function); ok && f.NumParams() > 0 {
		args = starlark.Tuple{capsStruct}
	}
	result, err := starlark.Call(thread, fn, args, nil)
	if err != nil {
		return nil, starlarkError(def.Label, err)
	}
	return FromStarlark(result)
}

func starlarkError(label string, err error) error {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return &ScriptError{Label: label, Message: "Error: " + evalErr.Msg, Err: errors.Unwrap(evalErr)}
	}
	return &ScriptError{Label: label, Message: "Error: " + err.Error(), Err: err}
}

func (s *Starlark) capabilities(ctx context.Context, caps Capabilities) (*starlarkstruct.Struct, error) {
	input, err := decodeStarlark(caps.Input)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	output, err := decodeStarlark(caps.Output)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	env := starlarkstruct.FromStringDict(starlark.String("env"), starlark.StringDict{
		"galaxyPath": starlark.String(caps.Env.GalaxyPath),
		"apiKey":     starlark.String(caps.Env.APIKey),
		"googleKey":  starlark.String(caps.Env.GoogleKey),
	})

	script := starlark.NewBuiltin("script", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var text string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text); err != nil {
			return nil, err
		}
		if caps.Script == nil {
			return nil, errNoUI
		}
		out, err := caps.Script.RunScript(ctx, text)
		if err != nil {
			return nil, err
		}
		return starlark.String(out), nil
	})
	toast := starlark.NewBuiltin("toast", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "message", &msg); err != nil {
			return nil, err
		}
		if caps.Notify == nil {
			return nil, errNoUI
		}
		return starlark.None, caps.Notify.Toast(ctx, msg)
	})

	return starlarkstruct.FromStringDict(starlark.String("capabilities"), starlark.StringDict{
		"input":      input,
		"label":      starlark.String(caps.Label),
		"output":     output,
		"env":        env,
		"apiKey":     starlark.String(caps.Env.APIKey),
		"googleKey":  starlark.String(caps.Env.GoogleKey),
		"galaxyPath": starlark.String(caps.Env.GalaxyPath),
		"script":     script,
		"toast":      toast,
		"fetch":      s.fetchBuiltin(ctx),
		"files":      filesModule(caps.Files),
	}), nil
}

// fetchBuiltin: fetch(url, method="GET", body="", headers={}) returns a
// struct with ok, status and text.
func (s *Starlark) fetchBuiltin(ctx context.Context) *starlark.Builtin {
	return starlark.NewBuiltin("fetch", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			url     string
			method  = "GET"
			body    string
			headers *starlark.Dict
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "url", &url, "method?", &method, "body?", &body, "headers?", &headers); err != nil {
			return nil, err
		}
		var rd io.Reader
		if body != "" {
			rd = bytes.NewReader([]byte(body))
		}
		req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, rd)
		if err != nil {
			return nil, err
		}
		if headers != nil {
			for _, item := range headers.Items() {
				k, _ := starlark.AsString(item[0])
				v, _ := starlark.AsString(item[1])
				req.Header.Set(k, v)
			}
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			return nil, err
		}
		return starlarkstruct.FromStringDict(starlark.String("response"), starlark.StringDict{
			"ok":     starlark.Bool(resp.StatusCode >= 200 && resp.StatusCode <= 299),
			"status": starlark.MakeInt(resp.StatusCode),
			"text":   starlark.String(data),
		}), nil
	})
}

// filesModule exposes the file table as a Starlark module.
func filesModule(files FileStore) *starlarkstruct.Module {
	members := starlark.StringDict{}
	if files != nil {
		members["get"] = starlark.NewBuiltin("files.get", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var p string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
				return nil, err
			}
			data, err := files.Get(p)
			if err != nil {
				return starlark.None, nil
			}
			return starlark.String(data), nil
		})
		members["put"] = starlark.NewBuiltin("files.put", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var key, text string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "text", &text); err != nil {
				return nil, err
			}
			files.Put(key, []byte(text))
			return starlark.None, nil
		})
		members["store"] = starlark.NewBuiltin("files.store", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var text, ext string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text, "ext", &ext); err != nil {
				return nil, err
			}
			return starlark.String(files.Store(text, ext)), nil
		})
		members["list"] = starlark.NewBuiltin("files.list", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
				return nil, err
			}
			keys := files.Keys()
			list := make([]starlark.Value, len(keys))
			for i, k := range keys {
				list[i] = starlark.String(k)
			}
			return starlark.NewList(list), nil
		})
	}
	return &starlarkstruct.Module{Name: "files", Members: members}
}

// decodeStarlark converts a JSON document into Starlark values. Empty input
// becomes an empty dict.
func decodeStarlark(raw json.RawMessage) (starlark.Value, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return starlark.NewDict(0), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return ToStarlark(v)
}
