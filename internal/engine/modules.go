package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dop251/goja"

	"github.com/starford/galaxy/internal/apperr"
)

const maxFetchBytes = 32 << 20

// errNoUI is returned by UI capabilities when no UI is attached.
var errNoUI = errors.New("no UI attached")

// capabilities builds the object passed to the default export. Loop-only.
func (rt *Runtime) capabilities(ctx context.Context, vm *goja.Runtime, caps Capabilities) (*goja.Object, error) {
	input, err := parseJSON(vm, caps.Input, "{}")
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	output, err := parseJSON(vm, caps.Output, "{}")
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}

	obj := vm.NewObject()
	set := func(name string, v any) {
		if err == nil {
			err = obj.Set(name, v)
		}
	}
	set("input", input)
	set("label", caps.Label)
	set("output", output)
	set("env", caps.Env)
	set("apiKey", caps.Env.APIKey)
	set("googleKey", caps.Env.GoogleKey)
	set("galaxyPath", caps.Env.GalaxyPath)
	set("dynamicImport", func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := vm.NewPromise()
		mod, loadErr := rt.load(vm, call.Argument(0).String())
		if loadErr != nil {
			reject(vm.NewGoError(loadErr))
		} else {
			resolve(mod)
		}
		return vm.ToValue(promise)
	})
	set("require", func(call goja.FunctionCall) goja.Value {
		mod, loadErr := rt.load(vm, call.Argument(0).String())
		if loadErr != nil {
			panic(vm.NewGoError(loadErr))
		}
		return mod
	})
	set("script", rt.async(ctx, vm, func(ctx context.Context, arg string) (any, error) {
		if caps.Script == nil {
			return nil, errNoUI
		}
		return caps.Script.RunScript(ctx, arg)
	}))
	set("toast", rt.async(ctx, vm, func(ctx context.Context, arg string) (any, error) {
		if caps.Notify == nil {
			return nil, errNoUI
		}
		return nil, caps.Notify.Toast(ctx, arg)
	}))
	set("fetch", rt.fetchFunc(ctx, vm))
	files, filesErr := rt.filesObject(vm, caps.Files)
	if filesErr != nil {
		return nil, filesErr
	}
	set("files", files)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// load resolves a module through the allow-list and the captured require.
func (rt *Runtime) load(vm *goja.Runtime, name string) (goja.Value, error) {
	if !rt.allowed[name] {
		return nil, fmt.Errorf("%w: %s", apperr.ErrModuleNotAllowed, name)
	}
	return rt.requireFn(goja.Undefined(), vm.ToValue(name))
}

// async wraps a blocking host call as a promise-returning function. The call
// runs on its own goroutine and settles the promise back on the loop.
func (rt *Runtime) async(ctx context.Context, vm *goja.Runtime, fn func(context.Context, string) (any, error)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		arg := ""
		if a := call.Argument(0); !goja.IsUndefined(a) && !goja.IsNull(a) {
			arg = a.String()
		}
		promise, resolve, reject := vm.NewPromise()
		go func() {
			v, err := fn(ctx, arg)
			rt.RunOnLoop(func(vm *goja.Runtime) {
				if err != nil {
					reject(vm.NewGoError(err))
					return
				}
				resolve(v)
			})
		}()
		return vm.ToValue(promise)
	}
}

type fetchRequest struct {
	method  string
	headers map[string]string
	body    string
}

// fetchFunc is a minimal fetch: method, headers and a string body in,
// a response with ok, status, statusText, headers, text() and json() out.
func (rt *Runtime) fetchFunc(ctx context.Context, vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		url := call.Argument(0).String()
		req := fetchRequest{method: http.MethodGet, headers: map[string]string{}}
		if o := call.Argument(1); !goja.IsUndefined(o) && !goja.IsNull(o) {
			if m, ok := o.Export().(map[string]any); ok {
				if s, ok := m["method"].(string); ok && s != "" {
					req.method = strings.ToUpper(s)
				}
				if s, ok := m["body"].(string); ok {
					req.body = s
				}
				if h, ok := m["headers"].(map[string]any); ok {
					for k, v := range h {
						req.headers[k] = fmt.Sprint(v)
					}
				}
			}
		}

		promise, resolve, reject := vm.NewPromise()
		go func() {
			resp, body, err := rt.doFetch(ctx, url, req)
			rt.RunOnLoop(func(vm *goja.Runtime) {
				if err != nil {
					reject(vm.NewGoError(err))
					return
				}
				resolve(responseObject(vm, url, resp, body))
			})
		}()
		return vm.ToValue(promise)
	}
}

func (rt *Runtime) doFetch(ctx context.Context, url string, fr fetchRequest) (*http.Response, []byte, error) {
	var body io.Reader
	if fr.body != "" {
		body = strings.NewReader(fr.body)
	}
	req, err := http.NewRequestWithContext(ctx, fr.method, url, body)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch: %w", err)
	}
	for k, v := range fr.headers {
		req.Header.Set(k, v)
	}
	resp, err := rt.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("fetch: read body: %w", err)
	}
	rt.logger.Debug("engine: fetch", slog.String("method", fr.method), slog.String("url", url), slog.Int("status", resp.StatusCode))
	return resp, data, nil
}

func responseObject(vm *goja.Runtime, url string, resp *http.Response, body []byte) *goja.Object {
	headers := vm.NewObject()
	for k := range resp.Header {
		_ = headers.Set(strings.ToLower(k), resp.Header.Get(k))
	}
	obj := vm.NewObject()
	_ = obj.Set("url", url)
	_ = obj.Set("ok", resp.StatusCode >= 200 && resp.StatusCode <= 299)
	_ = obj.Set("status", resp.StatusCode)
	_ = obj.Set("statusText", http.StatusText(resp.StatusCode))
	_ = obj.Set("headers", headers)
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		p, resolve, _ := vm.NewPromise()
		resolve(string(body))
		return vm.ToValue(p)
	})
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		p, resolve, reject := vm.NewPromise()
		v, err := parseJSON(vm, body, "")
		if err != nil {
			reject(vm.NewGoError(fmt.Errorf("fetch: invalid json body: %w", err)))
		} else {
			resolve(v)
		}
		return vm.ToValue(p)
	})
	_ = obj.Set("arrayBuffer", func(goja.FunctionCall) goja.Value {
		p, resolve, _ := vm.NewPromise()
		resolve(vm.NewArrayBuffer(body))
		return vm.ToValue(p)
	})
	return obj
}

// parseJSON decodes raw with the VM's JSON.parse; empty raw yields def.
func parseJSON(vm *goja.Runtime, raw []byte, def string) (goja.Value, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		if def == "" {
			return nil, errors.New("empty body")
		}
		text = def
	}
	parse, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse unavailable")
	}
	return parse(goja.Undefined(), vm.ToValue(text))
}

// filesObject exposes the file table: get(path) -> string | null,
// put(key, text), store(text, ext) -> key and list() -> keys.
func (rt *Runtime) filesObject(vm *goja.Runtime, files FileStore) (*goja.Object, error) {
	obj := vm.NewObject()
	if files == nil {
		return obj, nil
	}
	err := errors.Join(
		obj.Set("get", func(call goja.FunctionCall) goja.Value {
			data, err := files.Get(call.Argument(0).String())
			if err != nil {
				return goja.Null()
			}
			return vm.ToValue(string(data))
		}),
		obj.Set("put", func(call goja.FunctionCall) goja.Value {
			files.Put(call.Argument(0).String(), []byte(call.Argument(1).String()))
			return goja.Undefined()
		}),
		obj.Set("store", func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(files.Store(call.Argument(0).String(), call.Argument(1).String()))
		}),
		obj.Set("list", func(goja.FunctionCall) goja.Value {
			return vm.ToValue(files.Keys())
		}),
	)
	return obj, err
}

// requireFetch is the galaxy:fetch native module loader.
func (rt *Runtime) requireFetch(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)
	_ = exports.Set("fetch", rt.fetchFunc(rt.ctx, vm))
}

// requireFiles is the galaxy:files native module loader.
func (rt *Runtime) requireFiles(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)
	files, err := rt.filesObject(vm, rt.files)
	if err != nil {
		panic(vm.NewGoError(err))
	}
	for _, k := range files.Keys() {
		_ = exports.Set(k, files.Get(k))
	}
}

// slogPrinter routes console output to the logger.
type slogPrinter struct {
	logger *slog.Logger
}

func (p *slogPrinter) Log(s string)   { p.logger.Info("engine: console", slog.String("message", s)) }
func (p *slogPrinter) Warn(s string)  { p.logger.Warn("engine: console", slog.String("message", s)) }
func (p *slogPrinter) Error(s string) { p.logger.Error("engine: console", slog.String("message", s)) }
