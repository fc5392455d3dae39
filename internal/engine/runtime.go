package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	_ "github.com/dop251/goja_nodejs/util"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/models"
)

// DefaultSyncTimeout bounds RunOnLoopSync calls.
const DefaultSyncTimeout = 5 * time.Second

// Native module names.
const (
	ModuleFetch = "galaxy:fetch"
	ModuleFiles = "galaxy:files"
)

// DefaultAllowedModules are the modules a macro may load.
var DefaultAllowedModules = []string{ModuleFetch, ModuleFiles, "console", "util", "node:util"}

// wrapperParams are the names bound inside every JavaScript module.
var wrapperParams = []string{
	"exports", "module", "dynamicImport", "require", "input", "label", "output", "env",
	"apiKey", "googleKey", "galaxyPath", "script", "toast", "fetch", "files",
}

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	AllowedModules []string
	Files          FileStore
	HTTPClient     *http.Client
	Logger         *slog.Logger
	SyncTimeout    time.Duration
}

// Runtime owns one goja VM driven by an event loop. All VM access happens on
// the loop goroutine, so macro evaluation has a single execution context.
// The global require is removed from the VM; modules are reachable only
// through the dynamicImport and require capabilities, filtered by the
// allow-list.
type Runtime struct {
	loop     *eventloop.EventLoop
	registry *require.Registry
	timeout  time.Duration

	allowed    map[string]bool
	files      FileStore
	httpClient *http.Client
	logger     *slog.Logger

	// Loop-owned state.
	requireFn goja.Callable
	programs  map[string]*goja.Program

	mu      sync.RWMutex
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

var _ Executor = (*Runtime)(nil)

// NewRuntime creates and starts a Runtime. Cancelling ctx closes it.
func NewRuntime(ctx context.Context, opts RuntimeOptions) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	if opts.AllowedModules == nil {
		opts.AllowedModules = DefaultAllowedModules
	}

	childCtx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		timeout:    opts.SyncTimeout,
		allowed:    make(map[string]bool, len(opts.AllowedModules)),
		files:      opts.Files,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		programs:   make(map[string]*goja.Program),
		ctx:        childCtx,
		cancel:     cancel,
	}
	for _, m := range opts.AllowedModules {
		rt.allowed[m] = true
	}

	rt.registry = require.NewRegistry()
	rt.registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(&slogPrinter{logger: opts.Logger}))
	rt.registry.RegisterNativeModule(ModuleFetch, rt.requireFetch)
	rt.registry.RegisterNativeModule(ModuleFiles, rt.requireFiles)

	rt.loop = eventloop.NewEventLoop(
		eventloop.WithRegistry(rt.registry),
		eventloop.EnableConsole(false),
	)
	rt.loop.Start()
	rt.mu.Lock()
	rt.started = true
	rt.mu.Unlock()

	err := rt.RunOnLoopSync(func(vm *goja.Runtime) error {
		vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
		console.Enable(vm)
		fn, ok := goja.AssertFunction(vm.Get("require"))
		if !ok {
			return errors.New("require is not enabled")
		}
		rt.requireFn = fn
		return vm.GlobalObject().Delete("require")
	})
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("engine: initialize runtime: %w", err)
	}

	if ctx.Done() != nil {
		context.AfterFunc(ctx, func() {
			_ = rt.Close()
		})
	}
	return rt, nil
}

// Close stops the event loop. It is safe to call more than once.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.stopped = true
	rt.mu.Unlock()

	rt.cancel()
	rt.loop.Stop()
	return nil
}

// Done is closed once the runtime stops.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.ctx.Done()
}

// RunOnLoop schedules fn on the loop goroutine. It reports false when the
// runtime is not running.
func (rt *Runtime) RunOnLoop(fn func(*goja.Runtime)) bool {
	rt.mu.RLock()
	if !rt.started || rt.stopped {
		rt.mu.RUnlock()
		return false
	}
	rt.mu.RUnlock()
	return rt.loop.RunOnLoop(fn)
}

// RunOnLoopSync runs fn on the loop and waits for it, up to the sync timeout.
func (rt *Runtime) RunOnLoopSync(fn func(*goja.Runtime) error) error {
	errCh := make(chan error, 1)
	if !rt.RunOnLoop(func(vm *goja.Runtime) { errCh <- fn(vm) }) {
		return apperr.ErrNotRunning
	}
	timer := time.NewTimer(rt.timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-rt.Done():
		return apperr.ErrNotRunning
	case <-timer.C:
		return fmt.Errorf("engine: loop operation timed out after %v", rt.timeout)
	}
}

// Execute loads def as a CommonJS module, calls its default export with the
// capability object and waits for the result. Promises are awaited.
// The result is the JSON encoding of the returned value (nil for undefined).
func (rt *Runtime) Execute(ctx context.Context, def models.MacroDefinition, caps Capabilities) (any, error) {
	if def.Kind != models.MacroKindJS {
		return nil, fmt.Errorf("engine: %s is not a JavaScript macro", def.Label)
	}
	if caps.Files == nil {
		caps.Files = rt.files
	}

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	var once sync.Once
	settle := func(v any, err error) {
		once.Do(func() { done <- outcome{v, err} })
	}

	ok := rt.RunOnLoop(func(vm *goja.Runtime) {
		defer func() {
			if r := recover(); r != nil {
				settle(nil, fmt.Errorf("engine: %s: panic: %v", def.Label, r))
			}
		}()
		res, err := rt.invoke(ctx, vm, def, caps)
		if err != nil {
			settle(nil, scriptError(def.Label, err))
			return
		}
		rt.await(vm, def.Label, res, settle)
	})
	if !ok {
		return nil, apperr.ErrNotRunning
	}

	select {
	case o := <-done:
		return o.val, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-rt.Done():
		return nil, apperr.ErrNotRunning
	}
}

// invoke runs on the loop: it evaluates the module wrapper and calls the
// default export.
func (rt *Runtime) invoke(ctx context.Context, vm *goja.Runtime, def models.MacroDefinition, caps Capabilities) (goja.Value, error) {
	prg, err := rt.program(def)
	if err != nil {
		return nil, err
	}
	wrapperVal, err := vm.RunProgram(prg)
	if err != nil {
		return nil, err
	}
	wrapper, ok := goja.AssertFunction(wrapperVal)
	if !ok {
		return nil, errors.New("module wrapper is not callable")
	}

	capObj, err := rt.capabilities(ctx, vm, caps)
	if err != nil {
		return nil, err
	}
	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	args := make([]goja.Value, len(wrapperParams))
	args[0], args[1] = exports, module
	for i, name := range wrapperParams[2:] {
		args[i+2] = capObj.Get(name)
	}

	modExports, err := wrapper(goja.Undefined(), args...)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(modExports) || goja.IsNull(modExports) {
		return nil, apperr.ErrNoEntryPoint
	}
	entry, ok := goja.AssertFunction(modExports.ToObject(vm).Get("default"))
	if !ok {
		return nil, apperr.ErrNoEntryPoint
	}
	return entry(goja.Undefined(), capObj)
}

// program compiles def once per checksum. Loop-only.
func (rt *Runtime) program(def models.MacroDefinition) (*goja.Program, error) {
	if prg, ok := rt.programs[def.Checksum]; ok && def.Checksum != "" {
		return prg, nil
	}
	src := "(function(" + joinParams() + ") {\n" + def.Source + "\nreturn module.exports;\n})"
	prg, err := goja.Compile(def.Label, src, false)
	if err != nil {
		return nil, err
	}
	if def.Checksum != "" {
		rt.programs[def.Checksum] = prg
	}
	return prg, nil
}

func joinParams() string {
	s := ""
	for i, p := range wrapperParams {
		if i > 0 {
			s += ", "
		}
		s += p
	}
	return s
}

// await settles with the value of res, waiting on the loop for promises.
func (rt *Runtime) await(vm *goja.Runtime, label string, res goja.Value, settle func(any, error)) {
	p, ok := res.Export().(*goja.Promise)
	if !ok {
		settle(exportJSON(vm, res))
		return
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		settle(exportJSON(vm, p.Result()))
		return
	case goja.PromiseStateRejected:
		settle(nil, &ScriptError{Label: label, Message: describe(p.Result()), Err: goError(p.Result())})
		return
	}
	then, ok := goja.AssertFunction(res.ToObject(vm).Get("then"))
	if !ok {
		settle(nil, errors.New("engine: promise without then"))
		return
	}
	onFulfilled := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		settle(exportJSON(vm, call.Argument(0)))
		return goja.Undefined()
	})
	onRejected := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		settle(nil, &ScriptError{Label: label, Message: describe(call.Argument(0)), Err: goError(call.Argument(0))})
		return goja.Undefined()
	})
	if _, err := then(res, onFulfilled, onRejected); err != nil {
		settle(nil, scriptError(label, err))
	}
}

// exportJSON encodes v with the VM's JSON.stringify so the result keeps
// script-side semantics (property order, toJSON, dropped functions).
func exportJSON(vm *goja.Runtime, v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) {
		return nil, nil
	}
	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return nil, errors.New("engine: JSON.stringify unavailable")
	}
	out, err := stringify(goja.Undefined(), v)
	if err != nil {
		return nil, fmt.Errorf("engine: serialize result: %w", err)
	}
	if goja.IsUndefined(out) {
		return nil, nil
	}
	return json.RawMessage(out.String()), nil
}

// scriptError converts an error raised while running script code.
func scriptError(label string, err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return &ScriptError{Label: label, Message: describe(exc.Value()), Err: goError(exc.Value())}
	}
	var se *ScriptError
	if errors.As(err, &se) {
		return err
	}
	return fmt.Errorf("engine: %s: %w", label, err)
}

// describe renders a thrown value the way the script sees it.
func describe(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	return v.String()
}

// goError returns the Go error carried by a value created with NewGoError.
func goError(v goja.Value) error {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	inner := obj.Get("value")
	if inner == nil {
		return nil
	}
	err, _ := inner.Export().(error)
	return err
}
