package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/filetable"
	"github.com/starford/galaxy/internal/macro"
	"github.com/starford/galaxy/internal/models"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeUI struct {
	mu     sync.Mutex
	toasts []string
	script string
	reply  string
}

func (f *fakeUI) RunScript(_ context.Context, script string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = script
	return f.reply, nil
}

func (f *fakeUI) Toast(_ context.Context, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toasts = append(f.toasts, msg)
	return nil
}

func (f *fakeUI) Toasts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.toasts...)
}

func newRuntime(t *testing.T, files FileStore) *Runtime {
	t.Helper()
	rt, err := NewRuntime(context.Background(), RuntimeOptions{Files: files, Logger: quiet})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func compile(t *testing.T, label, src string) models.MacroDefinition {
	t.Helper()
	def, err := macro.Compile(label, src)
	require.NoError(t, err)
	return def
}

func execute(t *testing.T, rt *Runtime, def models.MacroDefinition, caps Capabilities) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return rt.Execute(ctx, def, caps)
}

func requireJSON(t *testing.T, want string, got any) {
	t.Helper()
	raw, ok := got.(json.RawMessage)
	require.True(t, ok, "result is %T", got)
	assert.JSONEq(t, want, string(raw))
}

func TestExecuteSyncFunction(t *testing.T) {
	rt := newRuntime(t, nil)
	def := compile(t, "f.js", "function f({ input }) { return input.x + 1 }")

	res, err := execute(t, rt, def, Capabilities{Input: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	requireJSON(t, `2`, res)
}

func TestExecuteFreeCapabilityNames(t *testing.T) {
	rt := newRuntime(t, nil)
	def := compile(t, "SetMetadata.ts", `async function SetMetadata() {
  const { text: fieldValue } = input;
  return { ...output, customData: { metadata: { [label.substring(1)]: fieldValue } } };
}`)

	res, err := execute(t, rt, def, Capabilities{
		Input:  json.RawMessage(`{"text":"blue"}`),
		Output: json.RawMessage(`{"id":"el1"}`),
		Label:  "#color",
	})
	require.NoError(t, err)
	requireJSON(t, `{"id":"el1","customData":{"metadata":{"color":"blue"}}}`, res)
}

func TestExecuteAwaitsPendingPromise(t *testing.T) {
	rt := newRuntime(t, nil)
	ui := &fakeUI{reply: "42"}
	def := compile(t, "ui.ts", `async function ui({ script, toast }) {
  const answer = await script("return 6 * 7");
  await toast("got " + answer);
  await new Promise((resolve) => setTimeout(resolve, 10));
  return Number(answer);
}`)

	res, err := execute(t, rt, def, Capabilities{Script: ui, Notify: ui})
	require.NoError(t, err)
	requireJSON(t, `42`, res)
	assert.Equal(t, "return 6 * 7", ui.script)
	assert.Equal(t, []string{"got 42"}, ui.Toasts())
}

func TestExecuteUndefinedResult(t *testing.T) {
	rt := newRuntime(t, nil)
	def := compile(t, "noop.js", "function noop() {}")
	res, err := execute(t, rt, def, Capabilities{})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestExecuteThrowBecomesScriptError(t *testing.T) {
	rt := newRuntime(t, nil)
	def := compile(t, "boom.js", "function boom() { throw new Error('boom') }")

	_, err := execute(t, rt, def, Capabilities{})
	var se *ScriptError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "Error: boom", se.Error())
}

func TestExecuteRejectionBecomesScriptError(t *testing.T) {
	rt := newRuntime(t, nil)
	def := compile(t, "boom.ts", "async function boom() { await null; throw new Error('boom') }")

	_, err := execute(t, rt, def, Capabilities{})
	require.Error(t, err)
	assert.Equal(t, "Error: boom", err.Error())
}

func TestGlobalRequireIsRemoved(t *testing.T) {
	rt := newRuntime(t, nil)
	def := compile(t, "hasrequire.js", "function hasRequire() { return typeof globalThis.require }")
	res, err := execute(t, rt, def, Capabilities{})
	require.NoError(t, err)
	requireJSON(t, `"undefined"`, res)
}

func TestDisallowedModuleIsRejected(t *testing.T) {
	rt := newRuntime(t, nil)
	def := compile(t, "fs.ts", `async function fs() { return await import("fs") }`)

	_, err := execute(t, rt, def, Capabilities{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrModuleNotAllowed), "got %v", err)

	def = compile(t, "req.js", `function req() { return require("child_process") }`)
	_, err = execute(t, rt, def, Capabilities{})
	assert.True(t, errors.Is(err, apperr.ErrModuleNotAllowed), "got %v", err)
}

func TestFilesModuleUsesTable(t *testing.T) {
	table := filetable.New()
	rt := newRuntime(t, table)
	def := compile(t, "memo.ts", `async function memo() {
  const files = await import("galaxy:files");
  files.put("note.txt", "hello");
  return { key: files.store("hello", "txt"), note: files.get("note.txt"), missing: files.get("nope") };
}`)

	res, err := execute(t, rt, def, Capabilities{})
	require.NoError(t, err)
	requireJSON(t, `{"key":"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824.txt","note":"hello","missing":null}`, res)

	data, err := table.Get("note.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFetchCapability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"method":%q,"echo":%q,"auth":%q}`, r.Method, body, r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	rt := newRuntime(t, nil)
	def := compile(t, "call.ts", `async function call({ input }) {
  const res = await fetch(input.url, { method: "post", headers: { Authorization: "Bearer k" }, body: "ping" });
  if (!res.ok) throw new Error(res.statusText);
  return await res.json();
}`)

	res, err := execute(t, rt, def, Capabilities{Input: json.RawMessage(fmt.Sprintf(`{"url":%q}`, srv.URL))})
	require.NoError(t, err)
	requireJSON(t, `{"method":"POST","echo":"ping","auth":"Bearer k"}`, res)
}

func TestScriptWithoutUIRejects(t *testing.T) {
	rt := newRuntime(t, nil)
	def := compile(t, "s.ts", `async function s({ script }) { return await script("1") }`)
	_, err := execute(t, rt, def, Capabilities{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no UI attached")
}

func TestProgramIsCachedByChecksum(t *testing.T) {
	rt := newRuntime(t, nil)
	def := compile(t, "count.js", "function count({ input }) { return input.n * 2 }")
	for i := 1; i <= 3; i++ {
		res, err := execute(t, rt, def, Capabilities{Input: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))})
		require.NoError(t, err)
		requireJSON(t, fmt.Sprint(i*2), res)
	}
	err := rt.RunOnLoopSync(func(*goja.Runtime) error {
		assert.Len(t, rt.programs, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestExecuteAfterCloseFails(t *testing.T) {
	rt := newRuntime(t, nil)
	require.NoError(t, rt.Close())
	def := compile(t, "f.js", "function f() { return 1 }")
	_, err := execute(t, rt, def, Capabilities{})
	assert.True(t, errors.Is(err, apperr.ErrNotRunning))
}

func TestConcurrentExecutions(t *testing.T) {
	rt := newRuntime(t, nil)
	def := compile(t, "slow.ts", `async function slow({ input }) {
  await new Promise((resolve) => setTimeout(resolve, 20));
  return input.i;
}`)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := execute(t, rt, def, Capabilities{Input: json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))})
			if assert.NoError(t, err) {
				assert.JSONEq(t, fmt.Sprint(i), string(res.(json.RawMessage)))
			}
		}()
	}
	wg.Wait()
}
