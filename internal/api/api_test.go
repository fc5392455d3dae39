package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/galaxy/internal/dispatch"
	"github.com/starford/galaxy/internal/filetable"
	"github.com/starford/galaxy/internal/macro"
	"github.com/starford/galaxy/internal/models"
	"github.com/starford/galaxy/internal/pyexec"
	"github.com/starford/galaxy/internal/scene"
	"github.com/starford/galaxy/internal/testutil"
	"github.com/starford/galaxy/internal/ui"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type echoRunner struct{}

func (echoRunner) Run(_ context.Context, task models.ExecutionTask) (any, error) {
	return task.Label, nil
}

type testEnv struct {
	router  http.Handler
	files   *filetable.Table
	scenes  *scene.DB
	results *dispatch.ResultTable
	broker  *ui.Broker
	bridge  *ui.Bridge
}

// newTestEnv wires real components behind the router. An empty token means
// auth is disabled.
func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()

	db := testutil.SceneDB(t)

	reg := macro.NewRegistry("", "", quiet)
	if err := reg.LoadBundled(); err != nil {
		t.Fatalf("LoadBundled: %v", err)
	}

	files := filetable.New(filetable.WithLogger(quiet))
	broker := ui.NewBroker(time.Second)
	t.Cleanup(broker.Close)
	bridge := ui.NewBridge(broker, time.Second, quiet)

	results := dispatch.NewResultTable()
	d := dispatch.New(echoRunner{}, results, dispatch.Options{Workers: 1, Logger: quiet})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})

	deps := Deps{
		Dispatcher: d,
		Python:     &pyexec.Runner{Interpreter: "sh", Timeout: 5 * time.Second, Logger: quiet},
		Saver:      scene.NewSaver(db, nil, quiet),
		Scenes:     db,
		Macros:     reg,
		Scripts:    bridge,
		Files:      files,
		Events:     broker,
		Logger:     quiet,
	}
	return &testEnv{
		router:  NewRouter(deps, token != "", token),
		files:   files,
		scenes:  db,
		results: results,
		broker:  broker,
		bridge:  bridge,
	}
}

func postJSON(t *testing.T, h http.Handler, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(v)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestExecuteReturnsAcknowledgement(t *testing.T) {
	env := newTestEnv(t, "")
	env.results.Expect("t1")

	w := postJSON(t, env.router, "/bind/execute", map[string]any{
		"label":  "aga",
		"input":  map[string]string{"text": "hi"},
		"taskId": "t1",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("execute status = %d, body = %s", w.Code, w.Body.String())
	}
	var ack ExecuteResponse
	_ = json.Unmarshal(w.Body.Bytes(), &ack)
	if !ack.Dispatched || ack.TaskID != "t1" {
		t.Errorf("ack = %+v", ack)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	envl, err := env.results.Await(ctx, "t1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !envl.Success || envl.Data != "aga" {
		t.Errorf("envelope = %+v", envl)
	}
}

func TestExecuteGeneratesTaskID(t *testing.T) {
	env := newTestEnv(t, "")
	w := postJSON(t, env.router, "/bind/execute", map[string]any{"code": "function f() { return 1 }"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("execute status = %d", w.Code)
	}
	var ack ExecuteResponse
	_ = json.Unmarshal(w.Body.Bytes(), &ack)
	if ack.TaskID == "" {
		t.Error("expected a generated task id")
	}
}

func TestExecuteRequiresCodeOrLabel(t *testing.T) {
	env := newTestEnv(t, "")
	w := postJSON(t, env.router, "/bind/execute", map[string]any{"taskId": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("execute without code = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "code or label is required") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestExecuteInvalidJSON(t *testing.T) {
	env := newTestEnv(t, "")
	req := httptest.NewRequest(http.MethodPost, "/bind/execute", strings.NewReader("{"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON = %d, want 400", w.Code)
	}
}

// The test env runs snippets with sh, which takes -c like python does.
func TestExecutePythonReturnsEnvelope(t *testing.T) {
	env := newTestEnv(t, "")

	w := postJSON(t, env.router, "/bind/execute-python", map[string]string{"code": "echo 42"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"success":true,"data":"42"}` {
		t.Errorf("body = %s", got)
	}

	w = postJSON(t, env.router, "/bind/execute-python", map[string]string{"code": "echo oops >&2; exit 2"})
	if got := strings.TrimSpace(w.Body.String()); got != `{"success":false,"error":"Python process exited with code 2. Error: oops"}` {
		t.Errorf("failure body = %s", got)
	}
}

func TestExecutePythonRequiresCode(t *testing.T) {
	env := newTestEnv(t, "")
	w := postJSON(t, env.router, "/bind/execute-python", map[string]string{})
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "Invalid Python code provided") {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestExecutePythonDisabled(t *testing.T) {
	h := NewRouter(Deps{Logger: quiet}, false, "")
	w := postJSON(t, h, "/bind/execute-python", map[string]string{"code": "print(1)"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestSaveSceneAndRead(t *testing.T) {
	env := newTestEnv(t, "")

	w := postJSON(t, env.router, "/bind/save-scene", map[string]any{
		"sceneName": "board",
		"sceneData": `{"elements":[]}`,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("save status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"success":true,"data":"saved size 15"}` {
		t.Errorf("save body = %s", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/scenes/board", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get scene = %d", w.Code)
	}
	var sc models.Scene
	_ = json.Unmarshal(w.Body.Bytes(), &sc)
	if sc.Data != `{"elements":[]}` {
		t.Errorf("scene data = %q", sc.Data)
	}

	req = httptest.NewRequest(http.MethodGet, "/scenes", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	var list SceneListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Scenes) != 1 || list.Scenes[0].Name != "board" {
		t.Errorf("scenes = %+v", list.Scenes)
	}
}

func TestSaveSceneObjectPayload(t *testing.T) {
	env := newTestEnv(t, "")
	w := postJSON(t, env.router, "/bind/save-scene", map[string]any{
		"sceneName": "obj",
		"sceneData": map[string]int{"v": 1},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("save status = %d", w.Code)
	}
	sc, err := env.scenes.Get(context.Background(), "obj")
	if err != nil || sc.Data != `{"v":1}` {
		t.Errorf("stored = %+v, %v", sc, err)
	}
}

func TestSaveSceneValidation(t *testing.T) {
	env := newTestEnv(t, "")
	w := postJSON(t, env.router, "/bind/save-scene", map[string]any{"sceneData": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing name = %d, want 400", w.Code)
	}
}

func TestGetScene_NotFound(t *testing.T) {
	env := newTestEnv(t, "")
	req := httptest.NewRequest(http.MethodGet, "/scenes/nope", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing scene = %d, want 404", w.Code)
	}
}

func TestDeleteScene(t *testing.T) {
	env := newTestEnv(t, "")
	_ = postJSON(t, env.router, "/bind/save-scene", map[string]any{"sceneName": "gone", "sceneData": "x"})

	req := httptest.NewRequest(http.MethodDelete, "/scenes/gone", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	req = httptest.NewRequest(http.MethodDelete, "/scenes/gone", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
}

func TestStoreIsContentAddressed(t *testing.T) {
	env := newTestEnv(t, "")
	w := postJSON(t, env.router, "/bind/store", map[string]string{"text": "hello", "ext": "txt"})
	if w.Code != http.StatusCreated {
		t.Fatalf("store = %d, body = %s", w.Code, w.Body.String())
	}
	var resp StoreResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824.txt"
	if resp.Key != want || resp.URL != "/"+want {
		t.Errorf("store response = %+v", resp)
	}
	if data, err := env.files.Get("/public/" + want); err != nil || string(data) != "hello" {
		t.Errorf("table lookup = %q, %v", data, err)
	}
}

func TestStoreRejectsBadExtension(t *testing.T) {
	env := newTestEnv(t, "")
	w := postJSON(t, env.router, "/bind/store", map[string]string{"text": "x", "ext": "../x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad ext = %d, want 400", w.Code)
	}
}

func TestListMacros(t *testing.T) {
	env := newTestEnv(t, "")
	req := httptest.NewRequest(http.MethodGet, "/macros", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("macros = %d", w.Code)
	}
	var resp MacroListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Fallback != macro.DefaultFallbackLabel || resp.Startup != macro.DefaultStartupLabel {
		t.Errorf("reserved labels = %q, %q", resp.Fallback, resp.Startup)
	}
	found := false
	for _, d := range resp.Macros {
		if d.Label == "wordcount.star" && d.Kind == models.MacroKindStarlark {
			found = true
		}
	}
	if !found {
		t.Errorf("wordcount.star missing from %+v", resp.Macros)
	}
}

func TestScriptResultResolvesPendingRequest(t *testing.T) {
	env := newTestEnv(t, "")
	ch := env.broker.Subscribe()
	defer env.broker.Unsubscribe(ch)

	got := make(chan string, 1)
	go func() {
		v, err := env.bridge.RunScript(context.Background(), "document.title")
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- v
	}()

	var msg []byte
	select {
	case msg = <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no script pushed")
	}
	data := strings.TrimSuffix(strings.SplitN(string(msg), "data: ", 2)[1], "\n\n")
	var sr ui.ScriptRequest
	if err := json.Unmarshal([]byte(data), &sr); err != nil {
		t.Fatalf("decode script request: %v", err)
	}

	w := postJSON(t, env.router, "/ui/scripts/"+sr.ID, map[string]string{"result": "Galaxy"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("script result = %d", w.Code)
	}
	if v := <-got; v != "Galaxy" {
		t.Errorf("RunScript = %q", v)
	}

	w = postJSON(t, env.router, "/ui/scripts/"+sr.ID, map[string]string{"result": "late"})
	if w.Code != http.StatusNotFound {
		t.Errorf("stale result = %d, want 404", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	env := newTestEnv(t, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/macros", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	env := newTestEnv(t, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/macros", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	env := newTestEnv(t, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/macros", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	env := newTestEnv(t, "")
	req := httptest.NewRequest(http.MethodGet, "/macros", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests.

func TestSSEEvents_AuthProtected(t *testing.T) {
	env := newTestEnv(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_QueryToken(t *testing.T) {
	env := newTestEnv(t, "tok")

	// The broker handler blocks until the request context ends.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?token=tok", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("SSE with query token = %d, want 200", w.Code)
	}
	select {
	case <-env.broker.Ready():
	default:
		t.Error("connecting to /events should mark the UI ready")
	}
}

func TestSSEEvents_StreamsAssetChanges(t *testing.T) {
	env := newTestEnv(t, "")
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return env.broker.ClientCount() == 1
	}, "SSE client never registered")

	env.broker.PublishAssetEvent("updated", "app.js")

	buf := make([]byte, 512)
	var got strings.Builder
	for !strings.Contains(got.String(), "\n\n") {
		n, err := resp.Body.Read(buf)
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		got.Write(buf[:n])
	}
	if !strings.HasPrefix(got.String(), "event: asset.updated\n") {
		t.Errorf("first event = %q", got.String())
	}
	if !strings.Contains(got.String(), `"key":"app.js"`) {
		t.Errorf("event data = %q", got.String())
	}
}

// File serving and upload tests.

func TestFileServer(t *testing.T) {
	files := filetable.New(filetable.WithLogger(quiet))
	files.Put("index.html", []byte("<html></html>"))
	files.Put("app.js", []byte("console.log(1)"))
	h := FileServer(files, quiet)

	cases := []struct {
		path   string
		status int
		ctype  string
	}{
		{"/", http.StatusOK, "text/html"},
		{"/public/app.js", http.StatusOK, "javascript"},
		{"/deep/nested/app.js", http.StatusOK, "javascript"},
		{"/missing.css", http.StatusNotFound, ""},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, c.path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != c.status {
			t.Errorf("%s: status = %d, want %d", c.path, w.Code, c.status)
			continue
		}
		if c.ctype != "" && !strings.Contains(w.Header().Get("Content-Type"), c.ctype) {
			t.Errorf("%s: content type = %q", c.path, w.Header().Get("Content-Type"))
		}
	}
}

func uploadFile(t *testing.T, router http.Handler, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(part, bytes.NewReader(content))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/assets", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestUploadAssetLandsInTable(t *testing.T) {
	env := newTestEnv(t, "")
	w := uploadFile(t, env.router, "photo.png", []byte("\x89PNG\r\n\x1a\n"))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	var resp AssetUploadResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.URL != "/photo.png" || resp.Size != 8 {
		t.Errorf("upload response = %+v", resp)
	}

	eph := env.files.Ephemeral()
	if len(eph) != 1 || eph[0].Path != "photo.png" {
		t.Errorf("ephemeral = %+v", eph)
	}
}

func TestUploadAsset_MissingFileField(t *testing.T) {
	env := newTestEnv(t, "")
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("other", "x")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/assets", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing file field = %d, want 400", w.Code)
	}
}

func TestSafeName(t *testing.T) {
	for _, bad := range []string{"", "../x.png", "a/b.png", `a\b.png`, ".."} {
		if _, err := safeName(bad); err == nil {
			t.Errorf("safeName(%q) should fail", bad)
		}
	}
	if name, err := safeName("ok.png"); err != nil || name != "ok.png" {
		t.Errorf("safeName(ok.png) = %q, %v", name, err)
	}
}
