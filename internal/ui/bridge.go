package ui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/dispatch"
	"github.com/starford/galaxy/internal/models"
)

// DefaultScriptTimeout bounds RunScript when the caller's context has no deadline.
const DefaultScriptTimeout = 30 * time.Second

// ErrNoClient is returned when no page is connected to receive a script.
var ErrNoClient = errors.New("ui: no client connected")

// ScriptRequest is the payload of a script.run event. An empty ID marks a
// fire-and-forget script whose result is not posted back.
type ScriptRequest struct {
	ID     string `json:"id,omitempty"`
	Script string `json:"script"`
}

type scriptResult struct {
	value string
	err   string
}

// Bridge runs scripts in the page and pushes task results to it.
type Bridge struct {
	broker  *Broker
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan scriptResult
}

var _ dispatch.Sink = (*Bridge)(nil)

// NewBridge creates a bridge publishing through broker.
func NewBridge(broker *Broker, timeout time.Duration, logger *slog.Logger) *Bridge {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		broker:  broker,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]chan scriptResult),
	}
}

// RunScript evaluates script in the page and returns its string result.
func (b *Bridge) RunScript(ctx context.Context, script string) (string, error) {
	if b.broker.ClientCount() == 0 {
		return "", ErrNoClient
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan scriptResult, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	b.broker.Publish(Event{Type: "script.run", Data: ScriptRequest{ID: id, Script: script}})

	select {
	case res := <-ch:
		if res.err != "" {
			return "", fmt.Errorf("ui: script failed: %s", res.err)
		}
		return res.value, nil
	case <-ctx.Done():
		return "", fmt.Errorf("ui: script %s: %w", id, ctx.Err())
	}
}

// Resolve completes the RunScript call waiting on id.
func (b *Bridge) Resolve(id, result, errMsg string) error {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("ui: script request %s: %w", id, apperr.ErrNotFound)
	}
	ch <- scriptResult{value: result, err: errMsg}
	return nil
}

// Exec runs script in the page without waiting for a result.
func (b *Bridge) Exec(script string) {
	b.broker.Publish(Event{Type: "script.run", Data: ScriptRequest{Script: script}})
}

// Toast shows msg as a transient notification in the page. It returns
// ErrNoClient when no page is connected.
func (b *Bridge) Toast(_ context.Context, msg string) error {
	if b.broker.ClientCount() == 0 {
		return ErrNoClient
	}
	b.Exec(fmt.Sprintf(`ea.setToast({ message: "%s" })`, EscapeLiteral(msg)))
	return nil
}

// Deliver pushes env to the page callback registered under taskID. With no
// page connected the result has nowhere to go and ErrNoClient is returned.
func (b *Bridge) Deliver(_ context.Context, taskID string, env models.Envelope) error {
	if b.broker.ClientCount() == 0 {
		return fmt.Errorf("ui: deliver %s: %w", taskID, ErrNoClient)
	}
	payload, err := dispatch.EncodeEnvelope(env)
	if err != nil {
		b.logger.Error("ui: serialize result failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		return err
	}
	b.Exec(CallbackScript(taskID, payload))
	return nil
}

// CallbackScript is the page script that hands payload to the callback for taskID.
func CallbackScript(taskID, payload string) string {
	return fmt.Sprintf(`window.ga.executeCallback('%s', "%s")`, EscapeLiteral(taskID), EscapeLiteral(payload))
}

var literalEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	"`", "\\`",
	`$`, `\$`,
	"\n", `\n`,
	"\r", `\r`,
)

// EscapeLiteral escapes s for embedding in a quoted or template string
// literal of a page script.
func EscapeLiteral(s string) string {
	return literalEscaper.Replace(s)
}

// SnapshotScript asks the page for the open scene as {sceneName, sceneData}.
const SnapshotScript = "window.ga.snapshot ? window.ga.snapshot() : null"

type snapshot struct {
	SceneName string          `json:"sceneName"`
	SceneData json.RawMessage `json:"sceneData"`
}

// Snapshot returns the scene open in the page. An empty name means no scene
// is open. A page that is not connected is not an error.
func (b *Bridge) Snapshot(ctx context.Context) (name, data string, err error) {
	out, err := b.RunScript(ctx, SnapshotScript)
	if errors.Is(err, ErrNoClient) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	if out == "" || out == "null" {
		return "", "", nil
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		return "", "", fmt.Errorf("ui: decode snapshot: %w", err)
	}
	data = string(snap.SceneData)
	var s string
	if json.Unmarshal(snap.SceneData, &s) == nil {
		data = s
	}
	return snap.SceneName, data, nil
}
