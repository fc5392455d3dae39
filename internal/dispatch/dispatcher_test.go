package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/engine"
	"github.com/starford/galaxy/internal/models"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type runnerFunc func(ctx context.Context, task models.ExecutionTask) (any, error)

func (f runnerFunc) Run(ctx context.Context, task models.ExecutionTask) (any, error) {
	return f(ctx, task)
}

type recordingSink struct {
	mu        sync.Mutex
	delivered map[string]string
	err       error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{delivered: map[string]string{}}
}

func (s *recordingSink) Deliver(_ context.Context, taskID string, env models.Envelope) error {
	payload, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[taskID] = payload
	return s.err
}

func (s *recordingSink) get(taskID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.delivered[taskID]
	return p, ok
}

func start(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})
}

func TestDispatchReturnsBeforeResult(t *testing.T) {
	gate := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, task models.ExecutionTask) (any, error) {
		<-gate
		return "late", nil
	})
	sink := newRecordingSink()
	d := New(runner, sink, Options{Workers: 1, Logger: quiet})
	start(t, d)

	task, err := d.Dispatch(models.ExecutionTask{ID: "t1", Label: "slow"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskDispatched, task.State)
	_, delivered := sink.get("t1")
	assert.False(t, delivered, "result must not be delivered while the binding returns")

	close(gate)
	require.Eventually(t, func() bool {
		p, ok := sink.get("t1")
		return ok && p == `{"success":true,"data":"late"}`
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchEndToEnd(t *testing.T) {
	rt, err := engine.NewRuntime(context.Background(), engine.RuntimeOptions{Logger: quiet})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	ui := &toastRecorder{}
	svc := &engine.Service{JS: rt, Notify: ui, Logger: quiet}

	sink := newRecordingSink()
	d := New(svc, sink, Options{Logger: quiet})
	start(t, d)

	_, err = d.Dispatch(models.ExecutionTask{
		ID:    "t1",
		Code:  "function f({ input }) { return input.x + 1 }",
		Input: json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)
	_, err = d.Dispatch(models.ExecutionTask{
		ID:   "t2",
		Code: "async function g() { throw new Error('boom') }",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, ok := sink.get("t1")
		return ok && p == `{"success":true,"data":2}`
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		p, ok := sink.get("t2")
		return ok && p == `{"success":false,"error":"Error: boom"}`
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Error: boom"}, ui.all())
}

type toastRecorder struct {
	mu     sync.Mutex
	toasts []string
}

func (r *toastRecorder) Toast(_ context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = append(r.toasts, msg)
	return nil
}

func (r *toastRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.toasts...)
}

func TestDispatchQueueFull(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	started := make(chan struct{}, 1)
	runner := runnerFunc(func(ctx context.Context, task models.ExecutionTask) (any, error) {
		started <- struct{}{}
		<-gate
		return nil, nil
	})
	d := New(runner, nil, Options{Workers: 1, QueueSize: 1, Logger: quiet})
	start(t, d)

	_, err := d.Dispatch(models.ExecutionTask{ID: "a", Label: "x"})
	require.NoError(t, err)
	<-started
	_, err = d.Dispatch(models.ExecutionTask{ID: "b", Label: "x"})
	require.NoError(t, err)
	_, err = d.Dispatch(models.ExecutionTask{ID: "c", Label: "x"})
	assert.True(t, errors.Is(err, apperr.ErrQueueFull))
}

func TestDispatchBeforeStart(t *testing.T) {
	d := New(runnerFunc(func(context.Context, models.ExecutionTask) (any, error) { return nil, nil }), nil, Options{Logger: quiet})
	_, err := d.Dispatch(models.ExecutionTask{Label: "x"})
	assert.True(t, errors.Is(err, apperr.ErrNotRunning))
}

func TestDispatchRequiresCodeOrLabel(t *testing.T) {
	d := New(runnerFunc(func(context.Context, models.ExecutionTask) (any, error) { return nil, nil }), nil, Options{Logger: quiet})
	start(t, d)
	task, err := d.Dispatch(models.ExecutionTask{})
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
	assert.NotEmpty(t, task.ID, "an id is generated")
}

func TestObserverSeesLifecycle(t *testing.T) {
	var mu sync.Mutex
	var states []models.TaskState
	obs := func(task models.ExecutionTask) {
		mu.Lock()
		states = append(states, task.State)
		mu.Unlock()
	}
	runner := runnerFunc(func(context.Context, models.ExecutionTask) (any, error) {
		return nil, errors.New("nope")
	})
	d := New(runner, newRecordingSink(), Options{Workers: 1, Observer: obs, Logger: quiet})
	start(t, d)

	_, err := d.Dispatch(models.ExecutionTask{ID: "t", Label: "x"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []models.TaskState{models.TaskDispatched, models.TaskRunning, models.TaskFailed}, states)
}

func TestDeliverErrorIsNotFatal(t *testing.T) {
	sink := newRecordingSink()
	sink.err = errors.New("ui gone")
	runner := runnerFunc(func(context.Context, models.ExecutionTask) (any, error) { return 1, nil })
	logs := &lockedBuffer{}
	d := New(runner, sink, Options{Workers: 1, Logger: slog.New(slog.NewTextHandler(logs, nil))})
	start(t, d)

	for _, id := range []string{"a", "b"} {
		_, err := d.Dispatch(models.ExecutionTask{ID: id, Label: "x"})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		_, ok := sink.get("b")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "dispatch: deliver failed") && strings.Contains(out, "task_id=b")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), "ui gone")
}

// lockedBuffer is a bytes.Buffer safe for a logger writing from workers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCallWaitsForEnvelope(t *testing.T) {
	results := NewResultTable()
	runner := runnerFunc(func(_ context.Context, task models.ExecutionTask) (any, error) {
		return task.Label + "!", nil
	})
	d := New(runner, results, Options{Logger: quiet})
	start(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := Call(ctx, d, results, models.ExecutionTask{Label: "hi"})
	require.NoError(t, err)
	assert.True(t, env.Success)
	assert.Equal(t, "hi!", env.Data)
}

func TestResultTableIgnoresUnexpected(t *testing.T) {
	results := NewResultTable()
	require.NoError(t, results.Deliver(context.Background(), "stray", models.Succeeded(1)))
	_, err := results.Await(context.Background(), "stray")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestEncodeEnvelope(t *testing.T) {
	s, err := EncodeEnvelope(models.Succeeded(json.RawMessage(`{"a":[1,2]}`)))
	require.NoError(t, err)
	assert.Equal(t, `{"success":true,"data":{"a":[1,2]}}`, s)

	s, err = EncodeEnvelope(models.Succeeded(nil))
	require.NoError(t, err)
	assert.Equal(t, `{"success":true,"data":null}`, s)
}
