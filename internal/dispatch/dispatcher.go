// Package dispatch schedules macro tasks off the binding path and delivers
// their outcome to a sink keyed by task id.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/models"
)

// Runner executes one task.
type Runner interface {
	Run(ctx context.Context, task models.ExecutionTask) (any, error)
}

// Sink receives the terminal envelope of a task.
type Sink interface {
	Deliver(ctx context.Context, taskID string, env models.Envelope) error
}

// Observer is notified of every state change. It must not block.
type Observer func(task models.ExecutionTask)

// Options configures a Dispatcher.
type Options struct {
	Workers   int
	QueueSize int
	Observer  Observer
	Now       func() time.Time
	Logger    *slog.Logger
}

// Dispatcher is a work queue consumed by a fixed pool of workers. Tasks are
// fire-and-forget: they are never retried, re-entered or cancelled once
// dispatched.
type Dispatcher struct {
	runner Runner
	sink   Sink
	opts   Options

	queue chan models.ExecutionTask

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// New creates a dispatcher. Call Start before Dispatch.
func New(runner Runner, sink Sink, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		runner: runner,
		sink:   sink,
		opts:   opts,
		queue:  make(chan models.ExecutionTask, opts.QueueSize),
	}
}

// Start launches the workers. They stop once ctx is cancelled and the
// queue has drained its in-flight task.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	for range d.opts.Workers {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	go func() {
		<-ctx.Done()
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch enqueues task and returns at once with the task in the
// dispatched state. A missing ID is generated.
func (d *Dispatcher) Dispatch(task models.ExecutionTask) (models.ExecutionTask, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Code == "" && task.Label == "" {
		return task, fmt.Errorf("dispatch: task %s: code or label required: %w", task.ID, apperr.ErrInvalidArgument)
	}
	if err := task.Advance(models.TaskDispatched, d.opts.Now()); err != nil {
		return task, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return task, apperr.ErrNotRunning
	}
	select {
	case d.queue <- task:
	default:
		return task, fmt.Errorf("dispatch: task %s: %w", task.ID, apperr.ErrQueueFull)
	}
	d.opts.Logger.Debug("dispatch: queued", slog.String("task_id", task.ID), slog.String("label", task.Label))
	d.observe(task)
	return task, nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-d.queue:
			d.execute(ctx, task)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, task models.ExecutionTask) {
	if err := task.Advance(models.TaskRunning, d.opts.Now()); err != nil {
		d.opts.Logger.Error("dispatch: bad task state", slog.String("error", err.Error()))
		return
	}
	d.observe(task)

	result, err := d.runner.Run(ctx, task)
	env := models.Succeeded(result)
	next := models.TaskSucceeded
	if err != nil {
		env = models.Failed(err)
		next = models.TaskFailed
	}
	if advErr := task.Advance(next, d.opts.Now()); advErr != nil {
		d.opts.Logger.Error("dispatch: bad task state", slog.String("error", advErr.Error()))
	}
	d.observe(task)

	if d.sink == nil {
		return
	}
	if err := d.sink.Deliver(ctx, task.ID, env); err != nil {
		d.opts.Logger.Error("dispatch: deliver failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) observe(task models.ExecutionTask) {
	if d.opts.Observer != nil {
		d.opts.Observer(task)
	}
}

// EncodeEnvelope serializes env as {"success":true,"data":...} or
// {"success":false,"error":"..."}.
func EncodeEnvelope(env models.Envelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("dispatch: encode envelope: %w", err)
	}
	return string(b), nil
}
