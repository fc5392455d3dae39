package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/models"
)

// ResultTable is a Sink for callers that wait on a task synchronously
// (command line runs, tool calls). Only expected task ids are kept; other
// deliveries are ignored.
type ResultTable struct {
	mu      sync.Mutex
	pending map[string]*pendingResult
}

type pendingResult struct {
	done chan struct{}
	env  models.Envelope
}

var _ Sink = (*ResultTable)(nil)

// NewResultTable creates an empty table.
func NewResultTable() *ResultTable {
	return &ResultTable{pending: make(map[string]*pendingResult)}
}

// Expect registers interest in taskID. Call it before dispatching.
func (r *ResultTable) Expect(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[taskID]; !ok {
		r.pending[taskID] = &pendingResult{done: make(chan struct{})}
	}
}

// Forget drops interest in taskID.
func (r *ResultTable) Forget(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, taskID)
}

// Deliver stores env for an expected taskID and wakes its waiter.
func (r *ResultTable) Deliver(_ context.Context, taskID string, env models.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[taskID]
	if !ok {
		return nil
	}
	select {
	case <-p.done:
	default:
		p.env = env
		close(p.done)
	}
	return nil
}

// Await blocks until the expected taskID is delivered or ctx ends.
func (r *ResultTable) Await(ctx context.Context, taskID string) (models.Envelope, error) {
	r.mu.Lock()
	p, ok := r.pending[taskID]
	r.mu.Unlock()
	if !ok {
		return models.Envelope{}, fmt.Errorf("dispatch: task %s not expected: %w", taskID, apperr.ErrNotFound)
	}
	defer r.Forget(taskID)

	select {
	case <-p.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return p.env, nil
	case <-ctx.Done():
		return models.Envelope{}, ctx.Err()
	}
}

// Call dispatches task through d and waits for its envelope in r.
func Call(ctx context.Context, d *Dispatcher, r *ResultTable, task models.ExecutionTask) (models.Envelope, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	r.Expect(task.ID)
	if _, err := d.Dispatch(task); err != nil {
		r.Forget(task.ID)
		return models.Envelope{}, err
	}
	return r.Await(ctx, task.ID)
}
