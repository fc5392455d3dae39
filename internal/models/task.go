package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskState is the lifecycle state of an ExecutionTask.
type TaskState string

const (
	TaskDispatched TaskState = "dispatched"
	TaskRunning    TaskState = "running"
	TaskSucceeded  TaskState = "succeeded"
	TaskFailed     TaskState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// ExecutionTask is one dispatched macro invocation, correlated by ID.
type ExecutionTask struct {
	ID    string          `json:"taskId"`
	Label string          `json:"label,omitempty"`
	Code  string          `json:"code,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Output is the current content of the element the macro writes to.
	Output json.RawMessage `json:"output,omitempty"`

	State        TaskState `json:"state"`
	DispatchedAt time.Time `json:"dispatched_at"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
}

// Advance moves the task to next, rejecting transitions the lifecycle does not allow.
// Tasks are never re-entered: a terminal task cannot move again.
func (t *ExecutionTask) Advance(next TaskState, at time.Time) error {
	switch {
	case t.State == "" && next == TaskDispatched:
		t.DispatchedAt = at
	case t.State == TaskDispatched && next == TaskRunning:
		t.StartedAt = at
	case t.State == TaskRunning && next.Terminal():
		t.CompletedAt = at
	default:
		return fmt.Errorf("task %s: invalid transition %q -> %q", t.ID, t.State, next)
	}
	t.State = next
	return nil
}

// Envelope is the serialized outcome delivered to the caller of a task.
// It encodes as {"success":true,"data":...} or {"success":false,"error":"..."}.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Error   string `json:"error"`
}

// MarshalJSON emits only the field that matches the outcome.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Success {
		return json.Marshal(struct {
			Success bool `json:"success"`
			Data    any  `json:"data"`
		}{true, e.Data})
	}
	return json.Marshal(struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}{false, e.Error})
}

// Succeeded builds a success envelope.
func Succeeded(data any) Envelope {
	return Envelope{Success: true, Data: data}
}

// Failed builds a failure envelope from err.
func Failed(err error) Envelope {
	return Envelope{Success: false, Error: err.Error()}
}
