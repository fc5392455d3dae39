package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestTaskLifecycle(t *testing.T) {
	now := time.Now()
	task := ExecutionTask{ID: "t1"}
	for _, s := range []TaskState{TaskDispatched, TaskRunning, TaskSucceeded} {
		if err := task.Advance(s, now); err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}
	if !task.State.Terminal() {
		t.Errorf("state %s should be terminal", task.State)
	}
	if task.CompletedAt.IsZero() || task.StartedAt.IsZero() || task.DispatchedAt.IsZero() {
		t.Error("timestamps not recorded")
	}
}

func TestTaskNeverReentered(t *testing.T) {
	now := time.Now()
	task := ExecutionTask{ID: "t2"}
	_ = task.Advance(TaskDispatched, now)
	_ = task.Advance(TaskRunning, now)
	_ = task.Advance(TaskFailed, now)
	if err := task.Advance(TaskRunning, now); err == nil {
		t.Fatal("terminal task must not be re-entered")
	}
	if err := task.Advance(TaskSucceeded, now); err == nil {
		t.Fatal("terminal task must not change outcome")
	}
}

func TestTaskSkipRunningRejected(t *testing.T) {
	task := ExecutionTask{ID: "t3"}
	_ = task.Advance(TaskDispatched, time.Now())
	if err := task.Advance(TaskSucceeded, time.Now()); err == nil {
		t.Fatal("dispatched -> succeeded must be rejected")
	}
}

func TestEnvelopes(t *testing.T) {
	ok := Succeeded(2)
	if !ok.Success || ok.Data != 2 {
		t.Errorf("unexpected %+v", ok)
	}
	bad := Failed(errors.New("boom"))
	if bad.Success || bad.Error != "boom" {
		t.Errorf("unexpected %+v", bad)
	}
}

func TestEnvelopeJSON(t *testing.T) {
	cases := []struct {
		env  Envelope
		want string
	}{
		{Succeeded(2), `{"success":true,"data":2}`},
		{Succeeded(0), `{"success":true,"data":0}`},
		{Succeeded(nil), `{"success":true,"data":null}`},
		{Failed(errors.New("Error: boom")), `{"success":false,"error":"Error: boom"}`},
	}
	for _, c := range cases {
		raw, err := json.Marshal(c.env)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(raw) != c.want {
			t.Errorf("got %s, want %s", raw, c.want)
		}
	}
}
