package engine

import (
	"testing"

	"osspipe/internal/task"
)

func TestTokenSignal(t *testing.T) {
	tok := NewToken()
	if tok.IsSignaled() {
		t.Fatal("fresh token is signaled")
	}

	select {
	case <-tok.OnSignal():
		t.Fatal("OnSignal closed before Signal")
	default:
	}

	if !tok.Signal(task.ReasonUserRequested) {
		t.Error("first Signal() = false")
	}
	if tok.Signal(task.ReasonProcessTerminating) {
		t.Error("second Signal() = true")
	}

	if !tok.IsSignaled() {
		t.Error("IsSignaled() = false after Signal")
	}
	if tok.Reason() != task.ReasonUserRequested {
		t.Errorf("Reason() = %s, want first reason", tok.Reason())
	}
	<-tok.OnSignal()
}

func TestStopRegistry(t *testing.T) {
	r := NewStopRegistry()

	if r.Signal("t1", task.ReasonUserRequested) {
		t.Error("Signal() on unknown task = true")
	}

	old := r.Register("t1")
	old.Signal(task.ReasonUserRequested)
	fresh := r.Register("t1")
	if fresh.IsSignaled() || r.IsSignaled("t1") {
		t.Error("Register() did not install a fresh token")
	}

	r.Register("t2")
	if n := r.SignalAll(task.ReasonProcessTerminating); n != 2 {
		t.Errorf("SignalAll() = %d, want 2", n)
	}
	if !r.IsSignaled("t1") || !r.IsSignaled("t2") {
		t.Error("SignalAll() missed a token")
	}

	r.Unregister("t1")
	if _, ok := r.Token("t1"); ok {
		t.Error("token still registered after Unregister")
	}
}
