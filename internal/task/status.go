package task

import "fmt"

// State is the lifecycle state of a task
type State uint8

const (
	StateStarting State = iota + 1
	StateRunning
	StateStopping
	StateStopped
)

var stateNames = map[State]string{
	StateStarting: "starting",
	StateRunning:  "running",
	StateStopping: "stopping",
	StateStopped:  "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// MarshalText renders the state name in JSON and YAML output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StopReason explains a Stopped state
type StopReason uint8

const (
	ReasonNone StopReason = iota
	ReasonUserRequested
	ReasonCompleted
	ReasonFailed
	ReasonProcessTerminating
)

var reasonNames = map[StopReason]string{
	ReasonNone:               "",
	ReasonUserRequested:      "user_requested",
	ReasonCompleted:          "completed",
	ReasonFailed:             "failed",
	ReasonProcessTerminating: "process_terminating",
}

func (r StopReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

func (r StopReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Status is the persisted lifecycle record of a task
type Status struct {
	TaskID    string     `json:"task_id" yaml:"task_id"`
	StartTime uint64     `json:"start_time" yaml:"start_time"`
	State     State      `json:"state" yaml:"state"`
	Reason    StopReason `json:"reason,omitempty" yaml:"reason,omitempty"`
	Detail    string     `json:"detail,omitempty" yaml:"detail,omitempty"`
}

func (s Status) IsStarting() bool { return s.State == StateStarting }

func (s Status) IsStopped() bool { return s.State == StateStopped }

// Living reports whether the status describes a task that has not stopped
func (s Status) Living() bool { return !s.IsStopped() }

func (s Status) String() string {
	if !s.IsStopped() {
		return s.State.String()
	}
	if s.Reason == ReasonFailed && s.Detail != "" {
		return fmt.Sprintf("stopped(failed: %s)", s.Detail)
	}
	return fmt.Sprintf("stopped(%s)", s.Reason)
}

// Stopped builds the terminal status for a task
func Stopped(taskID string, startTime uint64, reason StopReason, detail string) Status {
	return Status{
		TaskID:    taskID,
		StartTime: startTime,
		State:     StateStopped,
		Reason:    reason,
		Detail:    detail,
	}
}
