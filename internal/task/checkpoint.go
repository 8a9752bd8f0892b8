package task

import "fmt"

// FilePosition is a progress marker inside a task's object list file
type FilePosition struct {
	Offset  uint64 `json:"offset" yaml:"offset"`
	LineNum uint64 `json:"line_num" yaml:"line_num"`
}

// Stage is the phase a checkpoint resumes into
type Stage uint8

const (
	StageList Stage = iota + 1
	StageTransfer
)

func (s Stage) String() string {
	switch s {
	case StageList:
		return "list"
	case StageTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckPoint is the durable resume record of a task
type CheckPoint struct {
	TaskID        string `json:"task_id" yaml:"task_id"`
	ExecutingFile string `json:"executing_file" yaml:"executing_file"`
	// Minimum of every worker's reported position: nothing before it is unfinished.
	ExecutingFilePosition FilePosition `json:"executing_file_position" yaml:"executing_file_position"`
	Stage                 Stage        `json:"stage" yaml:"stage"`
	TaskBeginTimestamp    int64        `json:"task_begin_timestamp" yaml:"task_begin_timestamp"`
	ModifyTimestamp       int64        `json:"modify_timestamp" yaml:"modify_timestamp"`
}
