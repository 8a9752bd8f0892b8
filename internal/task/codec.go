package task

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	statusVersion     byte = 1
	checkpointVersion byte = 1
)

var errTruncated = errors.New("truncated record")

// EncodeStatus renders a status record:
// version u8 | task_id str | start_time u64 | state u8 | reason u8 | detail str
func EncodeStatus(s Status) []byte {
	var e encoder
	e.u8(statusVersion)
	e.str(s.TaskID)
	e.u64(s.StartTime)
	e.u8(uint8(s.State))
	e.u8(uint8(s.Reason))
	e.str(s.Detail)
	return e.buf
}

// DecodeStatus parses a record written by EncodeStatus
func DecodeStatus(b []byte) (Status, error) {
	d := decoder{buf: b}
	if v := d.u8(); d.err == nil && v != statusVersion {
		return Status{}, fmt.Errorf("%w: unknown status version %d", ErrStore, v)
	}

	s := Status{
		TaskID:    d.str(),
		StartTime: d.u64(),
		State:     State(d.u8()),
		Reason:    StopReason(d.u8()),
		Detail:    d.str(),
	}
	if err := d.finish(); err != nil {
		return Status{}, fmt.Errorf("%w: failed to decode status: %w", ErrStore, err)
	}
	if _, ok := stateNames[s.State]; !ok {
		return Status{}, fmt.Errorf("%w: status has unknown state %d", ErrStore, s.State)
	}
	return s, nil
}

// EncodeCheckPoint renders a checkpoint record:
// version u8 | task_id str | executing_file str | offset u64 | line_num u64 |
// stage u8 | task_begin_timestamp i64 | modify_timestamp i64
func EncodeCheckPoint(c CheckPoint) []byte {
	var e encoder
	e.u8(checkpointVersion)
	e.str(c.TaskID)
	e.str(c.ExecutingFile)
	e.u64(c.ExecutingFilePosition.Offset)
	e.u64(c.ExecutingFilePosition.LineNum)
	e.u8(uint8(c.Stage))
	e.u64(uint64(c.TaskBeginTimestamp))
	e.u64(uint64(c.ModifyTimestamp))
	return e.buf
}

// DecodeCheckPoint parses a record written by EncodeCheckPoint
func DecodeCheckPoint(b []byte) (CheckPoint, error) {
	d := decoder{buf: b}
	if v := d.u8(); d.err == nil && v != checkpointVersion {
		return CheckPoint{}, fmt.Errorf("%w: unknown checkpoint version %d", ErrStore, v)
	}

	c := CheckPoint{
		TaskID:        d.str(),
		ExecutingFile: d.str(),
		ExecutingFilePosition: FilePosition{
			Offset:  d.u64(),
			LineNum: d.u64(),
		},
		Stage:              Stage(d.u8()),
		TaskBeginTimestamp: int64(d.u64()),
		ModifyTimestamp:    int64(d.u64()),
	}
	if err := d.finish(); err != nil {
		return CheckPoint{}, fmt.Errorf("%w: failed to decode checkpoint: %w", ErrStore, err)
	}
	return c, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *encoder) str(s string) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// decoder keeps the first error; later reads return zero values
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = errTruncated
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) str() string {
	b := d.take(4)
	if b == nil {
		return ""
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(n) > uint64(len(d.buf)) {
		d.err = errTruncated
		return ""
	}
	return string(d.take(int(n)))
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("%d trailing bytes", len(d.buf))
	}
	return nil
}
