// Package task holds the persisted task records and the capability a task kind
// implements to run under the engine.
package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Kind selects the variant of a task definition
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindCompare  Kind = "compare"
)

const (
	defaultBatchSize            = 100
	defaultConcurrency          = 16
	defaultLargeObjectThreshold = 104857600 // 100MB
	defaultPartSize             = 67108864  // 64MB
	defaultRetries              = 5
	defaultRetryBackoffMs       = 500
	minPartSize                 = 5 * 1024 * 1024
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ObjectStorage describes one side of a transfer
type ObjectStorage struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Secure    bool   `json:"secure" yaml:"secure"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Prefix    string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// TransferAttributes tunes how a transfer task runs
type TransferAttributes struct {
	BatchSize            int     `json:"batch_size" yaml:"batch_size"`
	Concurrency          int     `json:"concurrency" yaml:"concurrency"`
	LargeObjectThreshold int64   `json:"large_object_threshold" yaml:"large_object_threshold"`
	PartSize             int64   `json:"part_size" yaml:"part_size"`
	Retries              int     `json:"retries" yaml:"retries"`
	RetryBackoffMs       int     `json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	SkipExisting         bool    `json:"skip_existing" yaml:"skip_existing"`
	ObjectsPerSecond     float64 `json:"objects_per_second,omitempty" yaml:"objects_per_second,omitempty"`
}

// TransferSpec copies every object under Source.Prefix to Target
type TransferSpec struct {
	Source     ObjectStorage      `json:"source" yaml:"source"`
	Target     ObjectStorage      `json:"target" yaml:"target"`
	Attributes TransferAttributes `json:"attributes" yaml:"attributes"`
}

// CompareAttributes tunes how a compare task runs
type CompareAttributes struct {
	BatchSize        int     `json:"batch_size" yaml:"batch_size"`
	Concurrency      int     `json:"concurrency" yaml:"concurrency"`
	CheckETag        bool    `json:"check_etag" yaml:"check_etag"`
	ObjectsPerSecond float64 `json:"objects_per_second,omitempty" yaml:"objects_per_second,omitempty"`
}

// CompareSpec records objects of Source that are missing or differ in Target
type CompareSpec struct {
	Source     ObjectStorage     `json:"source" yaml:"source"`
	Target     ObjectStorage     `json:"target" yaml:"target"`
	Attributes CompareAttributes `json:"attributes" yaml:"attributes"`
}

// Definition is the persisted description of a task. Exactly one of the
// kind-specific specs is set, matching Kind.
type Definition struct {
	TaskID   string        `json:"task_id" yaml:"task_id,omitempty"`
	Name     string        `json:"name,omitempty" yaml:"name,omitempty"`
	Kind     Kind          `json:"kind" yaml:"kind"`
	MetaDir  string        `json:"meta_dir,omitempty" yaml:"meta_dir,omitempty"`
	Transfer *TransferSpec `json:"transfer,omitempty" yaml:"transfer,omitempty"`
	Compare  *CompareSpec  `json:"compare,omitempty" yaml:"compare,omitempty"`
}

const redactedSecret = "******"

func (o ObjectStorage) redacted() ObjectStorage {
	if o.SecretKey != "" {
		o.SecretKey = redactedSecret
	}
	return o
}

// Redacted returns a copy of d with secret keys masked, for display
func (d Definition) Redacted() Definition {
	if d.Transfer != nil {
		spec := *d.Transfer
		spec.Source, spec.Target = spec.Source.redacted(), spec.Target.redacted()
		d.Transfer = &spec
	}
	if d.Compare != nil {
		spec := *d.Compare
		spec.Source, spec.Target = spec.Source.redacted(), spec.Target.redacted()
		d.Compare = &spec
	}
	return d
}

// Validate checks the definition and fills attribute defaults
func (d *Definition) Validate() error {
	if d.TaskID != "" && !ValidTaskID(d.TaskID) {
		return fmt.Errorf("%w: task id %q must match %s", ErrValidation, d.TaskID, taskIDPattern)
	}

	switch d.Kind {
	case KindTransfer:
		if d.Transfer == nil || d.Compare != nil {
			return fmt.Errorf("%w: transfer task needs exactly a transfer section", ErrValidation)
		}
		return d.Transfer.validate()
	case KindCompare:
		if d.Compare == nil || d.Transfer != nil {
			return fmt.Errorf("%w: compare task needs exactly a compare section", ErrValidation)
		}
		return d.Compare.validate()
	default:
		return fmt.Errorf("%w: unknown task kind %q", ErrValidation, d.Kind)
	}
}

// ValidTaskID reports whether id is usable as a key and a directory name
func ValidTaskID(id string) bool {
	return taskIDPattern.MatchString(id)
}

func (t *TransferSpec) validate() error {
	if err := t.Source.validate("source"); err != nil {
		return err
	}
	if err := t.Target.validate("target"); err != nil {
		return err
	}

	a := &t.Attributes
	if a.BatchSize == 0 {
		a.BatchSize = defaultBatchSize
	}
	if a.Concurrency == 0 {
		a.Concurrency = defaultConcurrency
	}
	if a.LargeObjectThreshold == 0 {
		a.LargeObjectThreshold = defaultLargeObjectThreshold
	}
	if a.PartSize == 0 {
		a.PartSize = defaultPartSize
	}
	if a.Retries == 0 {
		a.Retries = defaultRetries
	}
	if a.RetryBackoffMs == 0 {
		a.RetryBackoffMs = defaultRetryBackoffMs
	}

	if a.BatchSize < 0 || a.Concurrency < 0 || a.Retries < 0 || a.RetryBackoffMs < 0 {
		return fmt.Errorf("%w: attributes must not be negative", ErrValidation)
	}
	if a.PartSize < minPartSize {
		return fmt.Errorf("%w: part size must be at least 5MB", ErrValidation)
	}
	if a.LargeObjectThreshold < a.PartSize {
		return fmt.Errorf("%w: large object threshold must not be below part size", ErrValidation)
	}
	if a.ObjectsPerSecond < 0 {
		return fmt.Errorf("%w: objects per second must not be negative", ErrValidation)
	}

	return nil
}

func (c *CompareSpec) validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if err := c.Target.validate("target"); err != nil {
		return err
	}

	a := &c.Attributes
	if a.BatchSize == 0 {
		a.BatchSize = defaultBatchSize
	}
	if a.Concurrency == 0 {
		a.Concurrency = defaultConcurrency
	}
	if a.BatchSize < 0 || a.Concurrency < 0 || a.ObjectsPerSecond < 0 {
		return fmt.Errorf("%w: attributes must not be negative", ErrValidation)
	}

	return nil
}

func (o ObjectStorage) validate(side string) error {
	if o.Endpoint == "" {
		return fmt.Errorf("%w: %s endpoint is required", ErrValidation, side)
	}
	if o.Bucket == "" {
		return fmt.Errorf("%w: %s bucket is required", ErrValidation, side)
	}
	return nil
}

// EncodeDefinition renders the JSON envelope stored in the task namespace
func EncodeDefinition(d Definition) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode task %s: %w", ErrStore, d.TaskID, err)
	}
	return data, nil
}

// DecodeDefinition parses a stored JSON envelope
func DecodeDefinition(data []byte) (Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return Definition{}, fmt.Errorf("%w: failed to decode task: %w", ErrStore, err)
	}
	switch {
	case d.Kind == KindTransfer && d.Transfer != nil:
	case d.Kind == KindCompare && d.Compare != nil:
	default:
		return Definition{}, fmt.Errorf("%w: stored task %s has no %q section", ErrStore, d.TaskID, d.Kind)
	}
	return d, nil
}

// ParseDefinitionYAML reads a user-written definition file
func ParseDefinitionYAML(data []byte) (Definition, error) {
	var d Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return Definition{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return d, nil
}
