// Package models holds the durable shapes shared across the store,
// queue, sequencer, and handlers.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobKind is the closed enumeration of job kinds, open for extension via
// the handler registry.
type JobKind string

const (
	KindIngest         JobKind = "Ingest"
	KindAnalyze        JobKind = "Analyze"
	KindRenderVariants JobKind = "RenderVariants"
	KindExport         JobKind = "Export"
	KindScrape         JobKind = "Scrape"
)

// JobStatus is the job lifecycle status.
type JobStatus string

const (
	StatusPending   JobStatus = "Pending"
	StatusRunning   JobStatus = "Running"
	StatusCompleted JobStatus = "Completed"
	StatusFailed    JobStatus = "Failed"
	StatusCancelled JobStatus = "Cancelled"
)

// Bag is an opaque JSON-shaped map used for payload, result, and the
// ingest-variant/policy flags carried in payload. Unknown fields survive
// a round trip through storage verbatim.
type Bag map[string]interface{}

// GetString reads a string field, returning ok=false if absent or wrong type.
func (b Bag) GetString(key string) (string, bool) {
	v, ok := b[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetBool reads a bool field.
func (b Bag) GetBool(key string) (bool, bool) {
	v, ok := b[key]
	if !ok {
		return false, false
	}
	bv, ok := v.(bool)
	return bv, ok
}

// GetInt reads an int field, tolerating float64 (the shape json.Unmarshal
// produces for any JSON number).
func (b Bag) GetInt(key string) (int, bool) {
	v, ok := b[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Clone deep-copies the bag's top-level keys. Nested maps/slices are
// shared, matching the teacher's Config/Metadata clone semantics.
func (b Bag) Clone() Bag {
	if b == nil {
		return nil
	}
	out := make(Bag, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Job is the durable record described in spec §3.
type Job struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	SubjectID   string     `json:"subject_id,omitempty"`
	Status      JobStatus  `json:"status"`
	Progress    float64    `json:"progress"`
	Stage       string     `json:"stage,omitempty"`
	Message     string     `json:"message,omitempty"`
	Payload     Bag        `json:"payload"`
	Result      Bag        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a Pending job with a fresh id and created-at timestamp.
// The store's Create and CreateRetry (C1) are the only places job ids are
// minted.
func NewJob(kind JobKind, subjectID string, payload Bag) *Job {
	if payload == nil {
		payload = Bag{}
	}
	return &Job{
		ID:        "job_" + uuid.New().String(),
		Kind:      kind,
		SubjectID: subjectID,
		Status:    StatusPending,
		Payload:   payload.Clone(),
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep-enough copy safe to hand to a caller without
// exposing the store's internal Job to external mutation.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Payload = j.Payload.Clone()
	clone.Result = j.Result.Clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		clone.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// IsTerminal reports whether the job has reached a status from which no
// further write (other than the startup orphan-running reset) is valid.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ToJSON serializes the job for queue transport.
func (j *Job) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return data, nil
}

// JobFromJSON deserializes a job previously written by ToJSON.
func JobFromJSON(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}
