// Package queue provides the priority job queue: the scheduler that accepts
// units of deferred work, persists their state, executes up to a configured
// number concurrently, retries failures with exponential backoff, and
// recovers in-flight work after a crash.
package queue

import (
	"encoding/json"
	"time"
)

// JobType identifies a kind of job. Handlers are registered per type at
// composition time; enqueueing an unregistered type fails immediately.
type JobType string

// Priority orders pending jobs for execution.
type Priority string

// Job priorities, lowest to highest.
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// rank maps a priority to its ordering weight. Unknown values sort with
// normal.
func (p Priority) rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Status is the current state of a job. Transitions follow
// pending → running → {completed | failed | cancelled}, with failed looping
// back to pending while retries remain.
type Status string

// Possible job status values.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is a persisted unit of deferred work. Invariant: Retries never
// exceeds MaxRetries; mutations happen only inside the queue's execution
// loop or its explicit cancel/clear operations.
type Job struct {
	ID          uint64          `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Retries     int             `json:"retries"`
	MaxRetries  int             `json:"max_retries"`
}

// UnmarshalPayload decodes the job payload into the provided structure.
func (j *Job) UnmarshalPayload(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// clone returns a copy safe to hand to callers and handlers.
func (j *Job) clone() *Job {
	out := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
