// Package events provides the in-process publish/subscribe bus used by the
// queue and storage components to announce state changes without coupling
// to their observers.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a kind of event published on the bus.
type Type string

// The closed set of event types published by this core. TypeWildcard is a
// subscription-only type matching every emission.
const (
	TypeWildcard Type = "*"

	TypeJobEnqueued  Type = "job.enqueued"
	TypeJobStarted   Type = "job.started"
	TypeJobCompleted Type = "job.completed"
	TypeJobRetrying  Type = "job.retrying"
	TypeJobFailed    Type = "job.failed"
	TypeJobCancelled Type = "job.cancelled"

	TypeQuotaWarning   Type = "storage.quota_warning"
	TypeQuotaCritical  Type = "storage.quota_critical"
	TypeQuotaExceeded  Type = "storage.quota_exceeded"
	TypeStorageCleaned Type = "storage.cleaned"
)

// Event is the immutable envelope delivered to subscribers and retained in
// the bounded history. Payload holds one of the typed payload structs below,
// chosen by Type.
type Event struct {
	// ID is a unique identifier for this event.
	ID uuid.UUID `json:"id"`

	// Type indicates which payload struct Payload carries.
	Type Type `json:"type"`

	// Payload is the typed payload for this event type.
	Payload any `json:"payload"`

	// Source is an optional label identifying the emitting component.
	Source string `json:"source,omitempty"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`
}

// JobEvent is the payload for all job lifecycle event types.
type JobEvent struct {
	JobID    uint64 `json:"job_id"`
	JobType  string `json:"job_type"`
	Priority string `json:"priority"`
	Retries  int    `json:"retries,omitempty"`
	Error    string `json:"error,omitempty"`
}

// QuotaEvent is the payload for quota warning, critical and exceeded events.
type QuotaEvent struct {
	BytesUsed   int64   `json:"bytes_used"`
	BytesTotal  int64   `json:"bytes_total"`
	PercentUsed float64 `json:"percent_used"`
}

// CleanupEvent is the aggregate payload emitted after an eviction pass.
type CleanupEvent struct {
	BytesFreed   int64 `json:"bytes_freed"`
	ItemsRemoved int   `json:"items_removed"`
}
