package domain

import (
	"encoding/json"
	"time"
)

// JobKind enumerates supported generation media types.
type JobKind string

const (
	JobKindImage JobKind = "image"
	JobKindVideo JobKind = "video"
)

// JobState enumerates job lifecycle states.
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateTimedOut   JobState = "timed_out"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a valid step in the
// job lifecycle. Transitions only flow forward; terminal states are final.
func (s JobState) CanTransition(next JobState) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case JobStatePending:
		return next == JobStateProcessing || next.Terminal()
	case JobStateProcessing:
		return next.Terminal()
	}
	return false
}

// Job encapsulates one tracked unit of generation work. The ID doubles as the
// idempotency key for the whole pipeline: webhook callbacks, credit deductions
// and notifications all key off it.
type Job struct {
	ID           string
	Owner        string
	Kind         JobKind
	Provider     string
	Model        string
	State        JobState
	Payload      json.RawMessage
	ProviderRef  string
	ResultRef    string
	ErrorMessage string
	Cost         int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// JobPayload is the immutable snapshot of a generation request, persisted at
// submission time so retries are deterministic.
type JobPayload struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Locale      string `json:"locale,omitempty"`
}
