package provider

import (
	"context"
	"errors"
	"fmt"

	"mediagen/internal/domain"
)

// Status enumerates provider-side task states reported by PollStatus.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Capabilities describes how a generation back-end delivers results and what
// control operations it supports. Synchronous providers are polled; the rest
// push results through the webhook receiver.
type Capabilities struct {
	Synchronous    bool
	SupportsCancel bool
}

// SubmitRequest is the normalized request passed to any adapter.
type SubmitRequest struct {
	JobID       string
	Kind        domain.JobKind
	Model       string
	Prompt      string
	AspectRatio string
	Locale      string
	// CallbackURL is where webhook-driven providers post their result. The
	// job id travels with the submission as the callback reference.
	CallbackURL string
	APIConfig   map[string]string
}

// Result is a finished generation as reported by the provider.
type Result struct {
	URL    string
	Format string
}

// Submission is the outcome of Submit: either an immediate result (rare, for
// fully synchronous back-ends) or an accepted task reference to track.
type Submission struct {
	TaskRef string
	Result  *Result
}

// PollResult is one observation of an in-flight provider task.
type PollResult struct {
	Status   Status
	Progress float64
	Result   *Result
	Message  string
}

// Adapter is the uniform interface over heterogeneous generation back-ends.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	Submit(ctx context.Context, req SubmitRequest) (*Submission, error)
	PollStatus(ctx context.Context, taskRef string) (*PollResult, error)
	// Cancel aborts an accepted task. Adapters without SupportsCancel return
	// ErrCancelUnsupported.
	Cancel(ctx context.Context, taskRef string) error
}

// ErrCancelUnsupported is returned by adapters that cannot abort an accepted
// submission.
var ErrCancelUnsupported = errors.New("provider does not support cancellation")

// Error classifies a provider failure so callers can decide between retry and
// terminal failure. Transient errors (network, 5xx) are retried with backoff;
// permanent ones (bad payload, unsupported config) fail the job immediately.
type Error struct {
	Provider  string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransientError wraps err as a retryable provider failure.
func NewTransientError(provider string, err error) error {
	return &Error{Provider: provider, Transient: true, Err: err}
}

// NewPermanentError wraps err as a non-retryable provider failure.
func NewPermanentError(provider string, err error) error {
	return &Error{Provider: provider, Transient: false, Err: err}
}

// IsTransient reports whether err is a provider failure worth retrying.
// Unclassified errors are treated as transient so flaky transports get their
// bounded retries.
func IsTransient(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Transient
	}
	return true
}
