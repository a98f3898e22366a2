package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mediagen/internal/catalog"
	"mediagen/internal/domain"
	"mediagen/internal/provider"
)

const (
	maxSubmitAttempts = 4
	maxPollFailures   = 5
)

// taskHandle is the coordinator's view of one live generation task. Cancel
// requests are cooperative flags checked between provider calls; they cannot
// interrupt a call already in flight.
type taskHandle struct {
	jobID        string
	owner        string
	providerName string

	mu        sync.Mutex
	accepted  bool
	ref       string
	cancelled bool
}

func (h *taskHandle) setAccepted(ref string) {
	h.mu.Lock()
	h.accepted = true
	h.ref = ref
	h.mu.Unlock()
}

func (h *taskHandle) isAccepted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepted
}

func (h *taskHandle) providerRef() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ref
}

func (h *taskHandle) requestCancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
}

func (h *taskHandle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// generationTask drives one job against its provider adapter. Synchronous
// providers are polled with exponential backoff until they report a terminal
// status; webhook-driven providers are done once the submission is accepted,
// with completion arriving through the change-feed listener.
type generationTask struct {
	coord   *Coordinator
	job     *domain.Job
	adapter provider.Adapter
	entry   catalog.Entry
	handle  *taskHandle
}

func (t *generationTask) run(ctx context.Context) {
	logger := t.coord.logger.With().Str("job_id", t.job.ID).Str("provider", t.job.Provider).Logger()

	if t.job.ProviderRef == "" {
		if t.handle.isCancelled() {
			t.finalize(ctx, FailedOutcome("cancelled before submission"))
			return
		}

		sub, err := t.submit(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Shutting down; the job stays pending and is rehydrated on
				// the next boot.
				return
			}
			logger.Error().Err(err).Msg("task: submission failed")
			t.finalize(ctx, FailedOutcome("submission failed: "+err.Error()))
			return
		}
		if sub.Result != nil {
			t.finalize(ctx, CompletedOutcome(sub.Result.URL))
			return
		}

		t.handle.setAccepted(sub.TaskRef)
		t.job.ProviderRef = sub.TaskRef
		if err := t.coord.jobs.SetProviderRef(ctx, t.job.ID, sub.TaskRef); err != nil {
			logger.Warn().Err(err).Msg("task: persist provider ref failed")
		}
		if err := t.coord.jobs.MarkProcessing(ctx, t.job.ID); err != nil {
			logger.Warn().Err(err).Msg("task: mark processing failed")
		}
		t.coord.hub.UpdateProgress(ctx, t.job.ID, 0.05, "submitted to provider")
	} else {
		t.handle.setAccepted(t.job.ProviderRef)
	}

	if !t.adapter.Capabilities().Synchronous {
		// Completion arrives via webhook; this task's responsibility ends.
		return
	}
	t.poll(ctx)
}

// submit sends the job to the provider, retrying transient failures a bounded
// number of times. Permanent failures (validation, unsupported config) are
// not retried.
func (t *generationTask) submit(ctx context.Context) (*provider.Submission, error) {
	var payload domain.JobPayload
	if err := json.Unmarshal(t.job.Payload, &payload); err != nil {
		return nil, backoff.Permanent(err)
	}

	req := provider.SubmitRequest{
		JobID:       t.job.ID,
		Kind:        t.job.Kind,
		Model:       t.job.Model,
		Prompt:      payload.Prompt,
		AspectRatio: payload.AspectRatio,
		Locale:      payload.Locale,
		CallbackURL: t.coord.callbackURL(t.job.Provider),
		APIConfig:   t.entry.APIConfig,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 0

	var sub *provider.Submission
	operation := func() error {
		s, err := t.adapter.Submit(ctx, req)
		if err != nil {
			if !provider.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		sub = s
		return nil
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, maxSubmitAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// poll watches a synchronous provider task until it reaches a terminal
// status. The interval grows exponentially up to the configured ceiling;
// consecutive transient failures are tolerated up to a bound.
func (t *generationTask) poll(ctx context.Context) {
	logger := t.coord.logger.With().Str("job_id", t.job.ID).Str("provider", t.job.Provider).Logger()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.coord.pollInitialDelay
	bo.MaxInterval = t.coord.pollMaxInterval
	bo.MaxElapsedTime = 0

	failures := 0
	timer := time.NewTimer(bo.NextBackOff())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if t.handle.isCancelled() {
			if err := t.adapter.Cancel(ctx, t.job.ProviderRef); err != nil && !errors.Is(err, provider.ErrCancelUnsupported) {
				logger.Warn().Err(err).Msg("task: provider cancel failed")
			}
			t.finalize(ctx, FailedOutcome("cancelled by user"))
			return
		}

		res, err := t.adapter.PollStatus(ctx, t.job.ProviderRef)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !provider.IsTransient(err) {
				t.finalize(ctx, FailedOutcome("provider error: "+err.Error()))
				return
			}
			failures++
			if failures >= maxPollFailures {
				t.finalize(ctx, FailedOutcome("provider unreachable after repeated attempts"))
				return
			}
			timer.Reset(bo.NextBackOff())
			continue
		}
		failures = 0

		switch res.Status {
		case provider.StatusCompleted:
			if res.Result == nil {
				t.finalize(ctx, FailedOutcome("provider reported completion without a result"))
				return
			}
			t.finalize(ctx, CompletedOutcome(res.Result.URL))
			return
		case provider.StatusFailed:
			msg := res.Message
			if msg == "" {
				msg = "generation failed at provider"
			}
			t.finalize(ctx, FailedOutcome(msg))
			return
		default:
			if res.Progress > 0 {
				t.coord.hub.UpdateProgress(ctx, t.job.ID, res.Progress, res.Message)
			}
			timer.Reset(bo.NextBackOff())
		}
	}
}

func (t *generationTask) finalize(ctx context.Context, outcome Outcome) {
	// Use a detached context so a finalization already in progress is not cut
	// short by shutdown.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}
	if err := t.coord.Finalize(ctx, t.job.ID, outcome); err != nil {
		t.coord.logger.Error().Err(err).Str("job_id", t.job.ID).Msg("task: finalize failed")
	}
}
