package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mediagen/internal/domain"
	"mediagen/internal/infra"
	"mediagen/internal/provider"
)

func TestListenerFinalizesExternallyWrittenCompletion(t *testing.T) {
	srv := artifactServer(t)
	adapter := &fakeAdapter{
		name: "veo",
		caps: provider.Capabilities{Synchronous: false},
		submitFn: func(ctx context.Context, req provider.SubmitRequest) (*provider.Submission, error) {
			return &provider.Submission{TaskRef: "op-1"}, nil
		},
	}
	env := newTestEnv(t, adapter)
	listener := NewListener(env.jobs, env.coord, infra.NewLogger("test"), 50*time.Millisecond)
	env.coord.SetWatcher(listener)
	t.Cleanup(listener.StopAll)

	_, _ = env.ledger.Add(context.Background(), "owner-1", 500, domain.TransactionTypePurchase, "test")

	jobID, err := env.coord.Start(context.Background(), StartRequest{Owner: "owner-1", Model: "veo-3.0-generate-001", Prompt: "a drone shot"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, gerr := env.jobs.GetByID(context.Background(), jobID)
		return gerr == nil && job.ProviderRef == "op-1"
	}, 2*time.Second, 5*time.Millisecond)

	// Another process (the webhook receiver) writes the terminal state and
	// signals the change feed. The listener must settle it here.
	won, err := env.jobs.Finish(context.Background(), jobID, domain.JobStateCompleted, srv.URL+"/clip.mp4", "")
	require.NoError(t, err)
	require.True(t, won)

	require.Eventually(t, func() bool {
		return env.ledger.deductionCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The externally hosted artifact was localized during settlement.
	require.Eventually(t, func() bool {
		job, gerr := env.jobs.GetByID(context.Background(), jobID)
		return gerr == nil && job.ResultRef == "https://cdn.test/generated/videos/"+jobID+"/result.mp4"
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(env.coord.LiveJobs("owner-1")) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Once settled, nothing lingers in the delivery guard.
	require.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.handled) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestListenerReconcilesMissedEvent(t *testing.T) {
	adapter := &fakeAdapter{
		name: "veo",
		caps: provider.Capabilities{Synchronous: false},
		submitFn: func(ctx context.Context, req provider.SubmitRequest) (*provider.Submission, error) {
			return &provider.Submission{TaskRef: "op-2"}, nil
		},
	}
	env := newTestEnv(t, adapter)
	_, _ = env.ledger.Add(context.Background(), "owner-1", 500, domain.TransactionTypePurchase, "test")

	jobID, err := env.coord.Start(context.Background(), StartRequest{Owner: "owner-1", Model: "veo-3.0-generate-001", Prompt: "a drone shot"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, gerr := env.jobs.GetByID(context.Background(), jobID)
		return gerr == nil && job.ProviderRef == "op-2"
	}, 2*time.Second, 5*time.Millisecond)

	// The terminal write happened while no subscription existed: mutate the
	// row directly, without a change-feed signal.
	job, err := env.jobs.GetByID(context.Background(), jobID)
	require.NoError(t, err)
	job.State = domain.JobStateFailed
	job.ErrorMessage = "provider rejected the operation"
	env.jobs.put(job)

	// A freshly started listener must pick the row up via its reconcile scan.
	listener := NewListener(env.jobs, env.coord, infra.NewLogger("test"), 50*time.Millisecond)
	t.Cleanup(listener.StopAll)
	listener.Watch("owner-1")

	require.Eventually(t, func() bool {
		return len(env.coord.LiveJobs("owner-1")) == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, env.ledger.deductionCount())
}

func TestListenerSettlesRehydratedWebhookJob(t *testing.T) {
	adapter := &fakeAdapter{
		name: "veo",
		caps: provider.Capabilities{Synchronous: false},
		submitFn: func(ctx context.Context, req provider.SubmitRequest) (*provider.Submission, error) {
			t.Error("accepted webhook job must not be resubmitted")
			return nil, errors.New("unexpected submit")
		},
	}
	env := newTestEnv(t, adapter)
	_, _ = env.ledger.Add(context.Background(), "owner-1", 500, domain.TransactionTypePurchase, "test")

	// A job accepted by the provider before the process restarted.
	env.jobs.put(&domain.Job{
		ID:          "job-adopted",
		Owner:       "owner-1",
		Kind:        domain.JobKindVideo,
		Provider:    "veo",
		Model:       "veo-3.0-generate-001",
		State:       domain.JobStateProcessing,
		ProviderRef: "op-9",
		Payload:     mustPayload(t, domain.JobPayload{Prompt: "a drone shot", Model: "veo-3.0-generate-001"}),
		Cost:        150,
	})
	require.NoError(t, env.coord.Rehydrate(context.Background()))
	require.Contains(t, env.coord.LiveJobs("owner-1"), "job-adopted")

	// The completion lands while the change-feed subscription is down: mutate
	// the row directly, without a signal.
	job, err := env.jobs.GetByID(context.Background(), "job-adopted")
	require.NoError(t, err)
	job.State = domain.JobStateCompleted
	job.ResultRef = "generated/videos/job-adopted/result.mp4"
	env.jobs.put(job)

	// A freshly started listener must settle the job through its reconcile
	// scan: deduction, notification, registry cleanup.
	listener := NewListener(env.jobs, env.coord, infra.NewLogger("test"), 50*time.Millisecond)
	t.Cleanup(listener.StopAll)
	listener.Watch("owner-1")

	require.Eventually(t, func() bool {
		return env.ledger.deductionCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(env.coord.LiveJobs("owner-1")) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestListenerWatchIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	listener := NewListener(env.jobs, env.coord, infra.NewLogger("test"), 50*time.Millisecond)
	listener.Watch("owner-1")
	listener.Watch("owner-1")
	listener.Watch("")
	listener.StopAll()
}
