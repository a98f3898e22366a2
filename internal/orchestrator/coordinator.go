// Package orchestrator contains the asynchronous job pipeline: the task
// coordinator, per-job generation tasks, the change-feed listener and the
// timeout reaper.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediagen/internal/catalog"
	"mediagen/internal/domain"
	"mediagen/internal/infra"
	"mediagen/internal/notify"
	"mediagen/internal/provider"
	"mediagen/internal/storage"
)

// OwnerWatcher is notified when an owner gains live jobs so a change-feed
// subscription can be established for them.
type OwnerWatcher interface {
	Watch(owner string)
}

// Options wires the coordinator's collaborators.
type Options struct {
	Jobs      domain.JobRepository
	Ledger    domain.LedgerRepository
	Providers *provider.Registry
	Catalog   *catalog.Catalog
	Hub       *notify.Hub
	Store     storage.Store
	Logger    infra.Logger

	// HTTPClient downloads provider-hosted artifacts before they are handed
	// to the store. Defaults to a client with a generous timeout.
	HTTPClient *http.Client
	// CallbackBaseURL is the externally reachable API base used to build
	// webhook callback URLs.
	CallbackBaseURL string
	// StorageBaseURL identifies result references that are already local and
	// need no re-download.
	StorageBaseURL string

	PollInitialDelay time.Duration
	PollMaxInterval  time.Duration
}

// Coordinator is the top-level orchestrator. It owns the registry of live
// jobs, starts generation tasks and is the single code path for terminal
// state transitions. The registry is in-memory only; Rehydrate rebuilds it
// from the job store after a restart.
type Coordinator struct {
	jobs      domain.JobRepository
	ledger    domain.LedgerRepository
	providers *provider.Registry
	catalog   *catalog.Catalog
	hub       *notify.Hub
	store     storage.Store
	logger    infra.Logger

	httpClient       *http.Client
	callbackBaseURL  string
	storageBaseURL   string
	pollInitialDelay time.Duration
	pollMaxInterval  time.Duration

	watcher OwnerWatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	registry map[string]*taskHandle
}

// NewCoordinator constructs a coordinator. Call Close to stop in-flight
// tasks.
func NewCoordinator(opts Options) *Coordinator {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	pollInitial := opts.PollInitialDelay
	if pollInitial <= 0 {
		pollInitial = 2 * time.Second
	}
	pollMax := opts.PollMaxInterval
	if pollMax < pollInitial {
		pollMax = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		jobs:             opts.Jobs,
		ledger:           opts.Ledger,
		providers:        opts.Providers,
		catalog:          opts.Catalog,
		hub:              opts.Hub,
		store:            opts.Store,
		logger:           opts.Logger,
		httpClient:       httpClient,
		callbackBaseURL:  strings.TrimRight(opts.CallbackBaseURL, "/"),
		storageBaseURL:   strings.TrimRight(opts.StorageBaseURL, "/"),
		pollInitialDelay: pollInitial,
		pollMaxInterval:  pollMax,
		ctx:              ctx,
		cancel:           cancel,
		registry:         make(map[string]*taskHandle),
	}
}

// SetWatcher registers the change-feed listener. Set once during wiring,
// before any job is started.
func (c *Coordinator) SetWatcher(w OwnerWatcher) {
	c.watcher = w
}

// Close stops all in-flight tasks and waits for them to unwind.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// StartRequest describes one generation submission.
type StartRequest struct {
	Owner       string
	Model       string
	Prompt      string
	AspectRatio string
	Locale      string
}

// Start validates the request, checks the owner's balance, persists the job
// in state pending and spawns its generation task. It returns the job id
// immediately without blocking on the provider.
//
// The balance check is advisory, not a reservation: nothing is charged until
// the job finalizes successfully.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (string, error) {
	if req.Owner == "" {
		return "", fmt.Errorf("%w: owner is required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", fmt.Errorf("%w: prompt is required", domain.ErrInvalidRequest)
	}

	entry, err := c.catalog.Resolve(req.Model)
	if err != nil {
		return "", fmt.Errorf("%w: unknown model %q", domain.ErrInvalidRequest, req.Model)
	}
	adapter, err := c.providers.Get(entry.Provider)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	balance, err := c.ledger.Balance(ctx, req.Owner)
	if err != nil {
		return "", fmt.Errorf("check balance: %w", err)
	}
	if entry.Cost > balance {
		return "", domain.ErrInsufficientFunds
	}

	payload, err := json.Marshal(domain.JobPayload{
		Prompt:      req.Prompt,
		Model:       entry.Model,
		AspectRatio: req.AspectRatio,
		Locale:      req.Locale,
	})
	if err != nil {
		return "", fmt.Errorf("snapshot payload: %w", err)
	}

	job := &domain.Job{
		ID:       uuid.NewString(),
		Owner:    req.Owner,
		Kind:     entry.Kind,
		Provider: entry.Provider,
		Model:    entry.Model,
		State:    domain.JobStatePending,
		Payload:  payload,
		Cost:     entry.Cost,
	}
	if err := c.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	c.hub.Show(ctx, job.Owner, job.ID, "generation queued")
	c.watchOwner(job.Owner)
	c.launch(job, adapter, entry)

	c.logger.Info().
		Str("job_id", job.ID).
		Str("owner", job.Owner).
		Str("provider", job.Provider).
		Str("model", job.Model).
		Int64("cost", job.Cost).
		Msg("coordinator: job started")
	return job.ID, nil
}

// Retry creates a new job from the payload snapshot of a terminal one. The
// terminal job is never mutated; pricing is resolved afresh from the catalog.
func (c *Coordinator) Retry(ctx context.Context, owner, jobID string) (string, error) {
	job, err := c.jobs.GetByID(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Owner != owner {
		return "", domain.ErrNotFound
	}
	if !job.State.Terminal() {
		return "", fmt.Errorf("%w: job is still in flight", domain.ErrInvalidRequest)
	}

	var payload domain.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", fmt.Errorf("decode payload snapshot: %w", err)
	}
	return c.Start(ctx, StartRequest{
		Owner:       owner,
		Model:       payload.Model,
		Prompt:      payload.Prompt,
		AspectRatio: payload.AspectRatio,
		Locale:      payload.Locale,
	})
}

// Cancel requests cooperative cancellation of a live job. It is honored only
// while the provider has not yet confirmed the submission; once accepted,
// cancellation requires the adapter's cancel capability and remains
// best-effort. Cancelling a job that already finished reports
// domain.ErrTerminalState.
func (c *Coordinator) Cancel(ctx context.Context, owner, jobID string) error {
	c.mu.Lock()
	h, ok := c.registry[jobID]
	c.mu.Unlock()
	if !ok || h.owner != owner {
		job, err := c.jobs.GetByID(ctx, jobID)
		if err != nil || job.Owner != owner {
			return domain.ErrNotFound
		}
		if job.State.Terminal() {
			return domain.ErrTerminalState
		}
		return domain.ErrNotFound
	}

	if !h.isAccepted() {
		h.requestCancel()
		return nil
	}
	adapter, err := c.providers.Get(h.providerName)
	if err != nil {
		return domain.ErrNotCancellable
	}
	if !adapter.Capabilities().SupportsCancel {
		return domain.ErrNotCancellable
	}
	h.requestCancel()
	if err := adapter.Cancel(ctx, h.providerRef()); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("coordinator: provider cancel failed")
	}
	return nil
}

// Outcome is the result a finalizer reports for a job.
type Outcome struct {
	State domain.JobState
	// ResultURL is a provider-hosted artifact that still needs localizing.
	ResultURL string
	// ResultRef is an already-persisted artifact reference.
	ResultRef string
	Error     string
}

// CompletedOutcome reports success with a provider-hosted artifact.
func CompletedOutcome(resultURL string) Outcome {
	return Outcome{State: domain.JobStateCompleted, ResultURL: resultURL}
}

// FailedOutcome reports a terminal failure with a human-readable message.
func FailedOutcome(message string) Outcome {
	return Outcome{State: domain.JobStateFailed, Error: message}
}

// TimedOutOutcome reports a reaper-detected timeout.
func TimedOutOutcome() Outcome {
	return Outcome{State: domain.JobStateTimedOut, Error: "generation timed out"}
}

// Finalize is the single path to a terminal state, callable from a task's
// direct completion, the change-feed listener and the reaper. It persists the
// artifact, performs the compare-and-set terminal write, charges the owner
// exactly once and updates the notification hub. Calling it again for the
// same job is a no-op: the CAS refuses a second transition and both the
// deduction and the notification transition are idempotent.
func (c *Coordinator) Finalize(ctx context.Context, jobID string, outcome Outcome) error {
	job, err := c.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		// Another path already wrote terminal state (webhook receiver, other
		// finalizer). Settlement below is idempotent.
		return c.settle(ctx, job)
	}

	if outcome.State == domain.JobStateCompleted && outcome.ResultRef == "" {
		ref, perr := c.persistArtifact(ctx, job, outcome.ResultURL)
		if perr != nil {
			c.logger.Error().Err(perr).Str("job_id", jobID).Msg("coordinator: artifact persistence failed")
			outcome = FailedOutcome(fmt.Sprintf("persist artifact: %v", perr))
		} else {
			outcome.ResultRef = ref
		}
	}

	won, err := c.jobs.Finish(ctx, jobID, outcome.State, outcome.ResultRef, outcome.Error)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if !won {
		job, err = c.jobs.GetByID(ctx, jobID)
		if err != nil {
			return err
		}
		c.logger.Debug().
			Str("job_id", jobID).
			Str("state", string(job.State)).
			Str("attempted", string(outcome.State)).
			Msg("coordinator: lost finalize race")
		return c.settle(ctx, job)
	}

	job.State = outcome.State
	job.ResultRef = outcome.ResultRef
	job.ErrorMessage = outcome.Error
	return c.settle(ctx, job)
}

// settle performs the idempotent post-terminal work: localize an externally
// written artifact, charge the owner, update the notification. Safe to run
// any number of times for the same job.
func (c *Coordinator) settle(ctx context.Context, job *domain.Job) error {
	defer c.unregister(job.ID)

	switch job.State {
	case domain.JobStateCompleted:
		if job.ResultRef != "" && !c.isLocalRef(job.ResultRef) {
			if ref, err := c.persistArtifact(ctx, job, job.ResultRef); err != nil {
				c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("coordinator: localize external artifact failed")
			} else {
				if err := c.jobs.UpdateResultRef(ctx, job.ID, ref); err != nil {
					c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("coordinator: update result ref failed")
				}
				job.ResultRef = ref
			}
		}
		if _, err := c.ledger.Deduct(ctx, job.Owner, job.Cost, job.ID); err != nil {
			c.logger.Error().Err(err).Str("job_id", job.ID).Msg("coordinator: deduction failed")
			return fmt.Errorf("deduct credits: %w", err)
		}
		c.hub.MarkCompleted(ctx, job.Owner, job.ID, job.ResultRef)
	case domain.JobStateFailed:
		c.hub.MarkFailed(ctx, job.Owner, job.ID, job.ErrorMessage)
	case domain.JobStateTimedOut:
		c.hub.MarkFailed(ctx, job.Owner, job.ID, "generation timed out")
	}
	return nil
}

// Rehydrate rebuilds the in-memory registry from the job store after a
// process restart: accepted webhook-mode jobs are re-registered so the change
// feed can settle them, poll-mode jobs resume polling, and jobs that never
// reached the provider are resubmitted from their payload snapshot.
func (c *Coordinator) Rehydrate(ctx context.Context) error {
	unfinished, err := c.jobs.ListUnfinished(ctx, "")
	if err != nil {
		return fmt.Errorf("list unfinished jobs: %w", err)
	}

	var adopted int
	for _, job := range unfinished {
		if c.isLive(job.ID) {
			continue
		}
		c.hub.Show(ctx, job.Owner, job.ID, "resuming generation")
		c.watchOwner(job.Owner)

		adapter, err := c.providers.Get(job.Provider)
		if err != nil {
			if ferr := c.Finalize(ctx, job.ID, FailedOutcome(fmt.Sprintf("provider no longer configured: %v", err))); ferr != nil {
				c.logger.Error().Err(ferr).Str("job_id", job.ID).Msg("coordinator: rehydrate finalize failed")
			}
			continue
		}
		if !adapter.Capabilities().Synchronous && job.ProviderRef != "" {
			// Submission accepted before the restart. No task to run, but the
			// job must be registered so the listener's reconcile scan covers a
			// completion written while the change feed was down.
			c.track(job)
			adopted++
			continue
		}
		c.launch(job, adapter, catalog.Entry{Provider: job.Provider, Model: job.Model, Kind: job.Kind, Cost: job.Cost})
		adopted++
	}

	c.logger.Info().
		Int("unfinished", len(unfinished)).
		Int("adopted", adopted).
		Msg("coordinator: rehydrated job registry")
	return nil
}

// LiveJobs returns the registered job ids for an owner, used by the listener
// to reconcile after a change-feed outage.
func (c *Coordinator) LiveJobs(owner string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, h := range c.registry {
		if h.owner == owner {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Coordinator) launch(job *domain.Job, adapter provider.Adapter, entry catalog.Entry) {
	h := &taskHandle{jobID: job.ID, owner: job.Owner, providerName: job.Provider}
	if job.ProviderRef != "" {
		h.setAccepted(job.ProviderRef)
	}

	c.mu.Lock()
	c.registry[job.ID] = h
	c.mu.Unlock()

	t := &generationTask{coord: c, job: job, adapter: adapter, entry: entry, handle: h}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t.run(c.ctx)
	}()
}

// track registers a job without spawning a task. Adopted webhook-mode jobs
// are finished by the change-feed pipeline; settle unregisters the handle.
func (c *Coordinator) track(job *domain.Job) {
	h := &taskHandle{jobID: job.ID, owner: job.Owner, providerName: job.Provider}
	h.setAccepted(job.ProviderRef)

	c.mu.Lock()
	c.registry[job.ID] = h
	c.mu.Unlock()
}

func (c *Coordinator) watchOwner(owner string) {
	if c.watcher != nil {
		c.watcher.Watch(owner)
	}
}

func (c *Coordinator) isLive(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.registry[jobID]
	return ok
}

func (c *Coordinator) unregister(jobID string) {
	c.mu.Lock()
	delete(c.registry, jobID)
	c.mu.Unlock()
}

func (c *Coordinator) isLocalRef(ref string) bool {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return true
	}
	return c.storageBaseURL != "" && strings.HasPrefix(ref, c.storageBaseURL)
}

// callbackURL builds the webhook endpoint handed to async providers.
func (c *Coordinator) callbackURL(providerName string) string {
	if c.callbackBaseURL == "" {
		return ""
	}
	return c.callbackBaseURL + "/v1/webhooks/" + providerName
}

// persistArtifact downloads the provider-hosted result and uploads it to the
// artifact store, returning the durable reference.
func (c *Coordinator) persistArtifact(ctx context.Context, job *domain.Job, resultURL string) (string, error) {
	if resultURL == "" {
		return "", fmt.Errorf("completed without result url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return "", fmt.Errorf("create download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("download artifact: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}

	key := artifactKey(job, resultURL)
	ref, err := c.store.Upload(ctx, key, data)
	if err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	return ref, nil
}

func artifactKey(job *domain.Job, resultURL string) string {
	ext := path.Ext(resultURL)
	if idx := strings.IndexAny(ext, "?#"); idx >= 0 {
		ext = ext[:idx]
	}
	if ext == "" {
		if job.Kind == domain.JobKindVideo {
			ext = ".mp4"
		} else {
			ext = ".png"
		}
	}
	return fmt.Sprintf("generated/%ss/%s/result%s", job.Kind, job.ID, ext)
}
