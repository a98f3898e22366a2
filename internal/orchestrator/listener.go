package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mediagen/internal/domain"
	"mediagen/internal/infra"
)

// Listener is the change-feed consumer: one long-lived subscription per
// owner, turning externally written terminal transitions (webhook callbacks,
// other processes) into coordinator finalizations.
//
// Delivery is at-least-once, so concurrent deliveries for the same job are
// serialized, and every (re)connect starts with a reconciliation scan so
// transitions written while the subscription was down are never lost.
type Listener struct {
	jobs       domain.JobRepository
	coord      *Coordinator
	logger     infra.Logger
	waitWindow time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	owners  map[string]struct{}
	// handled holds jobs with an emit in flight; entries are dropped once
	// processing ends so the set never outgrows the live events.
	handled map[string]struct{}
}

// NewListener constructs a listener bound to the coordinator's finalization
// path.
func NewListener(jobs domain.JobRepository, coord *Coordinator, logger infra.Logger, waitWindow time.Duration) *Listener {
	if waitWindow <= 0 {
		waitWindow = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		jobs:       jobs,
		coord:      coord,
		logger:     logger,
		waitWindow: waitWindow,
		ctx:        ctx,
		cancel:     cancel,
		owners:     make(map[string]struct{}),
		handled:    make(map[string]struct{}),
	}
}

// Watch ensures a subscription loop exists for the owner. Idempotent.
func (l *Listener) Watch(owner string) {
	if owner == "" {
		return
	}
	l.mu.Lock()
	if _, ok := l.owners[owner]; ok {
		l.mu.Unlock()
		return
	}
	l.owners[owner] = struct{}{}
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runOwner(l.ctx, owner)
	}()
}

// StopAll tears down every subscription and waits for the loops to exit.
func (l *Listener) StopAll() {
	l.cancel()
	l.wg.Wait()
}

func (l *Listener) runOwner(ctx context.Context, owner string) {
	logger := l.logger.With().Str("owner", owner).Logger()
	logger.Debug().Msg("listener: subscription started")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		// Reconcile before blocking on the stream: completions written while
		// we were not subscribed must not be lost.
		l.reconcile(ctx, owner)

		waitCtx, cancel := context.WithTimeout(ctx, l.waitWindow)
		jobID, err := l.jobs.WaitForCompletion(waitCtx, owner)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Quiet window; loop around and reconcile again.
				bo.Reset()
				continue
			}
			logger.Warn().Err(err).Msg("listener: change-feed wait failed, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()
		l.emit(ctx, jobID)
	}
}

// reconcile re-scans the coordinator's live jobs for the owner and emits
// completion events for any whose durable row already turned terminal.
func (l *Listener) reconcile(ctx context.Context, owner string) {
	for _, jobID := range l.coord.LiveJobs(owner) {
		job, err := l.jobs.GetByID(ctx, jobID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				l.logger.Warn().Err(err).Str("job_id", jobID).Msg("listener: reconcile read failed")
			}
			continue
		}
		if job.State.Terminal() {
			l.emit(ctx, jobID)
		}
	}
}

// emit forwards one completion event to the coordinator. The handled entry
// only guards against concurrent deliveries of the same event; it is dropped
// once processing ends, since re-finalizing a terminal job is a no-op in the
// coordinator anyway.
func (l *Listener) emit(ctx context.Context, jobID string) {
	l.mu.Lock()
	if _, ok := l.handled[jobID]; ok {
		l.mu.Unlock()
		return
	}
	l.handled[jobID] = struct{}{}
	l.mu.Unlock()
	defer l.forget(jobID)

	job, err := l.jobs.GetByID(ctx, jobID)
	if err != nil || !job.State.Terminal() {
		// Spurious or premature event; a later delivery retries.
		return
	}

	outcome := Outcome{State: job.State, ResultRef: job.ResultRef, Error: job.ErrorMessage}
	if err := l.coord.Finalize(ctx, jobID, outcome); err != nil {
		l.logger.Error().Err(err).Str("job_id", jobID).Msg("listener: finalize failed")
		return
	}
	l.logger.Info().
		Str("job_id", jobID).
		Str("state", string(job.State)).
		Msg("listener: completion event finalized")
}

func (l *Listener) forget(jobID string) {
	l.mu.Lock()
	delete(l.handled, jobID)
	l.mu.Unlock()
}
