package orchestrator

import (
	"context"
	"time"

	"mediagen/internal/domain"
	"mediagen/internal/infra"
)

const reaperBatchSize = 100

// ReaperOptions configure the timeout reaper.
type ReaperOptions struct {
	Jobs        domain.JobRepository
	Coordinator *Coordinator
	Logger      infra.Logger

	Interval time.Duration
	// Per-kind deadlines: image providers answer in seconds to minutes,
	// video providers can take far longer.
	ImageDeadline time.Duration
	VideoDeadline time.Duration
}

// Reaper periodically finalizes jobs stuck past their per-kind deadline. It
// goes through the same compare-and-set finalization as real completions, so
// when a timeout races a legitimate late result exactly one of them wins.
type Reaper struct {
	jobs      domain.JobRepository
	coord     *Coordinator
	logger    infra.Logger
	interval  time.Duration
	deadlines map[domain.JobKind]time.Duration
}

// NewReaper constructs a reaper.
func NewReaper(opts ReaperOptions) *Reaper {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	imageDeadline := opts.ImageDeadline
	if imageDeadline <= 0 {
		imageDeadline = 5 * time.Minute
	}
	videoDeadline := opts.VideoDeadline
	if videoDeadline <= 0 {
		videoDeadline = 30 * time.Minute
	}
	return &Reaper{
		jobs:     opts.Jobs,
		coord:    opts.Coordinator,
		logger:   opts.Logger,
		interval: interval,
		deadlines: map[domain.JobKind]time.Duration{
			domain.JobKindImage: imageDeadline,
			domain.JobKindVideo: videoDeadline,
		},
	}
}

// Run sweeps on a fixed period until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("reaper: started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep finalizes every job stuck past its kind's deadline.
func (r *Reaper) Sweep(ctx context.Context) {
	for kind, deadline := range r.deadlines {
		cutoff := time.Now().Add(-deadline)
		stale, err := r.jobs.ListStale(ctx, kind, cutoff, reaperBatchSize)
		if err != nil {
			r.logger.Error().Err(err).Str("kind", string(kind)).Msg("reaper: list stale jobs failed")
			continue
		}
		for _, job := range stale {
			if err := r.coord.Finalize(ctx, job.ID, TimedOutOutcome()); err != nil {
				r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reaper: finalize failed")
				continue
			}
			r.logger.Warn().
				Str("job_id", job.ID).
				Str("kind", string(kind)).
				Time("created_at", job.CreatedAt).
				Msg("reaper: job timed out")
		}
	}
}
