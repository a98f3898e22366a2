// Package notify implements the UI-facing notification hub: one small
// forward-only state machine per job, pushed to consumers over Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mediagen/internal/domain"
	"mediagen/internal/infra"
)

// State enumerates notification states.
type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether the notification accepts no further updates.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Notification is the per-job progress record shown to the owner. It is bound
// 1:1 to a job at creation and only ever moves forward: a completed or failed
// notification is never reverted to in_progress.
type Notification struct {
	JobID     string    `json:"job_id"`
	Owner     string    `json:"owner"`
	State     State     `json:"state"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message"`
	ResultRef string    `json:"result_ref,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Client is the slice of the Redis API the hub uses; any go-redis client
// satisfies it.
type Client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Hub tracks live notifications in memory and mirrors every update into
// Redis, where UI consumers read state and subscribe to per-owner push
// channels. A nil Redis client degrades to memory-only operation.
type Hub struct {
	rdb    Client
	logger infra.Logger
	// terminalTTL bounds how long a finished notification stays readable
	// before the UI's grace-period retirement makes it irrelevant.
	terminalTTL time.Duration

	mu    sync.Mutex
	byJob map[string]*Notification
}

// NewHub constructs a Hub. rdb may be nil.
func NewHub(rdb Client, logger infra.Logger) *Hub {
	return &Hub{
		rdb:         rdb,
		logger:      logger,
		terminalTTL: 24 * time.Hour,
		byJob:       make(map[string]*Notification),
	}
}

// Show creates the in_progress notification for a freshly created job.
func (h *Hub) Show(ctx context.Context, owner, jobID, message string) {
	h.mu.Lock()
	if _, ok := h.byJob[jobID]; ok {
		h.mu.Unlock()
		return
	}
	n := &Notification{
		JobID:     jobID,
		Owner:     owner,
		State:     StateInProgress,
		Message:   message,
		UpdatedAt: time.Now().UTC(),
	}
	h.byJob[jobID] = n
	snapshot := *n
	h.mu.Unlock()

	h.publish(ctx, &snapshot)
}

// UpdateProgress records a progress observation for an in-flight job.
// Progress is clamped to [0,1]; updates against terminal notifications are
// dropped.
func (h *Hub) UpdateProgress(ctx context.Context, jobID string, progress float64, message string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	h.mu.Lock()
	n, ok := h.byJob[jobID]
	if !ok || n.State.Terminal() {
		h.mu.Unlock()
		return
	}
	if progress > n.Progress {
		n.Progress = progress
	}
	if message != "" {
		n.Message = message
	}
	n.UpdatedAt = time.Now().UTC()
	snapshot := *n
	h.mu.Unlock()

	h.publish(ctx, &snapshot)
}

// MarkCompleted moves the notification to its completed terminal state.
func (h *Hub) MarkCompleted(ctx context.Context, owner, jobID, resultRef string) {
	h.finish(ctx, owner, jobID, StateCompleted, "generation finished", resultRef)
}

// MarkFailed moves the notification to its failed terminal state with a
// human-readable message.
func (h *Hub) MarkFailed(ctx context.Context, owner, jobID, message string) {
	if message == "" {
		message = "generation failed"
	}
	h.finish(ctx, owner, jobID, StateFailed, message, "")
}

func (h *Hub) finish(ctx context.Context, owner, jobID string, state State, message, resultRef string) {
	h.mu.Lock()
	n, ok := h.byJob[jobID]
	if !ok {
		// Terminal signal for a job this process never showed (finalized after
		// a restart, or an echo of a retired entry). Record it with the owner
		// so the stored outcome stays attributable.
		n = &Notification{JobID: jobID, Owner: owner, State: StateInProgress}
		h.byJob[jobID] = n
	}
	if n.State.Terminal() {
		h.mu.Unlock()
		return
	}
	if n.Owner == "" {
		n.Owner = owner
	}
	n.State = state
	n.Message = message
	n.ResultRef = resultRef
	n.Progress = 1
	n.UpdatedAt = time.Now().UTC()
	snapshot := *n
	delete(h.byJob, jobID)
	h.mu.Unlock()

	h.publish(ctx, &snapshot)
}

// Get returns the live in-memory notification for a job, if any.
func (h *Hub) Get(jobID string) (*Notification, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.byJob[jobID]
	if !ok {
		return nil, false
	}
	snapshot := *n
	return &snapshot, true
}

// Load reads a notification from Redis, covering jobs finalized by another
// process.
func (h *Hub) Load(ctx context.Context, jobID string) (*Notification, error) {
	if n, ok := h.Get(jobID); ok {
		return n, nil
	}
	if h.rdb == nil {
		return nil, domain.ErrNotFound
	}
	data, err := h.rdb.Get(ctx, stateKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var n Notification
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (h *Hub) publish(ctx context.Context, n *Notification) {
	if h.rdb == nil {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", n.JobID).Msg("notify: marshal notification")
		return
	}
	ttl := time.Duration(0)
	if n.State.Terminal() {
		ttl = h.terminalTTL
	}
	if err := h.rdb.Set(ctx, stateKey(n.JobID), data, ttl).Err(); err != nil {
		h.logger.Warn().Err(err).Str("job_id", n.JobID).Msg("notify: persist notification")
	}
	if n.Owner != "" {
		if err := h.rdb.Publish(ctx, ChannelFor(n.Owner), data).Err(); err != nil {
			h.logger.Warn().Err(err).Str("job_id", n.JobID).Msg("notify: publish notification")
		}
	}
}

func stateKey(jobID string) string {
	return "notify:job:" + jobID
}

// ChannelFor returns the pub/sub channel UI consumers subscribe to for an
// owner's notifications.
func ChannelFor(owner string) string {
	return "notify:owner:" + owner
}
