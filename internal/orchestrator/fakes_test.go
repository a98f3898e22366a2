package orchestrator

import (
	"context"
	"sync"
	"time"

	"mediagen/internal/domain"
	"mediagen/internal/provider"
)

// memJobs is an in-memory JobRepository with the same compare-and-set
// semantics as the Postgres implementation.
type memJobs struct {
	mu   sync.Mutex
	rows map[string]*domain.Job
	subs map[string][]chan string
}

func newMemJobs() *memJobs {
	return &memJobs{
		rows: make(map[string]*domain.Job),
		subs: make(map[string][]chan string),
	}
}

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	return &c
}

func (m *memJobs) put(job *domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = time.Now().UTC()
	m.rows[job.ID] = copyJob(job)
}

func (m *memJobs) Create(ctx context.Context, job *domain.Job) error {
	m.put(job)
	return nil
}

func (m *memJobs) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.rows[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyJob(job), nil
}

func (m *memJobs) MarkProcessing(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.rows[jobID]; ok && job.State == domain.JobStatePending {
		job.State = domain.JobStateProcessing
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *memJobs) SetProviderRef(ctx context.Context, jobID, providerRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.rows[jobID]; ok {
		job.ProviderRef = providerRef
	}
	return nil
}

func (m *memJobs) UpdateResultRef(ctx context.Context, jobID, resultRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.rows[jobID]; ok && job.State == domain.JobStateCompleted {
		job.ResultRef = resultRef
	}
	return nil
}

func (m *memJobs) Finish(ctx context.Context, jobID string, state domain.JobState, resultRef, errMsg string) (bool, error) {
	m.mu.Lock()
	job, ok := m.rows[jobID]
	if !ok {
		m.mu.Unlock()
		return false, domain.ErrNotFound
	}
	if job.State.Terminal() {
		m.mu.Unlock()
		return false, nil
	}
	now := time.Now().UTC()
	job.State = state
	job.ResultRef = resultRef
	job.ErrorMessage = errMsg
	job.UpdatedAt = now
	job.CompletedAt = &now
	owner := job.Owner
	waiters := append([]chan string(nil), m.subs[owner]...)
	m.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- jobID:
		default:
		}
	}
	return true, nil
}

func (m *memJobs) ListUnfinished(ctx context.Context, owner string) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Job
	for _, job := range m.rows {
		if job.State.Terminal() {
			continue
		}
		if owner != "" && job.Owner != owner {
			continue
		}
		out = append(out, copyJob(job))
	}
	return out, nil
}

func (m *memJobs) ListStale(ctx context.Context, kind domain.JobKind, cutoff time.Time, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Job
	for _, job := range m.rows {
		if job.State.Terminal() || job.Kind != kind || !job.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, copyJob(job))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memJobs) ListByOwner(ctx context.Context, owner string, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Job
	for _, job := range m.rows {
		if job.Owner != owner {
			continue
		}
		out = append(out, copyJob(job))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memJobs) WaitForCompletion(ctx context.Context, owner string) (string, error) {
	ch := make(chan string, 8)
	m.mu.Lock()
	m.subs[owner] = append(m.subs[owner], ch)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		waiters := m.subs[owner]
		for i, c := range waiters {
			if c == ch {
				m.subs[owner] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case jobID := <-ch:
		return jobID, nil
	}
}

var _ domain.JobRepository = (*memJobs)(nil)

// memLedger is an in-memory LedgerRepository with idempotent deductions.
type memLedger struct {
	mu          sync.Mutex
	balances    map[string]int64
	deductions  map[string]int64
	deductCalls int
}

func newMemLedger() *memLedger {
	return &memLedger{
		balances:   make(map[string]int64),
		deductions: make(map[string]int64),
	}
}

func (m *memLedger) Deduct(ctx context.Context, owner string, amount int64, jobID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deductCalls++
	if _, done := m.deductions[jobID]; done {
		return m.balances[owner], nil
	}
	m.deductions[jobID] = amount
	m.balances[owner] -= amount
	return m.balances[owner], nil
}

func (m *memLedger) Add(ctx context.Context, owner string, amount int64, txType domain.TransactionType, source string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[owner] += amount
	return m.balances[owner], nil
}

func (m *memLedger) Balance(ctx context.Context, owner string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[owner], nil
}

func (m *memLedger) History(ctx context.Context, owner string, limit int) ([]domain.CreditTransaction, error) {
	return nil, nil
}

func (m *memLedger) deductionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deductions)
}

var _ domain.LedgerRepository = (*memLedger)(nil)

// fakeAdapter is a scriptable provider adapter.
type fakeAdapter struct {
	name string
	caps provider.Capabilities

	submitFn func(ctx context.Context, req provider.SubmitRequest) (*provider.Submission, error)
	pollFn   func(ctx context.Context, taskRef string) (*provider.PollResult, error)

	mu        sync.Mutex
	cancelled []string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Capabilities() provider.Capabilities { return f.caps }

func (f *fakeAdapter) Submit(ctx context.Context, req provider.SubmitRequest) (*provider.Submission, error) {
	return f.submitFn(ctx, req)
}

func (f *fakeAdapter) PollStatus(ctx context.Context, taskRef string) (*provider.PollResult, error) {
	if f.pollFn == nil {
		return &provider.PollResult{Status: provider.StatusProcessing}, nil
	}
	return f.pollFn(ctx, taskRef)
}

func (f *fakeAdapter) Cancel(ctx context.Context, taskRef string) error {
	if !f.caps.SupportsCancel {
		return provider.ErrCancelUnsupported
	}
	f.mu.Lock()
	f.cancelled = append(f.cancelled, taskRef)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled)
}

var _ provider.Adapter = (*fakeAdapter)(nil)

// memStore records uploads and hands back deterministic references.
type memStore struct {
	mu      sync.Mutex
	uploads map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{uploads: make(map[string][]byte)}
}

func (m *memStore) Upload(ctx context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[key] = data
	return "https://cdn.test/" + key, nil
}

func (m *memStore) uploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

// fakeWatcher records which owners gained change-feed subscriptions.
type fakeWatcher struct {
	mu     sync.Mutex
	owners []string
}

func (f *fakeWatcher) Watch(owner string) {
	f.mu.Lock()
	f.owners = append(f.owners, owner)
	f.mu.Unlock()
}

func (f *fakeWatcher) watched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.owners...)
}
