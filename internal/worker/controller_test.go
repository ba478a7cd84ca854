package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"productlab/internal/domain"
	"productlab/internal/infra"
)

// memStore is an in-memory JobStore with the same claim rules as the SQL
// statements: queued, runnable, and the job still processing.
type memStore struct {
	mu    sync.Mutex
	now   time.Time
	jobs  map[string]*domain.Job
	tasks map[string]*domain.Task
}

func newMemStore() *memStore {
	return &memStore{now: time.Unix(1_700_000_000, 0), jobs: map[string]*domain.Job{}, tasks: map[string]*domain.Task{}}
}

func (m *memStore) addJob(id string, t domain.JobType) {
	m.jobs[id] = &domain.Job{ID: id, UserID: "user-1", Type: t, Status: domain.JobStatusProcessing}
	m.tasks["task-"+id] = &domain.Task{ID: "task-" + id, JobID: id, Type: t, Status: domain.TaskStatusQueued, RunAfter: m.now}
}

func (m *memStore) InsertJob(ctx context.Context, job *domain.Job) error    { return nil }
func (m *memStore) InsertTask(ctx context.Context, task *domain.Task) error { return nil }

func (m *memStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) claim(match func(*domain.Task) bool) *domain.Task {
	for _, t := range m.tasks {
		job := m.jobs[t.JobID]
		if t.Status != domain.TaskStatusQueued || t.RunAfter.After(m.now) || job == nil || job.Status != domain.JobStatusProcessing || !match(t) {
			continue
		}
		t.Status = domain.TaskStatusRunning
		t.Attempts++
		locked := m.now
		t.LockedAt = &locked
		cp := *t
		return &cp
	}
	return nil
}

func (m *memStore) ClaimTask(ctx context.Context, jobID string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claim(func(t *domain.Task) bool { return t.JobID == jobID }), nil
}

func (m *memStore) ClaimNextTask(ctx context.Context) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claim(func(*domain.Task) bool { return true }), nil
}

func (m *memStore) CompleteTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[taskID].Status = domain.TaskStatusSuccess
	m.tasks[taskID].LockedAt = nil
	return nil
}

func (m *memStore) RequeueTask(ctx context.Context, taskID string, delay time.Duration, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[taskID]
	t.Status = domain.TaskStatusQueued
	t.RunAfter = m.now.Add(delay)
	t.LastError = lastErr
	t.LockedAt = nil
	return nil
}

func (m *memStore) FailTask(ctx context.Context, taskID string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[taskID].Status = domain.TaskStatusFailed
	m.tasks[taskID].LastError = lastErr
	return nil
}

func (m *memStore) FinalizeJob(ctx context.Context, jobID string, outcome domain.Outcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	if job.Status != domain.JobStatusProcessing {
		return false, nil
	}
	job.Status = outcome.Status
	job.ResultURL = outcome.ResultURL
	job.ResultData = outcome.ResultData
	job.ErrorCode = string(outcome.ErrorCode)
	job.ErrorMessage = outcome.ErrorMessage
	return true, nil
}

func (m *memStore) WriteSnapshot(ctx context.Context, jobID string, data json.RawMessage, completed int) error {
	return nil
}

func (m *memStore) RecordDerived(ctx context.Context, jobID string, derived json.RawMessage) error {
	return nil
}

func (m *memStore) advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

type funcProcessor struct {
	jobType domain.JobType
	calls   int
	fn      func(call int) (domain.Outcome, error)
}

func (p *funcProcessor) Type() domain.JobType { return p.jobType }

func (p *funcProcessor) Process(ctx context.Context, job *domain.Job, task *domain.Task) (domain.Outcome, error) {
	p.calls++
	return p.fn(p.calls)
}

type recordingWaker struct{ delays []time.Duration }

func (w *recordingWaker) Wake(ctx context.Context, jobID string, delay time.Duration) error {
	w.delays = append(w.delays, delay)
	return nil
}

type recordingEvents struct{ events []domain.JobEvent }

func (r *recordingEvents) PublishJobEvent(ctx context.Context, e domain.JobEvent) error {
	r.events = append(r.events, e)
	return nil
}

func newController(store *memStore, procs ...Processor) (*Controller, *recordingWaker, *recordingEvents) {
	waker := &recordingWaker{}
	events := &recordingEvents{}
	c := NewController(Options{Store: store, Processors: procs, Waker: waker, Events: events, Logger: infra.DiscardLogger()})
	return c, waker, events
}

func TestClaimReturnsNilWhenNothingRunnable(t *testing.T) {
	store := newMemStore()
	c, _, _ := newController(store)
	task, err := c.Claim(context.Background(), "missing")
	if err != nil || task != nil {
		t.Fatalf("Claim = %+v, %v", task, err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	store := newMemStore()
	store.addJob("job-1", domain.JobTypeAnalysis)
	c, _, _ := newController(store)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := c.Claim(context.Background(), "job-1")
			if err == nil && task != nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if claimed != 1 {
		t.Fatalf("claimed = %d, want 1", claimed)
	}
}

func TestSuccessFinalizesJob(t *testing.T) {
	store := newMemStore()
	store.addJob("job-1", domain.JobTypeAnalysis)
	proc := &funcProcessor{jobType: domain.JobTypeAnalysis, fn: func(int) (domain.Outcome, error) {
		return domain.SuccessOutcome("", json.RawMessage(`{"plans":[]}`)), nil
	}}
	c, _, events := newController(store, proc)

	ran, err := c.Run(context.Background(), "job-1")
	if err != nil || !ran {
		t.Fatalf("Run = %t, %v", ran, err)
	}
	job := store.jobs["job-1"]
	if job.Status != domain.JobStatusSuccess || string(job.ResultData) != `{"plans":[]}` {
		t.Fatalf("job = %+v", job)
	}
	task := store.tasks["task-job-1"]
	if task.Status != domain.TaskStatusSuccess || task.LockedAt != nil {
		t.Fatalf("task = %+v", task)
	}
	if len(events.events) != 1 || events.events[0].Status != domain.JobStatusSuccess {
		t.Fatalf("events = %+v", events.events)
	}
}

func TestRetryableErrorRequeuesThenFails(t *testing.T) {
	store := newMemStore()
	store.addJob("job-1", domain.JobTypeImageGen)
	proc := &funcProcessor{jobType: domain.JobTypeImageGen, fn: func(int) (domain.Outcome, error) {
		return domain.Outcome{}, domain.NewError(domain.CodeUpstreamError, "")
	}}
	c, waker, _ := newController(store, proc)
	ctx := context.Background()

	for attempt := 1; attempt <= domain.MaxTaskAttempts; attempt++ {
		ran, err := c.RunNext(ctx)
		if err != nil || !ran {
			t.Fatalf("attempt %d: Run = %t, %v", attempt, ran, err)
		}
		task := store.tasks["task-job-1"]
		if attempt < domain.MaxTaskAttempts {
			if task.Status != domain.TaskStatusQueued {
				t.Fatalf("attempt %d: task status = %s", attempt, task.Status)
			}
			if got := task.RunAfter.Sub(store.now); got != domain.RetryDelay {
				t.Fatalf("attempt %d: run_after delta = %s", attempt, got)
			}
			if ran, _ := c.RunNext(ctx); ran {
				t.Fatal("task must not be claimable before its delay passes")
			}
			store.advance(domain.RetryDelay)
		}
	}
	if proc.calls != 3 {
		t.Fatalf("calls = %d, want 3", proc.calls)
	}
	if len(waker.delays) != 2 {
		t.Fatalf("wake-ups = %d, want 2", len(waker.delays))
	}
	job := store.jobs["job-1"]
	if job.Status != domain.JobStatusFailed || job.ErrorCode != string(domain.CodeUpstreamError) {
		t.Fatalf("job = %+v", job)
	}
	if store.tasks["task-job-1"].Status != domain.TaskStatusFailed {
		t.Fatal("task should be failed")
	}
	if ran, _ := c.RunNext(ctx); ran {
		t.Fatal("failed job must not be claimable")
	}
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	store := newMemStore()
	store.addJob("job-1", domain.JobTypeImageGen)
	proc := &funcProcessor{jobType: domain.JobTypeImageGen, fn: func(int) (domain.Outcome, error) {
		return domain.Outcome{}, domain.NewError(domain.CodeInsufficientCredits, "")
	}}
	c, waker, events := newController(store, proc)
	if _, err := c.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	job := store.jobs["job-1"]
	if job.Status != domain.JobStatusFailed || job.ErrorCode != string(domain.CodeInsufficientCredits) {
		t.Fatalf("job = %+v", job)
	}
	if job.ErrorMessage == "" || job.ErrorMessage == job.ErrorCode {
		t.Fatalf("error message = %q", job.ErrorMessage)
	}
	if len(waker.delays) != 0 || len(events.events) != 1 {
		t.Fatalf("wakes=%d events=%d", len(waker.delays), len(events.events))
	}
}

func TestTerminalJobIsNeverOverwritten(t *testing.T) {
	store := newMemStore()
	store.addJob("job-1", domain.JobTypeAnalysis)
	proc := &funcProcessor{jobType: domain.JobTypeAnalysis, fn: func(int) (domain.Outcome, error) {
		// Another actor finalizes the job while this attempt runs.
		store.jobs["job-1"].Status = domain.JobStatusFailed
		return domain.SuccessOutcome("https://x", nil), nil
	}}
	c, _, events := newController(store, proc)
	if _, err := c.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if store.jobs["job-1"].Status != domain.JobStatusFailed || store.jobs["job-1"].ResultURL != "" {
		t.Fatalf("terminal job overwritten: %+v", store.jobs["job-1"])
	}
	if len(events.events) != 1 {
		t.Fatalf("events = %d", len(events.events))
	}
}

func TestUnsupportedTypeAndPanic(t *testing.T) {
	store := newMemStore()
	store.addJob("job-1", domain.JobType("VIDEO"))
	store.addJob("job-2", domain.JobTypeAnalysis)
	proc := &funcProcessor{jobType: domain.JobTypeAnalysis, fn: func(int) (domain.Outcome, error) {
		panic("nil map")
	}}
	c, _, _ := newController(store, proc)

	if _, err := c.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if store.jobs["job-1"].ErrorCode != string(domain.CodeUnsupportedJobType) {
		t.Fatalf("code = %s", store.jobs["job-1"].ErrorCode)
	}

	if _, err := c.Run(context.Background(), "job-2"); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if task := store.tasks["task-job-2"]; task.Status != domain.TaskStatusQueued {
		t.Fatalf("panicking attempt should be retried, task = %+v", task)
	}
}

func TestCanceledContextStillSettles(t *testing.T) {
	store := newMemStore()
	store.addJob("job-1", domain.JobTypeAnalysis)
	ctx, cancel := context.WithCancel(context.Background())
	proc := &funcProcessor{jobType: domain.JobTypeAnalysis, fn: func(int) (domain.Outcome, error) {
		cancel()
		return domain.Outcome{}, domain.WrapError(domain.CodeAborted, context.Canceled, "")
	}}
	c, _, _ := newController(store, proc)
	if _, err := c.Run(ctx, "job-1"); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	task := store.tasks["task-job-1"]
	if task.Status != domain.TaskStatusQueued || task.LastError == "" {
		t.Fatalf("task = %+v", task)
	}
	if store.jobs["job-1"].Status != domain.JobStatusProcessing {
		t.Fatalf("job = %+v", store.jobs["job-1"])
	}
}
