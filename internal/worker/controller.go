// Package worker claims tasks and settles their outcome. It is the single
// place where retry and terminal decisions are made.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"productlab/internal/domain"
	"productlab/internal/infra"
	"productlab/internal/metrics"
)

// Processor executes one attempt of a job. A returned outcome is applied as
// the terminal write; a returned error is classified by the controller.
type Processor interface {
	Type() domain.JobType
	Process(ctx context.Context, job *domain.Job, task *domain.Task) (domain.Outcome, error)
}

// Waker schedules a wake-up for a job once its retry delay has passed.
type Waker interface {
	Wake(ctx context.Context, jobID string, delay time.Duration) error
}

// EventPublisher fans out job state changes to subscribers.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, event domain.JobEvent) error
}

type Options struct {
	Store      domain.JobStore
	Processors []Processor
	Waker      Waker
	Events     EventPublisher
	Logger     infra.Logger
}

type Controller struct {
	store      domain.JobStore
	processors map[domain.JobType]Processor
	waker      Waker
	events     EventPublisher
	logger     infra.Logger
	now        func() time.Time
}

func NewController(opts Options) *Controller {
	procs := make(map[domain.JobType]Processor, len(opts.Processors))
	for _, p := range opts.Processors {
		procs[p.Type()] = p
	}
	return &Controller{
		store:      opts.Store,
		processors: procs,
		waker:      opts.Waker,
		events:     opts.Events,
		logger:     opts.Logger,
		now:        time.Now,
	}
}

// Claim atomically claims the next runnable task of jobID, or returns nil.
func (c *Controller) Claim(ctx context.Context, jobID string) (*domain.Task, error) {
	task, err := c.store.ClaimTask(ctx, jobID)
	recordClaim(task, err)
	return task, err
}

// ClaimNext claims the oldest runnable task of any processing job.
func (c *Controller) ClaimNext(ctx context.Context) (*domain.Task, error) {
	task, err := c.store.ClaimNextTask(ctx)
	recordClaim(task, err)
	return task, err
}

// Run claims and executes a task of jobID. It reports whether a task ran.
func (c *Controller) Run(ctx context.Context, jobID string) (bool, error) {
	task, err := c.Claim(ctx, jobID)
	if err != nil || task == nil {
		return false, err
	}
	return true, c.Execute(ctx, task)
}

// RunNext claims and executes any runnable task.
func (c *Controller) RunNext(ctx context.Context) (bool, error) {
	task, err := c.ClaimNext(ctx)
	if err != nil || task == nil {
		return false, err
	}
	return true, c.Execute(ctx, task)
}

// Execute runs the processor for a claimed task and settles the result. The
// returned error only reports failures to persist the settlement.
func (c *Controller) Execute(ctx context.Context, task *domain.Task) error {
	log := c.logger.With().
		Str("job_id", task.JobID).
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Int("attempt", task.Attempts).
		Logger()

	// Settlement must land even when the worker is shutting down.
	settleCtx := context.WithoutCancel(ctx)

	job, err := c.store.GetJob(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn().Msg("worker: job vanished after claim")
			return c.store.FailTask(settleCtx, task.ID, "job not found")
		}
		return c.fail(settleCtx, log, task, fmt.Errorf("load job: %w", err))
	}
	if job.Status.Terminal() {
		log.Info().Str("status", string(job.Status)).Msg("worker: job already terminal")
		return c.store.CompleteTask(settleCtx, task.ID)
	}

	processor, ok := c.processors[job.Type]
	if !ok {
		return c.fail(settleCtx, log, task, domain.NewError(domain.CodeUnsupportedJobType, ""))
	}

	log.Info().Msg("worker: task started")
	started := c.now()
	outcome, procErr := c.process(ctx, processor, job, task)
	metrics.TaskDuration.WithLabelValues(string(job.Type)).Observe(time.Since(started).Seconds())

	if procErr != nil {
		return c.fail(settleCtx, log, task, procErr)
	}
	return c.succeed(settleCtx, log, task, outcome)
}

func (c *Controller) process(ctx context.Context, p Processor, job *domain.Job, task *domain.Task) (outcome domain.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.WrapError(domain.CodeInternal, fmt.Errorf("panic: %v", r), "")
		}
	}()
	return p.Process(ctx, job, task)
}

func (c *Controller) succeed(ctx context.Context, log infra.Logger, task *domain.Task, outcome domain.Outcome) error {
	if outcome.Status == "" {
		outcome.Status = domain.JobStatusSuccess
	}
	if err := c.store.CompleteTask(ctx, task.ID); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	applied, err := c.store.FinalizeJob(ctx, task.JobID, outcome)
	if err != nil {
		return err
	}
	if !applied {
		log.Warn().Msg("worker: job was already finalized, outcome dropped")
	}
	metrics.TasksProcessed.WithLabelValues(string(task.Type), "success").Inc()
	log.Info().Str("status", string(outcome.Status)).Str("code", string(outcome.ErrorCode)).Msg("worker: task finished")
	c.publish(ctx, task.JobID, outcome.Status)
	return nil
}

// fail requeues retryable errors while attempts remain; anything else fails
// the task and the job.
func (c *Controller) fail(ctx context.Context, log infra.Logger, task *domain.Task, cause error) error {
	code := domain.CodeOf(cause)
	lastErr := truncate(cause.Error(), 1000)
	if domain.IsRetryable(cause) && task.Attempts < domain.MaxTaskAttempts {
		if err := c.store.RequeueTask(ctx, task.ID, domain.RetryDelay, lastErr); err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}
		metrics.TasksProcessed.WithLabelValues(string(task.Type), "retried").Inc()
		log.Warn().Err(cause).Str("code", string(code)).Dur("delay", domain.RetryDelay).Msg("worker: task requeued")
		if c.waker != nil {
			if err := c.waker.Wake(ctx, task.JobID, domain.RetryDelay); err != nil {
				log.Warn().Err(err).Msg("worker: schedule retry wake-up failed")
			}
		}
		return nil
	}

	if err := c.store.FailTask(ctx, task.ID, lastErr); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	applied, err := c.store.FinalizeJob(ctx, task.JobID, domain.FailureOutcome(cause))
	if err != nil {
		return err
	}
	metrics.TasksProcessed.WithLabelValues(string(task.Type), "failed").Inc()
	log.Error().Err(cause).Str("code", string(code)).Bool("applied", applied).Msg("worker: task failed")
	if applied {
		c.publish(ctx, task.JobID, domain.JobStatusFailed)
	}
	return nil
}

func (c *Controller) publish(ctx context.Context, jobID string, status domain.JobStatus) {
	if c.events == nil {
		return
	}
	event := domain.JobEvent{JobID: jobID, Status: status, At: c.now().UTC()}
	if err := c.events.PublishJobEvent(ctx, event); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("worker: publish job event failed")
	}
}

func recordClaim(task *domain.Task, err error) {
	switch {
	case err != nil:
		metrics.TaskClaims.WithLabelValues("error").Inc()
	case task == nil:
		metrics.TaskClaims.WithLabelValues("empty").Inc()
	default:
		metrics.TaskClaims.WithLabelValues("claimed").Inc()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
