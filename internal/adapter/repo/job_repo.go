package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"productlab/internal/domain"
	"productlab/internal/infra"
	"productlab/internal/sqlinline"
)

// JobStorePG implements domain.JobStore on top of the inline SQL runner.
type JobStorePG struct {
	sql infra.SQLExecutor
}

// NewJobStore creates a job store backed by PostgreSQL.
func NewJobStore(sql infra.SQLExecutor) *JobStorePG {
	return &JobStorePG{sql: sql}
}

// InsertJob inserts a processing job. A second insert with the same
// (user, client_job_id) returns domain.ErrDuplicateOperation.
func (r *JobStorePG) InsertJob(ctx context.Context, job *domain.Job) error {
	row := r.sql.QueryRow(ctx, sqlinline.QInsertJob,
		job.ID,
		job.UserID,
		string(job.Type),
		nullableBytes(job.Payload),
		job.CostAmount,
		job.TraceID,
		job.ClientJobID,
		job.FEAttempt,
	)
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return domain.ErrDuplicateOperation
		}
		return fmt.Errorf("insert job: %w", err)
	}
	job.Status = domain.JobStatusProcessing
	return nil
}

// InsertTask inserts a queued task runnable immediately.
func (r *JobStorePG) InsertTask(ctx context.Context, task *domain.Task) error {
	row := r.sql.QueryRow(ctx, sqlinline.QInsertTask, task.ID, task.JobID, string(task.Type))
	if err := row.Scan(&task.RunAfter, &task.CreatedAt); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	task.Status = domain.TaskStatusQueued
	return nil
}

// CreateJob writes a processing job and its first queued task in one
// statement, so a job is never left without work to claim. A duplicate
// (user, client_job_id) writes nothing and returns domain.ErrDuplicateOperation.
func (r *JobStorePG) CreateJob(ctx context.Context, job *domain.Job, task *domain.Task) error {
	task.JobID = job.ID
	task.Type = job.Type
	row := r.sql.QueryRow(ctx, sqlinline.QInsertJobWithTask,
		job.ID,
		job.UserID,
		string(job.Type),
		nullableBytes(job.Payload),
		job.CostAmount,
		job.TraceID,
		job.ClientJobID,
		job.FEAttempt,
		task.ID,
	)
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt, &task.RunAfter, &task.CreatedAt); err != nil {
		if infra.IsNoRows(err) {
			return domain.ErrDuplicateOperation
		}
		return fmt.Errorf("create job: %w", err)
	}
	job.Status = domain.JobStatusProcessing
	task.Status = domain.TaskStatusQueued
	return nil
}

// GetJob fetches a job by its identifier.
func (r *JobStorePG) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectJobByID, jobID))
}

// GetJobByClientID fetches the job a client created under its own id.
func (r *JobStorePG) GetJobByClientID(ctx context.Context, userID, clientJobID string) (*domain.Job, error) {
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectJobByClientID, userID, clientJobID))
}

func (r *JobStorePG) ClaimTask(ctx context.Context, jobID string) (*domain.Task, error) {
	return scanClaim(r.sql.QueryRow(ctx, sqlinline.QClaimTask, jobID))
}

func (r *JobStorePG) ClaimNextTask(ctx context.Context) (*domain.Task, error) {
	return scanClaim(r.sql.QueryRow(ctx, sqlinline.QClaimNextTask))
}

func (r *JobStorePG) CompleteTask(ctx context.Context, taskID string) error {
	_, err := r.sql.Exec(ctx, sqlinline.QCompleteTask, taskID)
	return err
}

func (r *JobStorePG) RequeueTask(ctx context.Context, taskID string, delay time.Duration, lastErr string) error {
	_, err := r.sql.Exec(ctx, sqlinline.QRequeueTask, taskID, delay.Seconds(), lastErr)
	return err
}

func (r *JobStorePG) FailTask(ctx context.Context, taskID string, lastErr string) error {
	_, err := r.sql.Exec(ctx, sqlinline.QFailTask, taskID, lastErr)
	return err
}

func (r *JobStorePG) FinalizeJob(ctx context.Context, jobID string, outcome domain.Outcome) (bool, error) {
	tag, err := r.sql.Exec(ctx, sqlinline.QFinalizeJob,
		jobID,
		string(outcome.Status),
		outcome.ResultURL,
		nullableBytes(outcome.ResultData),
		string(outcome.ErrorCode),
		outcome.ErrorMessage,
		outcome.CostAmount,
	)
	if err != nil {
		return false, fmt.Errorf("finalize job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *JobStorePG) WriteSnapshot(ctx context.Context, jobID string, data json.RawMessage, completed int) error {
	_, err := r.sql.Exec(ctx, sqlinline.QWriteJobSnapshot, jobID, nullableBytes(data), completed)
	return err
}

func (r *JobStorePG) RecordDerived(ctx context.Context, jobID string, derived json.RawMessage) error {
	_, err := r.sql.Exec(ctx, sqlinline.QRecordJobDerived, jobID, nullableBytes(derived))
	return err
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job        domain.Job
		jobType    string
		status     string
		payload    []byte
		resultData []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&jobType,
		&status,
		&payload,
		&job.CostAmount,
		&job.ResultURL,
		&resultData,
		&job.ErrorCode,
		&job.ErrorMessage,
		&job.TraceID,
		&job.ClientJobID,
		&job.FEAttempt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	job.Payload = json.RawMessage(payload)
	if len(resultData) > 0 {
		job.ResultData = json.RawMessage(resultData)
	}
	return &job, nil
}

func scanClaim(row pgx.Row) (*domain.Task, error) {
	var (
		task     domain.Task
		taskType string
		status   string
	)
	if err := row.Scan(
		&task.ID,
		&task.JobID,
		&taskType,
		&status,
		&task.Attempts,
		&task.RunAfter,
		&task.LockedAt,
		&task.LastError,
		&task.CreatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	task.Type = domain.JobType(taskType)
	task.Status = domain.TaskStatus(status)
	return &task, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ domain.JobStore = (*JobStorePG)(nil)
