package domain

import (
	"encoding/json"
	"time"
)

// JobType enumerates supported generation job categories.
type JobType string

const (
	JobTypeAnalysis       JobType = "ANALYSIS"
	JobTypeImageGen       JobType = "IMAGE_GEN"
	JobTypeStyleReplicate JobType = "STYLE_REPLICATE"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeAnalysis, JobTypeImageGen, JobTypeStyleReplicate:
		return true
	}
	return false
}

// JobStatus enumerates job lifecycle states. Terminal states never change.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusSuccess    JobStatus = "success"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "queued"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

const (
	// MaxTaskAttempts bounds how many times a task is claimed.
	MaxTaskAttempts = 3
	// RetryDelay is how long a failed task waits before it is claimable again.
	RetryDelay = 10 * time.Second
)

// Job is one user-initiated unit of billable work.
type Job struct {
	ID           string
	UserID       string
	Type         JobType
	Status       JobStatus
	Payload      json.RawMessage
	CostAmount   int64
	ResultURL    string
	ResultData   json.RawMessage
	ErrorCode    string
	ErrorMessage string
	TraceID      string
	ClientJobID  string
	FEAttempt    int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Task is the claimable, retryable execution wrapper around a Job.
type Task struct {
	ID        string
	JobID     string
	Type      JobType
	Status    TaskStatus
	Attempts  int
	RunAfter  time.Time
	LockedAt  *time.Time
	LastError string
	CreatedAt time.Time
}

// Outcome is the terminal write applied to a job.
type Outcome struct {
	Status       JobStatus
	ResultURL    string
	ResultData   json.RawMessage
	ErrorCode    Code
	ErrorMessage string
	// CostAmount overrides the stored cost when set.
	CostAmount *int64
}

// SuccessOutcome builds a success outcome.
func SuccessOutcome(resultURL string, data json.RawMessage) Outcome {
	return Outcome{Status: JobStatusSuccess, ResultURL: resultURL, ResultData: data}
}

// FailureOutcome builds a failed outcome from err.
func FailureOutcome(err error) Outcome {
	return Outcome{Status: JobStatusFailed, ErrorCode: CodeOf(err), ErrorMessage: MessageOf(err)}
}

// JobEvent is published whenever a job changes in a way clients care about.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Completed int       `json:"completed,omitempty"`
	Total     int       `json:"total,omitempty"`
	At        time.Time `json:"at"`
}
