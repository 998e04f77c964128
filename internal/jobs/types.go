package jobs

import (
	"context"
	"errors"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeDetectHousehold runs both detectors over one household.
	JobTypeDetectHousehold JobType = "detect_household"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// ErrJobNotFound is returned by a JobStore for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// HouseholdJob asks the worker to classify the pending transactions of a
// household.
type HouseholdJob struct {
	JobID       string `json:"job_id"`
	HouseholdID string `json:"household_id"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the last attempt failed.
	Error string `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Result is filled by the handler with a summary of the run.
	Result *Result `json:"result,omitempty"`
}

// Result summarizes a finished household job.
type Result struct {
	TransfersFlagged int `json:"transfers_flagged"`
	RecurringFlagged int `json:"recurring_flagged"`
	Collapsed        int `json:"collapsed"`
	Failures         int `json:"failures"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *HouseholdJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *HouseholdJob) GetType() JobType {
	return JobTypeDetectHousehold
}

// GetStatus implements the Job interface.
func (j *HouseholdJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher enqueues household jobs.
type Publisher interface {
	// PublishHousehold enqueues a detection run for one household.
	PublishHousehold(ctx context.Context, job *HouseholdJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. It returns an error if the job failed and
// should be retried. It may set job.Result.
type JobHandler func(ctx context.Context, job *HouseholdJob) error

// JobStore tracks job state so the API can report on queued runs.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *HouseholdJob) error

	// GetJob retrieves a job by ID or returns ErrJobNotFound.
	GetJob(ctx context.Context, jobID string) (*HouseholdJob, error)

	// ListJobs retrieves jobs with optional filtering, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*HouseholdJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	HouseholdID string
	Status      JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
