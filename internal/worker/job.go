package worker

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a row in automation_jobs.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// Job is one unit of work claimed from the queue. Attempts counts claims,
// including the current one.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decode unmarshals the job payload into dst.
func (j *Job) Decode(dst any) error {
	return json.Unmarshal(j.Payload, dst)
}

// ExhaustedAttempts reports whether a failure now should dead-letter the job.
func (j *Job) ExhaustedAttempts() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}
