package model

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobCompleted, JobFailed:
		return true
	}
	return false
}

// JobResult references the persisted scan of a completed job.
type JobResult struct {
	ScanID        string `json:"scanId"`
	FindingsCount int    `json:"findingsCount"`
}

// JobError is the error payload of a failed job.
type JobError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// NewJobError converts err into a payload.
func NewJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	return &JobError{Kind: KindOf(err), Message: err.Error()}
}

type JobRecord struct {
	ID        string     `json:"scan_id"`
	Provider  Provider   `json:"provider"`
	Target    string     `json:"target"`
	Status    JobStatus  `json:"status"`
	Progress  int        `json:"progress"`
	Result    *JobResult `json:"result,omitempty"`
	Error     *JobError  `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy, so callers never share pointers with the ledger.
func (r JobRecord) Clone() JobRecord {
	if r.Result != nil {
		res := *r.Result
		r.Result = &res
	}
	if r.Error != nil {
		e := *r.Error
		r.Error = &e
	}
	return r
}
