package gradio

import (
	"time"
)

// JobStatus follows Submitted -> Polling -> Completed | Failed | TimedOut.
type JobStatus string

const (
	StatusSubmitted JobStatus = "submitted"
	StatusPolling   JobStatus = "polling"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusTimedOut  JobStatus = "timed_out"
)

// Job is one submission to one backend. It lives only as long as the
// attempt that created it.
type Job struct {
	EventID      string
	Status       JobStatus
	Attempts     int
	SubmittedAt  time.Time
	Result       string
	ErrorMessage string
}

// Terminal reports whether the job has reached a final state
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}
