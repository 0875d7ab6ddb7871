package domain

import "time"

// JobStatus enumerates generation job lifecycle states.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// VideoSize enumerates supported output sizes.
type VideoSize string

const (
	VideoSizeSmall VideoSize = "small"
	VideoSizeLarge VideoSize = "large"
)

// GenerationJob is one durable user request and its execution record.
// TaskID is set once the upstream creation call succeeded; AccountID is
// set once the job has been dispatched to a worker. A job in a terminal
// status never transitions further.
type GenerationJob struct {
	ID           int64
	UserID       int64
	ChatID       int64
	Prompt       string
	Orientation  *string
	Frames       int
	Size         VideoSize
	Image        []byte
	Status       JobStatus
	Progress     *float64
	ResultURL    *string
	ErrorMessage *string
	NotifyHandle *int64
	TaskID       *string
	AccountID    *int64
	PollInterval time.Duration
	Timeout      time.Duration
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastEvent    *string
}

// Terminal reports whether the job reached a final status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobSpec carries the caller-supplied fields for a new job.
type JobSpec struct {
	UserID       int64
	ChatID       int64
	Prompt       string
	Orientation  *string
	Frames       int
	Size         VideoSize
	Image        []byte
	NotifyHandle *int64
	PollInterval time.Duration
	Timeout      time.Duration
}

// JobUpdate is a partial update applied to a job record. Nil fields are
// left untouched; ClearImage and ClearNotifyHandle null out their
// columns explicitly.
type JobUpdate struct {
	Status            *JobStatus
	Progress          *float64
	ResultURL         *string
	ErrorMessage      *string
	TaskID            *string
	AccountID         *int64
	LastEvent         *string
	ClearImage        bool
	ClearNotifyHandle bool
	ClearTaskID       bool
	ClearAccountID    bool
	ClearProgress     bool
}
