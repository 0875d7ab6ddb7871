package sora

import "fmt"

// EventKind tags entries in the event sequence a generation run emits.
type EventKind string

const (
	EventAccount    EventKind = "account"
	EventAuth       EventKind = "auth"
	EventUploaded   EventKind = "uploaded"
	EventQueued     EventKind = "queued"
	EventProgress   EventKind = "progress"
	EventDraftFound EventKind = "draft_found"
	EventFinished   EventKind = "finished"
	EventError      EventKind = "error"
)

// Stable error codes surfaced on error events. Upstream failure reasons
// not listed here pass through verbatim as processing errors.
const (
	CodeAuthFailed        = "auth_failed"
	CodeAuthExpired       = "auth_expired"
	CodeUploadFailed      = "upload_failed"
	CodeInvalidStartImage = "invalid_start_image"
	CodeUploadMissingID   = "upload_missing_id"
	CodeUploadException   = "upload_exception"
	CodeCreateFailed      = "create_failed"
	CodeRateLimit         = "rate_limit"
	CodeConcurrencyLimit  = "concurrency_limit"
	CodeDailyLimit        = "daily_limit"
	CodeSentinelBlock     = "sentinel_block"
	CodeMissingTaskID     = "missing_task_id"
	CodePollFailed        = "poll_failed"
	CodeTimeout           = "timeout"
	CodeResumeFailed      = "resume_failed"
)

// ProgressStatus is the coarse phase reported by progress events.
type ProgressStatus string

const (
	ProgressQueued    ProgressStatus = "queued"
	ProgressRendering ProgressStatus = "rendering"
)

// Progress carries either queue standing (position, ETA) or a rendering
// percentage. Field order matters: the JSON form doubles as the
// fingerprint for duplicate suppression.
type Progress struct {
	Status        ProgressStatus `json:"status"`
	TaskID        string         `json:"task_id"`
	QueuePosition *int           `json:"queue_position,omitempty"`
	ETASeconds    *float64       `json:"eta_sec,omitempty"`
	Percent       *float64       `json:"progress_pct,omitempty"`
	Message       string         `json:"message,omitempty"`
}

// Result describes a finished generation.
type Result struct {
	URL             string
	DownloadableURL string
	Width           int
	Height          int
	Prompt          string
}

// BestURL prefers the downloadable variant when present.
func (r Result) BestURL() string {
	if r.DownloadableURL != "" {
		return r.DownloadableURL
	}
	return r.URL
}

// Error is the payload of an error event.
type Error struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Event is one entry in the finite, ordered sequence a run produces.
// Exactly the fields for the tagged kind are set; consumers must treat
// a sequence ending without a finished or error event as an
// unknown-state failure.
type Event struct {
	Kind         EventKind
	AccountID    int64     // account
	AuthStatus   string    // auth
	MediaID      string    // uploaded
	TaskID       string    // queued, progress, finished, error
	Priority     int       // queued
	Progress     *Progress // progress
	GenerationID string    // draft_found, finished, error
	Result       *Result   // finished
	Err          *Error    // error
}

// Terminal reports whether this event ends the sequence.
func (e Event) Terminal() bool {
	return e.Kind == EventFinished || e.Kind == EventError
}
