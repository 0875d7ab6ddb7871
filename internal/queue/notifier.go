package queue

import "context"

// Notifier is the outbound boundary for user-facing updates. Every
// method is best-effort: failures are logged by the queue and never
// fail a job.
type Notifier interface {
	// EditProgress rewrites the progress message identified by handle.
	EditProgress(ctx context.Context, handle int64, text string) error
	// DeleteProgress removes the progress message identified by handle.
	DeleteProgress(ctx context.Context, handle int64) error
	// SendResult delivers the terminal outcome to the chat.
	SendResult(ctx context.Context, chatID int64, url, text string) error
	// ClearActive resets the user's single-active-generation flag.
	ClearActive(ctx context.Context, userID int64) error
}
