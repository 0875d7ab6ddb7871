package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sorafarm/internal/accounts"
	"sorafarm/internal/domain"
	"sorafarm/internal/sora"
)

const wakeFallback = time.Second

// GenerationClient is the protocol surface the queue drives. The
// concrete implementation lives in internal/sora; tests substitute a
// scripted fake.
type GenerationClient interface {
	Generate(ctx context.Context, req sora.GenerateRequest) <-chan sora.Event
	Resume(ctx context.Context, cookiesJSON string, accountID int64, taskID string, pollInterval, timeout time.Duration) <-chan sora.Event
}

// AccountSource is the slice of the account pool the queue needs.
// *accounts.Pool satisfies it.
type AccountSource interface {
	Pick(ctx context.Context) (*domain.Account, accounts.PickReason, error)
	MarkCreated(ctx context.Context, id int64) error
	MarkFinished(ctx context.Context, id int64) error
	MarkDailyExhausted(ctx context.Context, id int64) error
	GetCredentials(ctx context.Context, id int64) (*domain.Account, error)
}

// Options wires a Queue.
type Options struct {
	Jobs         domain.JobRepository
	Pool         AccountSource
	Client       GenerationClient
	Notifier     Notifier
	Logger       zerolog.Logger
	MaxWorkers   int
	PollInterval time.Duration
	Timeout      time.Duration
}

// Queue owns job scheduling: it persists new jobs, claims queued ones
// under a worker cap, runs each through the protocol client, and
// translates the event stream into job updates and notifications.
type Queue struct {
	jobs         domain.JobRepository
	pool         AccountSource
	client       GenerationClient
	notifier     Notifier
	logger       zerolog.Logger
	maxWorkers   int
	pollInterval time.Duration
	timeout      time.Duration

	wake   chan struct{}
	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a stopped queue; call Start to begin processing.
func New(opts Options) *Queue {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Minute
	}
	return &Queue{
		jobs:         opts.Jobs,
		pool:         opts.Pool,
		client:       opts.Client,
		notifier:     opts.Notifier,
		logger:       opts.Logger,
		maxWorkers:   opts.MaxWorkers,
		pollInterval: opts.PollInterval,
		timeout:      opts.Timeout,
		wake:         make(chan struct{}, 1),
		sem:          make(chan struct{}, opts.MaxWorkers),
	}
}

// Enqueue persists a new job and wakes the coordinator.
func (q *Queue) Enqueue(ctx context.Context, spec domain.JobSpec) (int64, error) {
	if spec.Prompt == "" {
		return 0, fmt.Errorf("enqueue: empty prompt")
	}
	if spec.PollInterval <= 0 {
		spec.PollInterval = q.pollInterval
	}
	if spec.Timeout <= 0 {
		spec.Timeout = q.timeout
	}
	id, err := q.jobs.Enqueue(ctx, spec)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	q.NotifyNewJob()
	return id, nil
}

// NotifyNewJob nudges the coordinator without blocking. The 1-buffered
// channel collapses bursts into a single wake.
func (q *Queue) NotifyNewJob() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start recovers interrupted jobs and launches the coordinator.
func (q *Queue) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	if err := q.recover(runCtx); err != nil {
		cancel()
		return fmt.Errorf("queue recovery: %w", err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.coordinate(runCtx)
	}()
	return nil
}

// Shutdown cancels the coordinator and all in-flight tasks and waits
// for them to unwind, up to the context deadline.
func (q *Queue) Shutdown(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recover resumes running jobs that have enough state to re-attach to
// their upstream task; everything else goes back to the queue.
func (q *Queue) recover(ctx context.Context) error {
	running, err := q.jobs.ListByStatus(ctx, domain.JobStatusRunning)
	if err != nil {
		return err
	}
	requeued := 0
	for i := range running {
		job := running[i]
		if job.TaskID != nil && job.AccountID != nil {
			q.logger.Info().Int64("job_id", job.ID).Str("task_id", *job.TaskID).Msg("queue: resuming interrupted job")
			q.wg.Add(1)
			go func() {
				defer q.wg.Done()
				q.resumeJob(ctx, &job)
			}()
			continue
		}
		upd := domain.JobUpdate{
			Status:         statusPtr(domain.JobStatusQueued),
			LastEvent:      strPtr("requeued"),
			ClearTaskID:    true,
			ClearAccountID: true,
			ClearProgress:  true,
		}
		if err := q.jobs.Update(ctx, job.ID, upd); err != nil {
			q.logger.Error().Err(err).Int64("job_id", job.ID).Msg("queue: requeue failed")
			continue
		}
		requeued++
	}
	if requeued > 0 {
		q.NotifyNewJob()
	}
	return nil
}

// coordinate claims queued jobs while worker capacity remains, then
// sleeps on the wake channel with a fallback tick so nothing is ever
// stranded by a missed signal.
func (q *Queue) coordinate(ctx context.Context) {
	ticker := time.NewTicker(wakeFallback)
	defer ticker.Stop()
	for {
		for q.dispatchOne(ctx) {
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// dispatchOne claims one queued job if a worker slot is free. Returns
// false when the queue is drained, capacity is exhausted, or the
// context ended.
func (q *Queue) dispatchOne(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case q.sem <- struct{}{}:
	default:
		return false
	}
	job, err := q.jobs.ClaimNextQueued(ctx)
	if err != nil {
		<-q.sem
		if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
			q.logger.Error().Err(err).Msg("queue: claim failed")
		}
		return false
	}
	q.wg.Add(1)
	go func() {
		defer func() {
			<-q.sem
			q.NotifyNewJob()
			q.wg.Done()
		}()
		q.runJob(ctx, job)
	}()
	return true
}

// runJob takes one claimed job end to end. The account slot is released
// exactly once through the deferred release regardless of how the run
// ends.
func (q *Queue) runJob(ctx context.Context, job *domain.GenerationJob) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Int64("job_id", job.ID).Msg("queue: job task panicked")
			q.failJob(job, fmt.Sprintf("internal error: %v", r), "")
		}
	}()

	acct, reason, err := q.pool.Pick(ctx)
	if err != nil {
		q.failJob(job, "internal error while reserving an account", "")
		q.logger.Error().Err(err).Int64("job_id", job.ID).Msg("queue: account pick failed")
		return
	}
	if reason != accounts.PickOK {
		q.failJob(job, pickReasonMessage(reason), string(reason))
		return
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := q.pool.MarkFinished(context.Background(), acct.ID); err != nil {
			q.logger.Error().Err(err).Int64("account_id", acct.ID).Msg("queue: slot release failed")
		}
	}
	defer release()

	if err := q.jobs.Update(ctx, job.ID, domain.JobUpdate{
		AccountID: &acct.ID,
		LastEvent: strPtr("dispatched"),
	}); err != nil {
		q.logger.Error().Err(err).Int64("job_id", job.ID).Msg("queue: dispatch update failed")
	}
	job.AccountID = &acct.ID

	orientation := ""
	if job.Orientation != nil {
		orientation = *job.Orientation
	}
	events := q.client.Generate(ctx, sora.GenerateRequest{
		CookiesJSON:  acct.CookiesJSON,
		AccountID:    acct.ID,
		Prompt:       job.Prompt,
		Orientation:  orientation,
		Size:         string(job.Size),
		Frames:       job.Frames,
		Image:        job.Image,
		PollInterval: job.PollInterval,
		Timeout:      job.Timeout,
	})
	q.consume(ctx, job, events)
}

// resumeJob re-attaches to a task that survived a restart. The account
// slot was reserved before the restart and is still counted in the
// store, so it is released the same way a fresh run releases it.
func (q *Queue) resumeJob(ctx context.Context, job *domain.GenerationJob) {
	acct, err := q.pool.GetCredentials(ctx, *job.AccountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			q.failJob(job, "the account used for this generation no longer exists", "account_missing")
		} else {
			q.failJob(job, "internal error while loading account credentials", "")
			q.logger.Error().Err(err).Int64("job_id", job.ID).Msg("queue: resume credential load failed")
		}
		if err := q.pool.MarkFinished(context.Background(), *job.AccountID); err != nil {
			q.logger.Error().Err(err).Int64("account_id", *job.AccountID).Msg("queue: slot release failed")
		}
		return
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := q.pool.MarkFinished(context.Background(), acct.ID); err != nil {
			q.logger.Error().Err(err).Int64("account_id", acct.ID).Msg("queue: slot release failed")
		}
	}
	defer release()

	events := q.client.Resume(ctx, acct.CookiesJSON, acct.ID, *job.TaskID, job.PollInterval, job.Timeout)
	q.consume(ctx, job, events)
}

// consume translates the protocol event stream into job updates and
// notifications. A stream that closes without a terminal event leaves
// the job failed in an unknown state.
func (q *Queue) consume(ctx context.Context, job *domain.GenerationJob, events <-chan sora.Event) {
	terminal := false
	for ev := range events {
		switch ev.Kind {
		case sora.EventAccount, sora.EventAuth, sora.EventDraftFound:
			q.updateLastEvent(job, string(ev.Kind))
		case sora.EventUploaded:
			q.updateLastEvent(job, string(ev.Kind))
			q.editProgress(ctx, job, "Uploading done, submitting...")
		case sora.EventQueued:
			// The upstream task exists now: persist its id so a crash
			// after this point can resume, and charge the daily quota.
			if err := q.jobs.Update(ctx, job.ID, domain.JobUpdate{
				TaskID:    &ev.TaskID,
				LastEvent: strPtr(string(ev.Kind)),
			}); err != nil {
				q.logger.Error().Err(err).Int64("job_id", job.ID).Msg("queue: task id update failed")
			}
			job.TaskID = &ev.TaskID
			if job.AccountID != nil {
				if err := q.pool.MarkCreated(ctx, *job.AccountID); err != nil {
					q.logger.Error().Err(err).Int64("job_id", job.ID).Msg("queue: daily charge failed")
				}
			}
			q.editProgress(ctx, job, "Task accepted, waiting in queue...")
		case sora.EventProgress:
			upd := domain.JobUpdate{LastEvent: strPtr(string(ev.Kind))}
			if ev.Progress != nil && ev.Progress.Percent != nil {
				upd.Progress = ev.Progress.Percent
			}
			if err := q.jobs.Update(ctx, job.ID, upd); err != nil {
				q.logger.Error().Err(err).Int64("job_id", job.ID).Msg("queue: progress update failed")
			}
			q.editProgress(ctx, job, progressText(ev.Progress))
		case sora.EventFinished:
			terminal = true
			q.completeJob(job, ev)
		case sora.EventError:
			terminal = true
			if ev.Err != nil && ev.Err.Code == sora.CodeDailyLimit && job.AccountID != nil {
				if err := q.pool.MarkDailyExhausted(context.Background(), *job.AccountID); err != nil {
					q.logger.Error().Err(err).Int64("account_id", *job.AccountID).Msg("queue: daily exhaust mark failed")
				}
			}
			msg := "generation failed"
			code := ""
			if ev.Err != nil {
				msg = ev.Err.Message
				code = ev.Err.Code
				if msg == "" {
					msg = code
				}
			}
			q.failJob(job, msg, code)
		}
	}
	if !terminal && ctx.Err() == nil {
		q.failJob(job, "generation ended without a result", "")
	}
}

func (q *Queue) completeJob(job *domain.GenerationJob, ev sora.Event) {
	// Terminal bookkeeping must land even when the run context died.
	ctx := context.Background()
	url := ""
	if ev.Result != nil {
		url = ev.Result.BestURL()
	}
	upd := domain.JobUpdate{
		Status:     statusPtr(domain.JobStatusCompleted),
		ResultURL:  &url,
		LastEvent:  strPtr(string(sora.EventFinished)),
		ClearImage: true,
	}
	if err := q.jobs.Update(ctx, job.ID, upd); err != nil {
		q.logger.Error().Err(err).Int64("job_id", job.ID).Msg("queue: completion update failed")
	}
	q.deleteProgress(ctx, job)
	if q.notifier != nil {
		if err := q.notifier.SendResult(ctx, job.ChatID, url, "Your video is ready."); err != nil {
			q.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("queue: result notification failed")
		}
		if err := q.notifier.ClearActive(ctx, job.UserID); err != nil {
			q.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("queue: clear active failed")
		}
	}
}

func (q *Queue) failJob(job *domain.GenerationJob, message, code string) {
	ctx := context.Background()
	stored := message
	if code != "" {
		stored = fmt.Sprintf("%s: %s", code, message)
	}
	upd := domain.JobUpdate{
		Status:       statusPtr(domain.JobStatusFailed),
		ErrorMessage: &stored,
		LastEvent:    strPtr(string(sora.EventError)),
		ClearImage:   true,
	}
	if err := q.jobs.Update(ctx, job.ID, upd); err != nil {
		q.logger.Error().Err(err).Int64("job_id", job.ID).Msg("queue: failure update failed")
	}
	q.deleteProgress(ctx, job)
	if q.notifier != nil {
		if err := q.notifier.SendResult(ctx, job.ChatID, "", userFacingError(code, message)); err != nil {
			q.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("queue: failure notification failed")
		}
		if err := q.notifier.ClearActive(ctx, job.UserID); err != nil {
			q.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("queue: clear active failed")
		}
	}
}

func (q *Queue) updateLastEvent(job *domain.GenerationJob, name string) {
	if err := q.jobs.Update(context.Background(), job.ID, domain.JobUpdate{LastEvent: &name}); err != nil {
		q.logger.Error().Err(err).Int64("job_id", job.ID).Msg("queue: last event update failed")
	}
}

// editProgress updates the user's progress message. A failed edit drops
// the handle so later events stop retrying a dead message.
func (q *Queue) editProgress(ctx context.Context, job *domain.GenerationJob, text string) {
	if q.notifier == nil || job.NotifyHandle == nil {
		return
	}
	if err := q.notifier.EditProgress(ctx, *job.NotifyHandle, text); err != nil {
		q.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("queue: progress edit failed, dropping handle")
		q.dropHandle(job)
	}
}

func (q *Queue) deleteProgress(ctx context.Context, job *domain.GenerationJob) {
	if q.notifier == nil || job.NotifyHandle == nil {
		return
	}
	if err := q.notifier.DeleteProgress(ctx, *job.NotifyHandle); err != nil {
		q.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("queue: progress delete failed, dropping handle")
	}
	q.dropHandle(job)
}

func (q *Queue) dropHandle(job *domain.GenerationJob) {
	job.NotifyHandle = nil
	if err := q.jobs.Update(context.Background(), job.ID, domain.JobUpdate{ClearNotifyHandle: true}); err != nil {
		q.logger.Error().Err(err).Int64("job_id", job.ID).Msg("queue: handle clear failed")
	}
}

func progressText(p *sora.Progress) string {
	if p == nil {
		return "Working..."
	}
	if p.Status == sora.ProgressRendering && p.Percent != nil {
		return fmt.Sprintf("Rendering: %.0f%%", *p.Percent*100)
	}
	if p.QueuePosition != nil {
		if p.ETASeconds != nil {
			return fmt.Sprintf("In queue: position %d, about %.0fs left", *p.QueuePosition, *p.ETASeconds)
		}
		return fmt.Sprintf("In queue: position %d", *p.QueuePosition)
	}
	return "Waiting in queue..."
}

func pickReasonMessage(reason accounts.PickReason) string {
	switch reason {
	case accounts.PickNoAccounts:
		return "no accounts are configured, add one before generating"
	case accounts.PickDailyLimitAll:
		return "every account reached its daily limit, try again tomorrow"
	case accounts.PickNoActiveSlots:
		return "all accounts are busy right now, try again in a few minutes"
	}
	return "no account available"
}

func userFacingError(code, message string) string {
	switch code {
	case sora.CodeDailyLimit, string(accounts.PickDailyLimitAll):
		return "Generation failed: the daily video limit was reached. Try again tomorrow."
	case sora.CodeConcurrencyLimit, string(accounts.PickNoActiveSlots):
		return "Generation failed: all accounts are busy. Try again in a few minutes."
	case sora.CodeRateLimit:
		return "Generation failed: the service is rate limiting requests. Try again shortly."
	case sora.CodeTimeout:
		return "Generation failed: the video took too long and timed out."
	case sora.CodeInvalidStartImage:
		return "Generation failed: the start image is not a supported image format."
	}
	if message == "" {
		return "Generation failed."
	}
	return "Generation failed: " + message
}

func statusPtr(s domain.JobStatus) *domain.JobStatus { return &s }

func strPtr(s string) *string { return &s }
