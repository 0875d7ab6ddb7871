package sora

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var errAuthExpired = errors.New("access token rejected after refresh")

const (
	defaultPollInterval = 3 * time.Second
	defaultTimeout      = 15 * time.Minute

	// Consecutive poll failures tolerated before the run is abandoned.
	maxPollFailures = 5
)

// Options configures a Client. HTTPClient, when set, is used for every
// session the client opens; tests use it to install a fake transport.
type Options struct {
	BaseURL    string
	ProxyURL   string
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Minter     SentinelMinter
}

// Client runs video generations against the remote service. It holds
// no per-account state; each call opens a session from the credential
// it is handed.
type Client struct {
	opts Options
}

// NewClient builds a protocol client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	return &Client{opts: opts}
}

// GenerateRequest is everything one generation run needs. Credentials
// arrive as plain data; the client knows nothing about how accounts
// are stored or picked.
type GenerateRequest struct {
	CookiesJSON  string
	AccountID    int64
	Prompt       string
	Orientation  string // portrait or landscape, defaults to portrait
	Size         string
	Frames       int
	Image        []byte
	PollInterval time.Duration
	Timeout      time.Duration
}

// Generate runs the full submit-and-poll sequence and streams events
// on the returned channel. The channel is closed when the run ends; a
// finished or error event always precedes the close unless the context
// is cancelled first.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		c.generate(ctx, req, &emitter{ctx: ctx, ch: out})
	}()
	return out
}

// Resume re-attaches to a task that was already submitted, skipping
// upload and create. Used on restart for jobs that were mid-flight.
func (c *Client) Resume(ctx context.Context, cookiesJSON string, accountID int64, taskID string, pollInterval, timeout time.Duration) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		e := &emitter{ctx: ctx, ch: out}
		e.send(Event{Kind: EventAccount, AccountID: accountID})
		s, err := c.openSession(ctx, cookiesJSON)
		if err != nil {
			e.send(Event{Kind: EventError, TaskID: taskID, Err: &Error{Code: CodeResumeFailed, Message: err.Error()}})
			return
		}
		e.send(Event{Kind: EventAuth, AuthStatus: "ok"})
		c.poll(ctx, s, taskID, pollInterval, timeout, e)
	}()
	return out
}

// emitter sends events unless the consumer's context is gone.
type emitter struct {
	ctx context.Context
	ch  chan<- Event
}

func (e *emitter) send(ev Event) bool {
	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (c *Client) openSession(ctx context.Context, cookiesJSON string) (*Session, error) {
	s, err := NewSession(cookiesJSON, SessionOptions{
		BaseURL:    c.opts.BaseURL,
		ProxyURL:   c.opts.ProxyURL,
		HTTPClient: c.opts.HTTPClient,
		Logger:     c.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := s.ensureAccessToken(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Client) generate(ctx context.Context, req GenerateRequest, e *emitter) {
	e.send(Event{Kind: EventAccount, AccountID: req.AccountID})

	s, err := c.openSession(ctx, req.CookiesJSON)
	if err != nil {
		e.send(Event{Kind: EventError, Err: &Error{Code: CodeAuthFailed, Message: err.Error()}})
		return
	}
	e.send(Event{Kind: EventAuth, AuthStatus: "ok"})

	var uploadID string
	if len(req.Image) > 0 {
		uploadID, err = c.upload(ctx, s, req.Image)
		if err != nil {
			var se *Error
			if !asSoraError(err, &se) {
				se = &Error{Code: CodeUploadException, Message: err.Error()}
			}
			e.send(Event{Kind: EventError, Err: se})
			return
		}
		e.send(Event{Kind: EventUploaded, MediaID: uploadID})
	}

	taskID, priority, err := c.create(ctx, s, req, uploadID)
	if err != nil {
		var se *Error
		if !asSoraError(err, &se) {
			se = &Error{Code: CodeCreateFailed, Message: err.Error()}
		}
		e.send(Event{Kind: EventError, Err: se})
		return
	}
	if !e.send(Event{Kind: EventQueued, TaskID: taskID, Priority: priority}) {
		return
	}

	c.poll(ctx, s, taskID, req.PollInterval, req.Timeout, e)
}

// upload pushes the start image and returns the media identifier.
func (c *Client) upload(ctx context.Context, s *Session, image []byte) (string, error) {
	contentType := http.DetectContentType(image)
	if !strings.HasPrefix(contentType, "image/") {
		return "", &Error{Code: CodeInvalidStartImage, Message: fmt.Sprintf("unsupported content type %s", contentType)}
	}
	ext := "png"
	if contentType == "image/jpeg" {
		ext = "jpg"
	}
	resp, err := s.postMultipart(ctx, "/backend/uploads", "file", "start."+ext, image, contentType)
	if err != nil {
		return "", &Error{Code: CodeUploadException, Message: err.Error()}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{
			Code:    CodeUploadFailed,
			Message: apiErrorMessage(raw, resp.StatusCode),
			Details: map[string]any{"status": resp.StatusCode},
		}
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ID == "" {
		return "", &Error{Code: CodeUploadMissingID, Message: "upload response missing media id"}
	}
	return payload.ID, nil
}

// createPayload mirrors the web app's task submission body. Unused
// fields must still be present as nulls or the request is rejected.
type createPayload struct {
	Kind              string        `json:"kind"`
	Prompt            string        `json:"prompt"`
	Title             *string       `json:"title"`
	Orientation       string        `json:"orientation"`
	Size              string        `json:"size"`
	NFrames           int           `json:"n_frames"`
	InpaintItems      []inpaintItem `json:"inpaint_items"`
	RemixTargetID     *string       `json:"remix_target_id"`
	CameoIDs          *[]string     `json:"cameo_ids"`
	CameoReplacements *[]string     `json:"cameo_replacements"`
	Model             string        `json:"model"`
	StyleID           *string       `json:"style_id"`
	AudioCaption      *string       `json:"audio_caption"`
	AudioTranscript   *string       `json:"audio_transcript"`
	VideoCaption      *string       `json:"video_caption"`
	StoryboardID      *string       `json:"storyboard_id"`
}

type inpaintItem struct {
	Kind     string `json:"kind"`
	UploadID string `json:"upload_id"`
}

func (c *Client) create(ctx context.Context, s *Session, req GenerateRequest, uploadID string) (string, int, error) {
	orientation := req.Orientation
	if orientation == "" {
		orientation = "portrait"
	}
	payload := createPayload{
		Kind:        "video",
		Prompt:      req.Prompt,
		Orientation: orientation,
		Size:        req.Size,
		NFrames:     req.Frames,
		Model:       "sy_8",
	}
	if uploadID != "" {
		payload.InpaintItems = []inpaintItem{{Kind: "upload", UploadID: uploadID}}
	}
	if payload.InpaintItems == nil {
		payload.InpaintItems = []inpaintItem{}
	}

	extra := http.Header{}
	if c.opts.Minter != nil {
		token, err := c.opts.Minter.Mint(ctx, s, sentinelCreateFlow)
		if err != nil {
			// Submission can still succeed without the token; the
			// server decides, not us.
			c.opts.Logger.Warn().Err(err).Msg("sora: sentinel token unavailable, submitting without it")
		} else {
			extra.Set(sentinelHeader, token)
		}
	}

	resp, err := s.postJSON(ctx, "/backend/nf/create", payload, extra)
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, message := apiError(raw, resp.StatusCode)
		return "", 0, classifyCreateFailure(resp.StatusCode, code, message)
	}
	var created struct {
		ID       string `json:"id"`
		Priority int    `json:"priority"`
	}
	if err := json.Unmarshal(raw, &created); err != nil || created.ID == "" {
		return "", 0, &Error{Code: CodeMissingTaskID, Message: "create response missing task id"}
	}
	return created.ID, created.Priority, nil
}

// classifyCreateFailure maps upstream rejections onto stable codes. The
// machine-readable error code wins over message phrasing when present.
func classifyCreateFailure(status int, code, message string) *Error {
	details := map[string]any{"status": status}
	if status == http.StatusTooManyRequests {
		return &Error{Code: CodeRateLimit, Message: message, Details: details}
	}
	if code == "sentinel_block" {
		return &Error{Code: CodeSentinelBlock, Message: message, Details: details}
	}
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "generations in progress"):
		return &Error{Code: CodeConcurrencyLimit, Message: message, Details: details}
	case strings.Contains(lower, "100") &&
		(strings.Contains(lower, "last day") || strings.Contains(lower, "24 hours")) &&
		(strings.Contains(lower, "generated") || strings.Contains(lower, "submitted")):
		return &Error{Code: CodeDailyLimit, Message: message, Details: details}
	}
	return &Error{Code: CodeCreateFailed, Message: message, Details: details}
}

// apiError extracts the machine code and human message from an upstream
// error body.
func apiError(raw []byte, status int) (string, string) {
	var body struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.Error.Message != "":
			return body.Error.Code, body.Error.Message
		case body.Detail != "":
			return body.Error.Code, body.Detail
		case body.Message != "":
			return body.Error.Code, body.Message
		}
	}
	text := strings.TrimSpace(string(raw))
	if text != "" {
		return "", truncate(text, 200)
	}
	return "", fmt.Sprintf("upstream returned status %d", status)
}

func apiErrorMessage(raw []byte, status int) string {
	_, message := apiError(raw, status)
	return message
}

func asSoraError(err error, target **Error) bool {
	se, ok := err.(*Error)
	if ok {
		*target = se
	}
	return ok
}

// poll watches the pending queue and the drafts feed until the task
// resolves, emitting deduplicated progress along the way.
func (c *Client) poll(ctx context.Context, s *Session, taskID string, interval, timeout time.Duration, e *emitter) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	deadline := time.Now().Add(timeout)
	var lastEmitted string
	draftSeen := false

	emitProgress := func(p Progress) bool {
		key, err := json.Marshal(p)
		if err != nil {
			return true
		}
		if string(key) == lastEmitted {
			return true
		}
		lastEmitted = string(key)
		return e.send(Event{Kind: EventProgress, TaskID: taskID, Progress: &p})
	}

	// A run always starts in the queue, even if the first pending poll
	// misses it.
	if !emitProgress(Progress{Status: ProgressQueued, TaskID: taskID}) {
		return
	}

	failures := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if time.Now().After(deadline) {
			e.send(Event{Kind: EventError, TaskID: taskID, Err: &Error{
				Code:    CodeTimeout,
				Message: fmt.Sprintf("no result after %s", timeout),
			}})
			return
		}

		pending, found, taskErr, err := c.fetchPending(ctx, s, taskID)
		if err != nil {
			failures++
			c.opts.Logger.Debug().Err(err).Int("failures", failures).Msg("sora: pending poll failed")
			if failures >= maxPollFailures || errors.Is(err, errAuthExpired) {
				code := CodePollFailed
				if errors.Is(err, errAuthExpired) {
					code = CodeAuthExpired
				}
				e.send(Event{Kind: EventError, TaskID: taskID, Err: &Error{Code: code, Message: err.Error()}})
				return
			}
		} else if taskErr != nil {
			// The pending feed itself reported the task as failed.
			e.send(Event{Kind: EventError, TaskID: taskID, Err: taskErr})
			return
		} else {
			failures = 0
			if found {
				if !emitProgress(pending) {
					return
				}
			} else {
				done, err := c.resolveDraft(ctx, s, taskID, e, &draftSeen)
				if err != nil {
					failures++
					if failures >= maxPollFailures {
						e.send(Event{Kind: EventError, TaskID: taskID, Err: &Error{Code: CodePollFailed, Message: err.Error()}})
						return
					}
				} else if done {
					return
				}
				// Not pending and not in drafts yet: the task may be
				// transitioning between the two feeds. Keep polling.
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fetchPending reads the pending-task feed and reports this task's
// standing when it is present. A failed entry comes back as a terminal
// *Error rather than a standing.
func (c *Client) fetchPending(ctx context.Context, s *Session, taskID string) (Progress, bool, *Error, error) {
	resp, err := s.getJSON(ctx, "/backend/nf/pending")
	if err != nil {
		return Progress{}, false, nil, fmt.Errorf("pending request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		// Still unauthorized after the session's one forced refresh.
		return Progress{}, false, nil, fmt.Errorf("%w: %s", errAuthExpired, apiErrorMessage(raw, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return Progress{}, false, nil, fmt.Errorf("pending status %d: %s", resp.StatusCode, apiErrorMessage(raw, resp.StatusCode))
	}
	var tasks []map[string]any
	if err := json.Unmarshal(raw, &tasks); err != nil {
		// Some deployments wrap the array.
		var wrapped struct {
			Tasks []map[string]any `json:"tasks"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return Progress{}, false, nil, fmt.Errorf("pending decode: %w", err)
		}
		tasks = wrapped.Tasks
	}
	for _, t := range tasks {
		if str(t["id"]) != taskID {
			continue
		}
		status := strings.ToLower(str(t["status"]))
		reason := str(t["failure_reason"])
		if reason != "" || status == "failed" || status == "error" || status == "canceled" {
			if reason == "" {
				reason = "task " + status
			}
			return Progress{}, true, classifyDraftFailure(reason), nil
		}
		p := Progress{Status: ProgressQueued, TaskID: taskID, Message: str(t["queue_status_message"])}
		pct, hasPct := num(t["progress_pct"])
		switch {
		case hasPct && pct > 0:
			p.Status = ProgressRendering
			p.Percent = &pct
		case status != "" && status != "queued" && status != "preprocessing":
			// Anything past the queue stages counts as rendering even
			// before the first percentage shows up.
			p.Status = ProgressRendering
		}
		if p.Status == ProgressQueued {
			if pos, ok := num(t["progress_pos_in_queue"]); ok {
				n := int(pos)
				p.QueuePosition = &n
			}
			if eta, ok := num(t["estimated_queue_wait_time"]); ok {
				p.ETASeconds = &eta
			}
		}
		return p, true, nil, nil
	}
	return Progress{}, false, nil, nil
}

// resolveDraft scans the drafts feed for the task's outcome. Returns
// true when a terminal event was emitted. A draft still missing its
// outputs is not terminal; the loop keeps polling it.
func (c *Client) resolveDraft(ctx context.Context, s *Session, taskID string, e *emitter, draftSeen *bool) (bool, error) {
	resp, err := s.getJSON(ctx, "/backend/project_y/profile/drafts?limit=15")
	if err != nil {
		return false, fmt.Errorf("drafts request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("drafts status %d: %s", resp.StatusCode, apiErrorMessage(raw, resp.StatusCode))
	}
	var feed struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(raw, &feed); err != nil {
		return false, fmt.Errorf("drafts decode: %w", err)
	}

	var draft map[string]any
	for _, item := range feed.Items {
		if str(item["task_id"]) == taskID {
			draft = item
			break
		}
	}
	if draft == nil {
		return false, nil
	}

	genID := str(draft["id"])
	if !*draftSeen {
		*draftSeen = true
		if !e.send(Event{Kind: EventDraftFound, TaskID: taskID, GenerationID: genID}) {
			return true, nil
		}
	}

	if reason, failed := draftFailure(draft); failed {
		e.send(Event{Kind: EventError, TaskID: taskID, GenerationID: genID, Err: classifyDraftFailure(reason)})
		return true, nil
	}

	// The drafts feed entry can be thin; the detail endpoint carries
	// full encodings. Fall back to the feed entry when it fails.
	detail := draft
	if genID != "" {
		if d, err := c.fetchDraftDetail(ctx, s, genID); err == nil && d != nil {
			detail = d
		} else if err != nil {
			c.opts.Logger.Debug().Err(err).Str("generation_id", genID).Msg("sora: draft detail fetch failed, using feed entry")
		}
	}
	if str(detail["url"]) == "" || detail["encodings"] == nil {
		// The draft exists but its outputs are still materializing.
		return false, nil
	}
	result := buildResult(detail)
	e.send(Event{Kind: EventFinished, TaskID: taskID, GenerationID: genID, Result: &result})
	return true, nil
}

func (c *Client) fetchDraftDetail(ctx context.Context, s *Session, genID string) (map[string]any, error) {
	resp, err := s.getJSON(ctx, "/backend/project_y/profile/drafts/v2/"+genID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("draft detail status %d", resp.StatusCode)
	}
	var detail map[string]any
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, err
	}
	return detail, nil
}

// draftFailure reports whether a draft entry is a failed generation and
// returns the upstream reason text.
func draftFailure(draft map[string]any) (string, bool) {
	if str(draft["kind"]) == "sora_error" {
		for _, key := range []string{"error_reason", "failure_reason", "reason", "reason_str", "error_message"} {
			if r := str(draft[key]); r != "" {
				return r, true
			}
		}
		return "generation failed", true
	}
	hasOutput := str(draft["url"]) != "" && draft["encodings"] != nil
	for _, key := range []string{"error_reason", "failure_reason", "reason", "reason_str"} {
		if r := str(draft[key]); r != "" && !hasOutput {
			return r, true
		}
	}
	return "", false
}

func classifyDraftFailure(reason string) *Error {
	lower := strings.ToLower(reason)
	if strings.Contains(lower, "100") &&
		(strings.Contains(lower, "last day") || strings.Contains(lower, "24 hours")) {
		return &Error{Code: CodeDailyLimit, Message: reason}
	}
	return &Error{Code: reasonCode(reason), Message: reason}
}

// reasonCode lets short upstream reason identifiers pass through as
// codes; prose reasons collapse to a generic failure code.
func reasonCode(reason string) string {
	if len(reason) <= 40 && !strings.ContainsAny(reason, " \t\n") {
		return reason
	}
	return "generation_failed"
}

func buildResult(draft map[string]any) Result {
	r := Result{
		URL:    str(draft["url"]),
		Prompt: str(draft["prompt"]),
	}
	if w, ok := num(draft["width"]); ok {
		r.Width = int(w)
	}
	if h, ok := num(draft["height"]); ok {
		r.Height = int(h)
	}
	if enc, ok := draft["encodings"].(map[string]any); ok {
		for _, variant := range []string{"source", "md"} {
			if v, ok := enc[variant].(map[string]any); ok {
				if p := str(v["path"]); p != "" {
					r.DownloadableURL = p
					break
				}
			}
		}
	}
	return r
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
