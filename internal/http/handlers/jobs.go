package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"sorafarm/internal/domain"
)

type createJobRequest struct {
	UserID       int64   `json:"user_id"`
	ChatID       int64   `json:"chat_id"`
	Prompt       string  `json:"prompt"`
	Orientation  *string `json:"orientation"`
	Frames       int     `json:"frames"`
	Size         string  `json:"size"`
	ImageBase64  string  `json:"image_base64"`
	NotifyHandle *int64  `json:"notify_handle"`
	PollSeconds  int     `json:"poll_interval_seconds"`
	TimeoutSecs  int     `json:"timeout_seconds"`
}

type jobResponse struct {
	ID           int64    `json:"id"`
	Status       string   `json:"status"`
	Prompt       string   `json:"prompt"`
	Progress     *float64 `json:"progress,omitempty"`
	ResultURL    *string  `json:"result_url,omitempty"`
	ErrorMessage *string  `json:"error_message,omitempty"`
	TaskID       *string  `json:"task_id,omitempty"`
	LastEvent    *string  `json:"last_event,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

func jobView(j *domain.GenerationJob) jobResponse {
	return jobResponse{
		ID:           j.ID,
		Status:       string(j.Status),
		Prompt:       j.Prompt,
		Progress:     j.Progress,
		ResultURL:    j.ResultURL,
		ErrorMessage: j.ErrorMessage,
		TaskID:       j.TaskID,
		LastEvent:    j.LastEvent,
		CreatedAt:    j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    j.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.jsonError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Prompt == "" {
		a.jsonError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	size := domain.VideoSize(req.Size)
	if size == "" {
		size = domain.VideoSizeSmall
	}
	if size != domain.VideoSizeSmall && size != domain.VideoSizeLarge {
		a.jsonError(w, http.StatusBadRequest, "size must be small or large")
		return
	}
	if req.Orientation != nil && *req.Orientation != "portrait" && *req.Orientation != "landscape" {
		a.jsonError(w, http.StatusBadRequest, "orientation must be portrait or landscape")
		return
	}
	var image []byte
	if req.ImageBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			a.jsonError(w, http.StatusBadRequest, "image_base64 is not valid base64")
			return
		}
		image = decoded
	}

	id, err := a.Queue.Enqueue(r.Context(), domain.JobSpec{
		UserID:       req.UserID,
		ChatID:       req.ChatID,
		Prompt:       req.Prompt,
		Orientation:  req.Orientation,
		Frames:       req.Frames,
		Size:         size,
		Image:        image,
		NotifyHandle: req.NotifyHandle,
		PollInterval: time.Duration(req.PollSeconds) * time.Second,
		Timeout:      time.Duration(req.TimeoutSecs) * time.Second,
	})
	if err != nil {
		a.Logger.Error().Err(err).Msg("api: enqueue failed")
		a.jsonError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{"id": id, "status": string(domain.JobStatusQueued)})
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := a.Jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.jsonError(w, http.StatusNotFound, "job not found")
			return
		}
		a.Logger.Error().Err(err).Int64("job_id", id).Msg("api: job lookup failed")
		a.jsonError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	a.json(w, http.StatusOK, jobView(job))
}
