package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Webhook posts job notifications to a configured endpoint. Delivery is
// best-effort: callers treat a returned error as log-worthy, nothing
// more.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewWebhook builds a notifier for one endpoint.
func NewWebhook(url string, logger zerolog.Logger) *Webhook {
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type payload struct {
	Type   string `json:"type"`
	Handle int64  `json:"handle,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
	UserID int64  `json:"user_id,omitempty"`
	Text   string `json:"text,omitempty"`
	URL    string `json:"url,omitempty"`
}

func (w *Webhook) post(ctx context.Context, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (w *Webhook) EditProgress(ctx context.Context, handle int64, text string) error {
	return w.post(ctx, payload{Type: "progress_edit", Handle: handle, Text: text})
}

func (w *Webhook) DeleteProgress(ctx context.Context, handle int64) error {
	return w.post(ctx, payload{Type: "progress_delete", Handle: handle})
}

func (w *Webhook) SendResult(ctx context.Context, chatID int64, url, text string) error {
	return w.post(ctx, payload{Type: "result", ChatID: chatID, URL: url, Text: text})
}

func (w *Webhook) ClearActive(ctx context.Context, userID int64) error {
	return w.post(ctx, payload{Type: "clear_active", UserID: userID})
}

// Nop discards every notification. Used when no webhook is configured.
type Nop struct{}

func (Nop) EditProgress(context.Context, int64, string) error { return nil }

func (Nop) DeleteProgress(context.Context, int64) error { return nil }

func (Nop) SendResult(context.Context, int64, string, string) error { return nil }

func (Nop) ClearActive(context.Context, int64) error { return nil }
