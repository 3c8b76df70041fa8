package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/saltyorg/autolang/internal/autolang"
)

// WebhookProvider posts events as plain JSON to any HTTP endpoint.
type WebhookProvider struct {
	url     string
	filters filters
	client  *http.Client
}

// NewWebhookProvider builds a generic webhook provider. Empty filter
// lists admit every event.
func NewWebhookProvider(url string, eventTypes, usernames []string) *WebhookProvider {
	return &WebhookProvider{
		url:     url,
		filters: filters{eventTypes: eventTypes, usernames: usernames},
		client:  &http.Client{Timeout: sendTimeout},
	}
}

func (w *WebhookProvider) Name() string { return "webhook" }

func (w *WebhookProvider) Accepts(event Event) bool {
	return w.filters.accepts(event)
}

type webhookPayload struct {
	Event     string `json:"event"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Username  string `json:"username,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Send posts the event to the configured URL.
func (w *WebhookProvider) Send(ctx context.Context, event Event) error {
	payload := webhookPayload{
		Event:     event.Type.String(),
		Title:     event.Title,
		Message:   event.Message,
		Username:  event.Username,
		Timestamp: event.Timestamp.Format(time.RFC3339),
	}
	return sendJSONRequest(ctx, w.client, http.MethodPost, w.url, payload)
}

// Test sends a test notification.
func (w *WebhookProvider) Test(ctx context.Context) error {
	if w.url == "" {
		return fmt.Errorf("webhook URL not configured")
	}
	return w.Send(ctx, Event{
		Type:      autolang.EventScheduler,
		Title:     "Test Notification",
		Message:   "If you see this, webhook notifications are working.",
		Timestamp: time.Now(),
	})
}
