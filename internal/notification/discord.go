package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/saltyorg/autolang/internal/autolang"
)

// DiscordProvider sends notifications via Discord webhooks.
type DiscordProvider struct {
	webhookURL string
	filters    filters
	client     *http.Client
}

// NewDiscordProvider builds a Discord provider. Empty filter lists
// admit every event.
func NewDiscordProvider(webhookURL string, eventTypes, usernames []string) *DiscordProvider {
	return &DiscordProvider{
		webhookURL: webhookURL,
		filters:    filters{eventTypes: eventTypes, usernames: usernames},
		client:     &http.Client{Timeout: sendTimeout},
	}
}

func (d *DiscordProvider) Name() string { return "discord" }

func (d *DiscordProvider) Accepts(event Event) bool {
	return d.filters.accepts(event)
}

// Send posts the event as a Discord embed.
func (d *DiscordProvider) Send(ctx context.Context, event Event) error {
	payload := discordWebhookPayload{
		Username: "AutoLang",
		Embeds:   []discordEmbed{d.buildEmbed(event)},
	}
	return sendJSONRequest(ctx, d.client, http.MethodPost, d.webhookURL, payload)
}

// Test sends a test notification.
func (d *DiscordProvider) Test(ctx context.Context) error {
	if d.webhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}
	return d.Send(ctx, Event{
		Type:      autolang.EventScheduler,
		Title:     "Test Notification",
		Message:   "If you see this, Discord notifications are working.",
		Timestamp: time.Now(),
	})
}

func (d *DiscordProvider) buildEmbed(event Event) discordEmbed {
	return discordEmbed{
		Title:       event.Title,
		Description: event.Message,
		Color:       colorForEvent(event.Type),
		Timestamp:   event.Timestamp.Format(time.RFC3339),
		Footer: &discordEmbedFooter{
			Text: "AutoLang",
		},
	}
}

func colorForEvent(eventType autolang.EventType) int {
	switch eventType {
	case autolang.EventNewEpisode:
		return 0x0099FF // Blue
	case autolang.EventUpdatedEpisode:
		return 0xFFFF00 // Yellow
	case autolang.EventScheduler:
		return 0x808080 // Gray
	default:
		return 0x00FF00 // Green
	}
}

type discordWebhookPayload struct {
	Username string         `json:"username,omitempty"`
	Content  string         `json:"content,omitempty"`
	Embeds   []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}
