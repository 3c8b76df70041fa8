// Package notification dispatches track change summaries to outbound
// endpoints such as Discord webhooks.
package notification

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/autolang/internal/autolang"
)

// Event is one notification to deliver.
type Event struct {
	Type      autolang.EventType
	Title     string
	Message   string
	Username  string
	Timestamp time.Time
}

// Provider is one outbound notification endpoint.
type Provider interface {
	// Name returns the provider name for logging.
	Name() string

	// Accepts reports whether the provider's filters admit the event.
	Accepts(event Event) bool

	// Send delivers a notification.
	Send(ctx context.Context, event Event) error

	// Test sends a test notification.
	Test(ctx context.Context) error
}

const sendTimeout = 30 * time.Second

// Manager fans events out to every accepting provider from a single
// dispatcher goroutine, so a slow endpoint never blocks alert
// processing.
type Manager struct {
	providers []Provider
	events    chan Event
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewManager builds a manager over the given providers.
func NewManager(providers []Provider) *Manager {
	return &Manager{
		providers: providers,
		events:    make(chan Event, 100),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the dispatcher. A manager with no providers stays
// idle.
func (m *Manager) Start() {
	if len(m.providers) == 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatcher()
	}()
	log.Info().Int("providers", len(m.providers)).Msg("Notification manager started")
}

// Stop drains the dispatcher.
func (m *Manager) Stop() {
	if len(m.providers) == 0 {
		return
	}
	close(m.stopChan)
	m.wg.Wait()
	log.Info().Msg("Notification manager stopped")
}

// Notify queues a server-wide event.
func (m *Manager) Notify(title, message string, eventType autolang.EventType) {
	m.enqueue(Event{Type: eventType, Title: title, Message: message})
}

// NotifyUser queues an event attributed to one user, so per-username
// provider filters apply.
func (m *Manager) NotifyUser(title, message, username string, eventType autolang.EventType) {
	m.enqueue(Event{Type: eventType, Title: title, Message: message, Username: username})
}

func (m *Manager) enqueue(event Event) {
	if len(m.providers) == 0 {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case m.events <- event:
	default:
		log.Warn().Str("type", event.Type.String()).Msg("Notification queue full, dropping event")
	}
}

func (m *Manager) dispatcher() {
	for {
		select {
		case <-m.stopChan:
			return
		case event := <-m.events:
			m.dispatch(event)
		}
	}
}

func (m *Manager) dispatch(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	for _, provider := range m.providers {
		if !provider.Accepts(event) {
			continue
		}
		if err := provider.Send(ctx, event); err != nil {
			log.Error().
				Err(err).
				Str("provider", provider.Name()).
				Str("event", event.Type.String()).
				Msg("Failed to send notification")
			continue
		}
		log.Debug().
			Str("provider", provider.Name()).
			Str("event", event.Type.String()).
			Msg("Notification sent")
	}
}

// filters holds the per-provider event type and username restrictions.
// Empty lists admit everything.
type filters struct {
	eventTypes []string
	usernames  []string
}

func (f filters) accepts(event Event) bool {
	if len(f.eventTypes) > 0 && !slices.Contains(f.eventTypes, event.Type.String()) {
		return false
	}
	if len(f.usernames) > 0 && event.Username != "" && !slices.Contains(f.usernames, event.Username) {
		return false
	}
	return true
}
