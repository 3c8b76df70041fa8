package autolang

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// MultiUserTrackChanges propagates the preferences of every user onto a
// newly added or updated episode. Each user contributes an independent
// TrackChanges computed from their own reference episode.
type MultiUserTrackChanges struct {
	eventType EventType
	new       bool

	episode *Episode
	changes []*TrackChanges
	updated []string
}

// NewMultiUserTrackChanges describes one new or updated episode to be
// aligned with every user's preference.
func NewMultiUserTrackChanges(eventType EventType, newEpisode bool) *MultiUserTrackChanges {
	return &MultiUserTrackChanges{eventType: eventType, new: newEpisode}
}

func (m *MultiUserTrackChanges) EventType() EventType { return m.eventType }

// Changes returns the per-user change sets that were applied.
func (m *MultiUserTrackChanges) Changes() []*TrackChanges { return m.changes }

// HasChanges reports whether any user's tracks were updated.
func (m *MultiUserTrackChanges) HasChanges() bool {
	return len(m.updated) > 0
}

// EpisodeName names the episode being processed, "Unknown" before the
// first user ran.
func (m *MultiUserTrackChanges) EpisodeName() string {
	if m.episode == nil {
		return "Unknown"
	}
	return m.episode.ShortName()
}

// ChangeTrackForUser computes and applies one user's preference onto
// the episode, using the given reference episode of the same show.
func (m *MultiUserTrackChanges) ChangeTrackForUser(ctx context.Context, view MediaService, username string, reference, episode *Episode) error {
	m.episode = episode
	tc := NewTrackChanges(username, reference, m.eventType)
	if err := tc.Compute(ctx, view, []Episode{*episode}); err != nil {
		return fmt.Errorf("computing changes for %s: %w", username, err)
	}
	if !tc.HasChanges() {
		log.Debug().
			Str("user", username).
			Str("episode", episode.ShortName()).
			Msg("Tracks already match user preference")
		return nil
	}
	if err := tc.Apply(ctx, view); err != nil {
		return fmt.Errorf("applying changes for %s: %w", username, err)
	}
	m.changes = append(m.changes, tc)
	m.updated = append(m.updated, username)
	return nil
}

// Title is the notification headline for this episode.
func (m *MultiUserTrackChanges) Title() string {
	return fmt.Sprintf("Tracks updated for %s", m.EpisodeName())
}

// Description summarizes the processed episode for notifications.
func (m *MultiUserTrackChanges) Description() string {
	status := "Updated episode"
	if m.new {
		status = "New episode"
	}
	return fmt.Sprintf("Episode: %s\nStatus: %s\nUpdated for all users", m.EpisodeName(), status)
}

// InlineDescription is Description flattened to a single log line.
func (m *MultiUserTrackChanges) InlineDescription() string {
	return strings.ReplaceAll(m.Description(), "\n", " | ")
}
