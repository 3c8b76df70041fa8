package autolang

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const recentlyAddedWindow = 5 * time.Minute

// NotificationContainer is the envelope of one websocket message from
// the media server's notification stream.
type NotificationContainer struct {
	Type                         string                 `json:"type"`
	PlaySessionStateNotification []PlayingNotification  `json:"PlaySessionStateNotification"`
	ActivityNotification         []ActivityNotification `json:"ActivityNotification"`
	TimelineEntry                []TimelineEntry        `json:"TimelineEntry"`
	StatusNotification           []StatusNotification   `json:"StatusNotification"`
}

// PlayingNotification reports a playback session state change.
type PlayingNotification struct {
	SessionKey       string `json:"sessionKey"`
	ClientIdentifier string `json:"clientIdentifier"`
	Key              string `json:"key"`
	RatingKey        string `json:"ratingKey"`
	State            string `json:"state"`
	ViewOffset       int64  `json:"viewOffset"`
}

// ActivityNotification reports a background server activity, item
// refreshes included.
type ActivityNotification struct {
	Event    string `json:"event"`
	UUID     string `json:"uuid"`
	Activity struct {
		Type    string `json:"type"`
		UserID  int64  `json:"userID"`
		Context struct {
			Key string `json:"key"`
		} `json:"Context"`
	} `json:"Activity"`
}

// TimelineEntry reports a library item's metadata lifecycle.
type TimelineEntry struct {
	ItemID        int64   `json:"itemID"`
	Identifier    string  `json:"identifier"`
	State         int     `json:"state"`
	Type          int     `json:"type"`
	Title         string  `json:"title"`
	MetadataState *string `json:"metadataState"`
	MediaState    *string `json:"mediaState"`
}

// StatusNotification reports a server-wide status message.
type StatusNotification struct {
	Title            string `json:"title"`
	Description      string `json:"description"`
	NotificationName string `json:"notificationName"`
}

// Alert is one unit of work for the processor.
type Alert interface {
	// Kind names the alert for logging.
	Kind() string
	// Process performs the alert's effect against the server.
	Process(ctx context.Context, server *Server) error
}

// extractRatingKey pulls the trailing item ID out of a metadata key
// like "/library/metadata/12345".
func extractRatingKey(key string) string {
	key = strings.TrimSuffix(key, "/")
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		key = key[idx+1:]
	}
	if _, err := strconv.Atoi(key); err != nil {
		return ""
	}
	return key
}

// ActivityAlert reacts to finished item refreshes: a user changing a
// track triggers a refresh of that item, so the new selection can be
// propagated immediately.
type ActivityAlert struct {
	ActivityNotification
}

func (a *ActivityAlert) Kind() string { return "activity" }

func (a *ActivityAlert) Process(ctx context.Context, server *Server) error {
	if a.Event != "ended" || a.Activity.Type != "library.refresh.items" {
		return nil
	}
	ratingKey := extractRatingKey(a.Activity.Context.Key)
	if ratingKey == "" {
		return nil
	}
	userID := strconv.FormatInt(a.Activity.UserID, 10)
	user, err := server.userByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			log.Debug().Str("user_id", userID).Msg("Activity from unknown user, skipping")
			return nil
		}
		return err
	}
	view, err := server.UserView(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("opening view for %s: %w", user.Name, err)
	}
	episode, err := view.FetchEpisode(ctx, ratingKey)
	if err != nil {
		return err
	}
	if episode == nil || server.shouldIgnoreEpisode(ctx, episode) {
		return nil
	}
	if !server.Cache().ShouldProcessActivity(user.ID, episode.Key) {
		log.Debug().Str("user", user.Name).Str("episode", episode.ShortName()).Msg("Debouncing repeated activity")
		return nil
	}
	return server.ChangeTracks(ctx, view, user.Name, episode, EventPlayOrActivity)
}

// PlayingAlert reacts to playback session updates: the playing user's
// current selection is the freshest statement of their preference.
type PlayingAlert struct {
	PlayingNotification
}

func (a *PlayingAlert) Kind() string { return "playing" }

func (a *PlayingAlert) Process(ctx context.Context, server *Server) error {
	user, ok := server.Cache().UserForClient(a.ClientIdentifier)
	if !ok {
		var err error
		user, err = server.Service().UserFromClient(ctx, a.ClientIdentifier)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				log.Debug().Str("client", a.ClientIdentifier).Msg("No session found for client, skipping")
				return nil
			}
			return err
		}
		server.Cache().SetUserForClient(a.ClientIdentifier, user)
	}
	view, err := server.UserView(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("opening view for %s: %w", user.Name, err)
	}
	episode, err := view.FetchEpisode(ctx, a.RatingKey)
	if err != nil {
		return err
	}
	if episode == nil || server.shouldIgnoreEpisode(ctx, episode) {
		return nil
	}

	if server.Cache().SessionState(a.SessionKey) == a.State {
		return nil
	}
	log.Debug().
		Str("session", a.SessionKey).
		Str("state", a.State).
		Str("user", user.Name).
		Str("episode", episode.ShortName()).
		Msg("Play session state changed")
	server.Cache().SetSessionState(a.SessionKey, a.State)

	// A stopped session releases its cache entries but still propagates
	// the final stream selection below.
	if a.State == "stopped" {
		server.Cache().EndSession(a.SessionKey)
		server.Cache().ForgetClient(a.ClientIdentifier)
	}

	audio, subtitle := episode.SelectedStreams()
	pair := StreamPair{}
	if audio != nil {
		pair.AudioID = audio.ID
	}
	if subtitle != nil {
		pair.SubtitleID = subtitle.ID
	}
	if cached, known := server.Cache().DefaultStreams(episode.Key); known && cached == pair {
		return nil
	}
	server.Cache().SetDefaultStreams(episode.Key, pair)
	return server.ChangeTracks(ctx, view, user.Name, episode, EventPlayOrActivity)
}

// StatusAlert reacts to finished library scans by processing what the
// scan brought in.
type StatusAlert struct {
	StatusNotification
}

func (a *StatusAlert) Kind() string { return "status" }

func (a *StatusAlert) Process(ctx context.Context, server *Server) error {
	if a.Title != "Library scan complete" {
		return nil
	}
	if server.Settings().RefreshLibraryOnScan {
		added, updated, err := server.Cache().RefreshLibrary(ctx, server.Service())
		if err != nil {
			return err
		}
		return server.processAddedAndUpdated(ctx, added, updated, EventNewEpisode, EventUpdatedEpisode)
	}
	added, err := server.Service().RecentlyAddedEpisodes(ctx, recentlyAddedWindow)
	if err != nil {
		return err
	}
	return server.processAddedAndUpdated(ctx, added, nil, EventNewEpisode, EventUpdatedEpisode)
}

// TimelineAlert reacts to new library items once their metadata and
// media analysis settle.
type TimelineAlert struct {
	TimelineEntry
}

func (a *TimelineAlert) Kind() string { return "timeline" }

func (a *TimelineAlert) Process(ctx context.Context, server *Server) error {
	if a.Identifier != "com.plexapp.plugins.library" {
		return nil
	}
	// State 5 with no pending metadata or media work means the item is
	// fully processed.
	if a.State != 5 || a.Type == -1 || a.MetadataState != nil || a.MediaState != nil {
		return nil
	}
	ratingKey := strconv.FormatInt(a.ItemID, 10)
	episode, err := server.Service().FetchEpisode(ctx, ratingKey)
	if err != nil {
		return err
	}
	if episode == nil || server.shouldIgnoreEpisode(ctx, episode) {
		return nil
	}
	if time.Since(episode.AddedAt) > recentlyAddedWindow {
		return nil
	}
	if !server.Cache().ShouldProcessRecentlyAdded(episode.Key, episode.AddedAt) {
		return nil
	}
	return server.ProcessNewOrUpdatedEpisode(ctx, episode.RatingKey, EventNewEpisode, true)
}

// Queue is a bounded alert queue. When full, the oldest alert is
// dropped to make room; live alerts matter more than stale ones.
type Queue struct {
	ch chan Alert
}

const defaultQueueSize = 1024

// NewQueue returns a queue holding at most size alerts; size <= 0 uses
// the default.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{ch: make(chan Alert, size)}
}

// Push enqueues the alert, evicting the oldest entry when full.
func (q *Queue) Push(alert Alert) {
	for {
		select {
		case q.ch <- alert:
			return
		default:
		}
		select {
		case dropped := <-q.ch:
			log.Warn().Str("kind", dropped.Kind()).Msg("Alert queue full, dropping oldest alert")
		default:
		}
	}
}

// C exposes the receive side of the queue.
func (q *Queue) C() <-chan Alert { return q.ch }

// Len returns the number of queued alerts.
func (q *Queue) Len() int { return len(q.ch) }

// Ingestor turns raw notification containers into queued alerts,
// honoring the configured triggers.
type Ingestor struct {
	queue    *Queue
	settings Settings
}

// NewIngestor wires a queue to the trigger settings.
func NewIngestor(queue *Queue, settings Settings) *Ingestor {
	return &Ingestor{queue: queue, settings: settings}
}

// Ingest classifies one notification container and enqueues the alerts
// it carries. Unknown or disabled types are dropped silently.
func (in *Ingestor) Ingest(container *NotificationContainer) {
	switch container.Type {
	case "playing":
		if !in.settings.TriggerOnPlay {
			return
		}
		for i := range container.PlaySessionStateNotification {
			in.queue.Push(&PlayingAlert{PlayingNotification: container.PlaySessionStateNotification[i]})
		}
	case "activity":
		if !in.settings.TriggerOnActivity {
			return
		}
		for i := range container.ActivityNotification {
			in.queue.Push(&ActivityAlert{ActivityNotification: container.ActivityNotification[i]})
		}
	case "status":
		if !in.settings.TriggerOnScan {
			return
		}
		for i := range container.StatusNotification {
			in.queue.Push(&StatusAlert{StatusNotification: container.StatusNotification[i]})
		}
	case "timeline":
		for i := range container.TimelineEntry {
			in.queue.Push(&TimelineAlert{TimelineEntry: container.TimelineEntry[i]})
		}
	}
}
