package autolang

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Notifier receives human-readable change summaries. Implementations
// decide per event type and username whether to deliver.
type Notifier interface {
	Notify(title, description string, eventType EventType)
	NotifyUser(title, description, username string, eventType EventType)
}

// ChangeRecord is one applied change set, persisted for history.
type ChangeRecord struct {
	Username    string
	ShowTitle   string
	EpisodeName string
	EventType   EventType
	Description string
	AppliedAt   time.Time
}

// Recorder persists applied change sets.
type Recorder interface {
	RecordChange(ctx context.Context, record ChangeRecord) error
}

// Server orchestrates alert processing for one media server: it owns
// the cache, resolves user views, and drives track propagation.
type Server struct {
	svc      MediaService
	cache    *ServerCache
	settings Settings
	notifier Notifier
	recorder Recorder

	identity string
	owner    User
}

// NewServer resolves the server identity and owner and opens the
// persistent cache.
func NewServer(ctx context.Context, svc MediaService, settings Settings, notifier Notifier, recorder Recorder) (*Server, error) {
	identity, err := svc.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving server identity: %w", err)
	}
	owner, err := svc.Owner(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving server owner: %w", err)
	}
	cache, err := OpenServerCache(ctx, settings.DataDir, svc)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("identity", identity).
		Str("owner", owner.Name).
		Msg("Connected to media server")
	return &Server{
		svc:      svc,
		cache:    cache,
		settings: settings,
		notifier: notifier,
		recorder: recorder,
		identity: identity,
		owner:    owner,
	}, nil
}

func (s *Server) Cache() *ServerCache   { return s.cache }
func (s *Server) Service() MediaService { return s.svc }
func (s *Server) Settings() Settings    { return s.settings }
func (s *Server) Owner() User           { return s.owner }

// UserView returns a MediaService scoped to the user. The owner's view
// is the server connection itself.
func (s *Server) UserView(ctx context.Context, userID string) (MediaService, error) {
	if userID == s.owner.ID {
		return s.svc, nil
	}
	return s.svc.UserView(ctx, userID)
}

// userByID resolves a user ID against the server's account roster.
func (s *Server) userByID(ctx context.Context, userID string) (User, error) {
	users, err := s.svc.Users(ctx)
	if err != nil {
		return User{}, err
	}
	for _, u := range users {
		if u.ID == userID {
			return u, nil
		}
	}
	return User{}, fmt.Errorf("user %s: %w", userID, ErrUserNotFound)
}

// ShouldIgnoreLibrary reports whether a library is excluded from
// processing by name.
func (s *Server) ShouldIgnoreLibrary(title string) bool {
	return slices.Contains(s.settings.IgnoreLibraries, title)
}

// ShouldIgnoreShow reports whether any of the show's labels is in the
// ignore list.
func (s *Server) ShouldIgnoreShow(ctx context.Context, showKey string) bool {
	if len(s.settings.IgnoreLabels) == 0 {
		return false
	}
	labels, err := s.svc.ShowLabels(ctx, showKey)
	if err != nil {
		log.Warn().Err(err).Str("show", showKey).Msg("Unable to load show labels")
		return false
	}
	for _, label := range labels {
		if slices.Contains(s.settings.IgnoreLabels, label) {
			return true
		}
	}
	return false
}

// shouldIgnoreEpisode applies both library and label ignore rules.
func (s *Server) shouldIgnoreEpisode(ctx context.Context, ep *Episode) bool {
	if s.ShouldIgnoreLibrary(ep.LibraryTitle) {
		log.Debug().Str("library", ep.LibraryTitle).Str("episode", ep.ShortName()).Msg("Ignoring episode from excluded library")
		return true
	}
	if s.ShouldIgnoreShow(ctx, ep.ShowKey) {
		log.Debug().Str("episode", ep.ShortName()).Msg("Ignoring episode from labeled show")
		return true
	}
	return false
}

// ChangeTracks propagates the selected tracks of the episode, as seen
// through the user's view, to the rest of the show or season.
func (s *Server) ChangeTracks(ctx context.Context, view MediaService, username string, episode *Episode, eventType EventType) error {
	tc := NewTrackChanges(username, episode, eventType)
	targets, err := tc.EpisodesToUpdate(ctx, view, s.settings.UpdateLevel, s.settings.UpdateStrategy)
	if err != nil {
		return fmt.Errorf("listing episodes to update: %w", err)
	}
	if err := tc.Compute(ctx, view, targets); err != nil {
		return err
	}
	if !tc.HasChanges() {
		log.Debug().
			Str("user", username).
			Str("show", episode.ShowTitle).
			Msg("All episodes already match user preference")
		return nil
	}
	applyErr := tc.Apply(ctx, view)
	log.Info().
		Str("user", username).
		Str("event", eventType.String()).
		Msg(tc.InlineDescription())
	s.notifyChanges(ctx, tc.Title(), tc.Description(), username, eventType, episode)
	return applyErr
}

// ProcessNewOrUpdatedEpisode aligns a new or updated episode with every
// user's preference. A user with no usable reference episode is skipped
// without failing the others.
func (s *Server) ProcessNewOrUpdatedEpisode(ctx context.Context, ratingKey string, eventType EventType, newEpisode bool) error {
	episode, err := s.svc.FetchEpisode(ctx, ratingKey)
	if err != nil {
		return fmt.Errorf("loading episode %s: %w", ratingKey, err)
	}
	if episode == nil {
		return nil
	}
	if s.shouldIgnoreEpisode(ctx, episode) {
		return nil
	}

	users, err := s.svc.Users(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	multi := NewMultiUserTrackChanges(eventType, newEpisode)
	for _, user := range users {
		view, err := s.UserView(ctx, user.ID)
		if err != nil {
			log.Warn().Err(err).Str("user", user.Name).Msg("Unable to open user view, skipping user")
			continue
		}
		reference, err := lastWatchedOrFirstEpisode(ctx, view, episode.ShowKey)
		if err != nil {
			log.Warn().Err(err).Str("user", user.Name).Msg("Unable to pick reference episode, skipping user")
			continue
		}
		if reference == nil {
			continue
		}
		// Reload both through the user's view so stream selections are
		// the user's own.
		reference, err = view.FetchEpisode(ctx, reference.RatingKey)
		if err != nil || reference == nil {
			log.Warn().Err(err).Str("user", user.Name).Msg("Unable to reload reference episode, skipping user")
			continue
		}
		target, err := view.FetchEpisode(ctx, episode.RatingKey)
		if err != nil || target == nil {
			log.Warn().Err(err).Str("user", user.Name).Msg("Unable to reload target episode, skipping user")
			continue
		}
		if err := multi.ChangeTrackForUser(ctx, view, user.Name, reference, target); err != nil {
			log.Error().Err(err).Str("user", user.Name).Msg("Unable to update tracks for user")
		}
	}

	if multi.HasChanges() {
		log.Info().Str("event", eventType.String()).Msg(multi.InlineDescription())
		s.notifyChanges(ctx, multi.Title(), multi.Description(), "", eventType, episode)
	}
	return nil
}

// processAddedAndUpdated runs ProcessNewOrUpdatedEpisode over a library
// diff, consulting the cache's once-per-item dedup.
func (s *Server) processAddedAndUpdated(ctx context.Context, added, updated []Episode, addedEvent, updatedEvent EventType) error {
	var firstErr error
	for i := range added {
		ep := &added[i]
		if !s.cache.ShouldProcessRecentlyAdded(ep.Key, ep.AddedAt) {
			continue
		}
		if err := s.ProcessNewOrUpdatedEpisode(ctx, ep.RatingKey, addedEvent, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := range updated {
		ep := &updated[i]
		if !s.cache.ShouldProcessRecentlyUpdated(ep.Key) {
			continue
		}
		if err := s.ProcessNewOrUpdatedEpisode(ctx, ep.RatingKey, updatedEvent, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeepAnalysis replays the last day of watch history and refreshes the
// library snapshot. Run from the scheduler to catch anything the live
// alert stream missed.
func (s *Server) DeepAnalysis(ctx context.Context) error {
	log.Info().Msg("Starting deep analysis")
	history, err := s.svc.WatchHistory(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("loading watch history: %w", err)
	}

	// Replay the most recent view of each (user, episode) pair.
	type replayKey struct {
		userID    string
		ratingKey string
	}
	latest := map[replayKey]WatchRecord{}
	for _, record := range history {
		key := replayKey{userID: record.UserID, ratingKey: record.RatingKey}
		if prev, ok := latest[key]; !ok || record.ViewedAt.After(prev.ViewedAt) {
			latest[key] = record
		}
	}
	for _, record := range latest {
		user, err := s.userByID(ctx, record.UserID)
		if err != nil {
			log.Debug().Str("user_id", record.UserID).Msg("History entry for unknown user, skipping")
			continue
		}
		view, err := s.UserView(ctx, user.ID)
		if err != nil {
			log.Warn().Err(err).Str("user", user.Name).Msg("Unable to open user view during deep analysis")
			continue
		}
		episode, err := view.FetchEpisode(ctx, record.RatingKey)
		if err != nil {
			log.Warn().Err(err).Str("rating_key", record.RatingKey).Msg("Unable to load episode during deep analysis")
			continue
		}
		if episode == nil || s.shouldIgnoreEpisode(ctx, episode) {
			continue
		}
		if err := s.ChangeTracks(ctx, view, user.Name, episode, EventScheduler); err != nil {
			log.Error().Err(err).Str("user", user.Name).Msg("Deep analysis track change failed")
		}
	}

	added, updated, err := s.cache.RefreshLibrary(ctx, s.svc)
	if err != nil {
		return err
	}
	if err := s.processAddedAndUpdated(ctx, added, updated, EventScheduler, EventScheduler); err != nil {
		return err
	}
	s.cache.CleanIdle()
	log.Info().Msg("Deep analysis complete")
	return nil
}

// notifyChanges sends the change summary to the notifier and recorder.
func (s *Server) notifyChanges(ctx context.Context, title, description, username string, eventType EventType, episode *Episode) {
	title = "AutoLang - " + title
	if s.notifier != nil {
		if username != "" {
			s.notifier.NotifyUser(title, description, username, eventType)
		} else {
			s.notifier.Notify(title, description, eventType)
		}
	}
	if s.recorder != nil {
		record := ChangeRecord{
			Username:    username,
			ShowTitle:   episode.ShowTitle,
			EpisodeName: episode.ShortName(),
			EventType:   eventType,
			Description: strings.ReplaceAll(description, "\n", " | "),
			AppliedAt:   time.Now(),
		}
		if err := s.recorder.RecordChange(ctx, record); err != nil {
			log.Warn().Err(err).Msg("Unable to record change history")
		}
	}
}
