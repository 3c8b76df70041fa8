package autolang

import (
	"context"
	"time"
)

// WatchRecord is one entry of a user's watch history.
type WatchRecord struct {
	RatingKey string
	UserID    string
	ViewedAt  time.Time
}

// MediaService is the surface of the media server the engine needs. A
// server-wide implementation answers with the owner's view; UserView
// derives an implementation scoped to a managed or shared user.
type MediaService interface {
	// Identity returns the server's unique machine identifier.
	Identity(ctx context.Context) (string, error)

	// FetchEpisode loads a single episode with its streams. It returns
	// (nil, nil) when the key does not exist or is not an episode.
	FetchEpisode(ctx context.Context, ratingKey string) (*Episode, error)

	// AllEpisodes lists every episode of every non-ignored TV library.
	AllEpisodes(ctx context.Context) ([]Episode, error)

	// RecentlyAddedEpisodes lists episodes added within the given
	// duration.
	RecentlyAddedEpisodes(ctx context.Context, within time.Duration) ([]Episode, error)

	// ShowEpisodes lists every episode of a show.
	ShowEpisodes(ctx context.Context, showKey string) ([]Episode, error)

	// SeasonEpisodes lists every episode of a season of a show.
	SeasonEpisodes(ctx context.Context, showKey, seasonKey string) ([]Episode, error)

	// ShowLabels returns the labels attached to a show.
	ShowLabels(ctx context.Context, showKey string) ([]string, error)

	// Users lists all accounts with access to the server, the owner
	// included.
	Users(ctx context.Context) ([]User, error)

	// Owner returns the server owner's account.
	Owner(ctx context.Context) (User, error)

	// UserFromClient resolves a playing client identifier to the user
	// driving it, via the active sessions. Returns ErrUserNotFound when
	// the client has no visible session.
	UserFromClient(ctx context.Context, clientID string) (User, error)

	// UserView returns a MediaService scoped to the given user's
	// authorization. For the owner it may return the receiver itself.
	UserView(ctx context.Context, userID string) (MediaService, error)

	// WatchHistory lists watch records since the given time.
	WatchHistory(ctx context.Context, since time.Time) ([]WatchRecord, error)

	// SetAudioStream selects an audio stream on a media part.
	SetAudioStream(ctx context.Context, partID, streamID int) error

	// SetSubtitleStream selects a subtitle stream on a media part.
	SetSubtitleStream(ctx context.Context, partID, streamID int) error

	// ClearSubtitleStream deselects any subtitle on a media part.
	ClearSubtitleStream(ctx context.Context, partID int) error
}

// lastWatchedOrFirstEpisode picks the reference episode of a show for a
// user with no in-progress session: the most recently watched episode,
// or the first by (season, episode) order when nothing was watched.
func lastWatchedOrFirstEpisode(ctx context.Context, svc MediaService, showKey string) (*Episode, error) {
	episodes, err := svc.ShowEpisodes(ctx, showKey)
	if err != nil {
		return nil, err
	}
	if len(episodes) == 0 {
		return nil, nil
	}
	var watched *Episode
	for i := range episodes {
		ep := &episodes[i]
		if ep.ViewCount == 0 && ep.LastViewedAt.IsZero() {
			continue
		}
		if watched == nil || ep.LastViewedAt.After(watched.LastViewedAt) {
			watched = ep
		}
	}
	if watched != nil {
		return watched, nil
	}
	first := &episodes[0]
	for i := range episodes {
		ep := &episodes[i]
		if ep.SeasonNumber < first.SeasonNumber ||
			(ep.SeasonNumber == first.SeasonNumber && ep.EpisodeNumber < first.EpisodeNumber) {
			first = ep
		}
	}
	return first, nil
}
