package autolang

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// fakeService is an in-memory MediaService for tests. Stream setters
// mutate the stored episodes so recomputation sees applied changes.
type fakeService struct {
	identity string
	owner    User
	users    []User
	episodes map[string]*Episode
	labels   map[string][]string
	history  []WatchRecord
	clients  map[string]User

	episodesErr  error
	episodesHook func()
	audioSets    int
	subtitleSets int
	clears       int
}

func newFakeService() *fakeService {
	return &fakeService{
		identity: "machine-1",
		owner:    User{ID: "1", Name: "owner"},
		users:    []User{{ID: "1", Name: "owner"}},
		episodes: map[string]*Episode{},
		labels:   map[string][]string{},
		clients:  map[string]User{},
	}
}

func (f *fakeService) addEpisode(ep Episode) {
	copied := ep
	f.episodes[ep.RatingKey] = &copied
}

func (f *fakeService) Identity(ctx context.Context) (string, error) {
	return f.identity, nil
}

func (f *fakeService) FetchEpisode(ctx context.Context, ratingKey string) (*Episode, error) {
	ep, ok := f.episodes[ratingKey]
	if !ok {
		return nil, nil
	}
	copied := *ep
	return &copied, nil
}

func (f *fakeService) AllEpisodes(ctx context.Context) ([]Episode, error) {
	if f.episodesHook != nil {
		f.episodesHook()
	}
	if f.episodesErr != nil {
		return nil, f.episodesErr
	}
	keys := make([]string, 0, len(f.episodes))
	for key := range f.episodes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	episodes := make([]Episode, 0, len(keys))
	for _, key := range keys {
		episodes = append(episodes, *f.episodes[key])
	}
	return episodes, nil
}

func (f *fakeService) RecentlyAddedEpisodes(ctx context.Context, within time.Duration) ([]Episode, error) {
	all, err := f.AllEpisodes(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-within)
	var recent []Episode
	for _, ep := range all {
		if ep.AddedAt.After(cutoff) {
			recent = append(recent, ep)
		}
	}
	return recent, nil
}

func (f *fakeService) ShowEpisodes(ctx context.Context, showKey string) ([]Episode, error) {
	all, err := f.AllEpisodes(ctx)
	if err != nil {
		return nil, err
	}
	var out []Episode
	for _, ep := range all {
		if ep.ShowKey == showKey {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (f *fakeService) SeasonEpisodes(ctx context.Context, showKey, seasonKey string) ([]Episode, error) {
	episodes, err := f.ShowEpisodes(ctx, showKey)
	if err != nil {
		return nil, err
	}
	out := episodes[:0]
	for _, ep := range episodes {
		if ep.SeasonKey == seasonKey {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (f *fakeService) ShowLabels(ctx context.Context, showKey string) ([]string, error) {
	return f.labels[showKey], nil
}

func (f *fakeService) Users(ctx context.Context) ([]User, error) {
	return f.users, nil
}

func (f *fakeService) Owner(ctx context.Context) (User, error) {
	return f.owner, nil
}

func (f *fakeService) UserFromClient(ctx context.Context, clientID string) (User, error) {
	if user, ok := f.clients[clientID]; ok {
		return user, nil
	}
	return User{}, fmt.Errorf("client %s: %w", clientID, ErrUserNotFound)
}

func (f *fakeService) UserView(ctx context.Context, userID string) (MediaService, error) {
	return f, nil
}

func (f *fakeService) WatchHistory(ctx context.Context, since time.Time) ([]WatchRecord, error) {
	var out []WatchRecord
	for _, record := range f.history {
		if record.ViewedAt.After(since) {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeService) SetAudioStream(ctx context.Context, partID, streamID int) error {
	f.audioSets++
	for _, ep := range f.episodes {
		for p := range ep.Parts {
			part := &ep.Parts[p]
			if part.ID != partID {
				continue
			}
			for i := range part.AudioStreams {
				part.AudioStreams[i].Selected = part.AudioStreams[i].ID == streamID
			}
		}
	}
	return nil
}

func (f *fakeService) SetSubtitleStream(ctx context.Context, partID, streamID int) error {
	f.subtitleSets++
	for _, ep := range f.episodes {
		for p := range ep.Parts {
			part := &ep.Parts[p]
			if part.ID != partID {
				continue
			}
			for i := range part.SubtitleStreams {
				part.SubtitleStreams[i].Selected = part.SubtitleStreams[i].ID == streamID
			}
		}
	}
	return nil
}

func (f *fakeService) ClearSubtitleStream(ctx context.Context, partID int) error {
	f.clears++
	for _, ep := range f.episodes {
		for p := range ep.Parts {
			part := &ep.Parts[p]
			if part.ID != partID {
				continue
			}
			for i := range part.SubtitleStreams {
				part.SubtitleStreams[i].Selected = false
			}
		}
	}
	return nil
}
