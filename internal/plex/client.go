package plex

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/autolang/internal/autolang"
)

const (
	plexTVBaseURL = "https://plex.tv"

	requestTimeout = 30 * time.Second
	containerSize  = 200
	rosterTTL      = 12 * time.Hour
)

const (
	streamTypeAudio    = 2
	streamTypeSubtitle = 3
)

// Client talks to one media server with one access token. A client
// returned by UserView shares the HTTP client and roster cache of its
// parent but authenticates as the scoped user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	// roster state is shared between the owner client and user views.
	roster *rosterCache
}

type rosterCache struct {
	mu        sync.Mutex
	fetched   time.Time
	owner     autolang.User
	users     []autolang.User
	tokens    map[string]string
	plexTVURL string
	token     string
}

// NewClient connects to the server at baseURL using the owner's token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    newHTTPClient(token, requestTimeout),
		roster: &rosterCache{
			plexTVURL: plexTVBaseURL,
			token:     token,
		},
	}
}

// get issues a GET against the server and decodes the JSON body into
// out. A true notFound return maps HTTP 404 without error.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) (notFound bool, err error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("GET %s: decoding response: %w", path, err)
	}
	return false, nil
}

// put issues a PUT with query parameters and discards the body.
func (c *Client) put(ctx context.Context, path string, query url.Values) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("PUT %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

// Identity returns the server's machine identifier.
func (c *Client) Identity(ctx context.Context) (string, error) {
	var payload struct {
		MediaContainer struct {
			MachineIdentifier string `json:"machineIdentifier"`
		} `json:"MediaContainer"`
	}
	if _, err := c.get(ctx, "/identity", nil, &payload); err != nil {
		return "", err
	}
	if payload.MediaContainer.MachineIdentifier == "" {
		return "", fmt.Errorf("server returned no machine identifier")
	}
	return payload.MediaContainer.MachineIdentifier, nil
}

// FetchEpisode loads one episode with its streams. Missing keys and
// non-episode items return (nil, nil).
func (c *Client) FetchEpisode(ctx context.Context, ratingKey string) (*autolang.Episode, error) {
	var payload metadataResponse
	notFound, err := c.get(ctx, "/library/metadata/"+ratingKey, nil, &payload)
	if err != nil {
		return nil, err
	}
	if notFound || len(payload.MediaContainer.Metadata) == 0 {
		return nil, nil
	}
	item := &payload.MediaContainer.Metadata[0]
	if item.Type != "episode" {
		log.Debug().Str("rating_key", ratingKey).Str("type", item.Type).Msg("Item is not an episode, skipping")
		return nil, nil
	}
	episode := item.toEpisode()
	return &episode, nil
}

// AllEpisodes lists every episode of every TV library, paginated.
func (c *Client) AllEpisodes(ctx context.Context) ([]autolang.Episode, error) {
	sections, err := c.showSections(ctx)
	if err != nil {
		return nil, err
	}
	var episodes []autolang.Episode
	for _, section := range sections {
		for start := 0; ; start += containerSize {
			query := url.Values{
				"type":                   {"4"},
				"X-Plex-Container-Start": {strconv.Itoa(start)},
				"X-Plex-Container-Size":  {strconv.Itoa(containerSize)},
			}
			var payload metadataResponse
			if _, err := c.get(ctx, "/library/sections/"+section+"/all", query, &payload); err != nil {
				return nil, err
			}
			for i := range payload.MediaContainer.Metadata {
				episodes = append(episodes, payload.MediaContainer.Metadata[i].toEpisode())
			}
			if len(payload.MediaContainer.Metadata) < containerSize {
				break
			}
		}
	}
	return episodes, nil
}

// RecentlyAddedEpisodes lists episodes added within the given window.
// The server endpoint has no time filter, so recency is checked client
// side.
func (c *Client) RecentlyAddedEpisodes(ctx context.Context, within time.Duration) ([]autolang.Episode, error) {
	sections, err := c.showSections(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-within)
	var episodes []autolang.Episode
	for _, section := range sections {
		var payload metadataResponse
		query := url.Values{"type": {"4"}}
		if _, err := c.get(ctx, "/library/sections/"+section+"/recentlyAdded", query, &payload); err != nil {
			return nil, err
		}
		for i := range payload.MediaContainer.Metadata {
			episode := payload.MediaContainer.Metadata[i].toEpisode()
			if episode.AddedAt.After(cutoff) {
				episodes = append(episodes, episode)
			}
		}
	}
	return episodes, nil
}

// ShowEpisodes lists every episode of a show.
func (c *Client) ShowEpisodes(ctx context.Context, showKey string) ([]autolang.Episode, error) {
	var payload metadataResponse
	notFound, err := c.get(ctx, "/library/metadata/"+showKey+"/allLeaves", nil, &payload)
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, nil
	}
	episodes := make([]autolang.Episode, 0, len(payload.MediaContainer.Metadata))
	for i := range payload.MediaContainer.Metadata {
		episodes = append(episodes, payload.MediaContainer.Metadata[i].toEpisode())
	}
	return episodes, nil
}

// SeasonEpisodes lists every episode of one season of a show.
func (c *Client) SeasonEpisodes(ctx context.Context, showKey, seasonKey string) ([]autolang.Episode, error) {
	episodes, err := c.ShowEpisodes(ctx, showKey)
	if err != nil {
		return nil, err
	}
	out := episodes[:0]
	for i := range episodes {
		if episodes[i].SeasonKey == seasonKey {
			out = append(out, episodes[i])
		}
	}
	return out, nil
}

// ShowLabels returns the labels attached to a show.
func (c *Client) ShowLabels(ctx context.Context, showKey string) ([]string, error) {
	var payload metadataResponse
	notFound, err := c.get(ctx, "/library/metadata/"+showKey, nil, &payload)
	if err != nil {
		return nil, err
	}
	if notFound || len(payload.MediaContainer.Metadata) == 0 {
		return nil, nil
	}
	labels := make([]string, 0, len(payload.MediaContainer.Metadata[0].Label))
	for _, label := range payload.MediaContainer.Metadata[0].Label {
		labels = append(labels, label.Tag)
	}
	return labels, nil
}

// showSections lists the section keys of all TV libraries.
func (c *Client) showSections(ctx context.Context) ([]string, error) {
	var payload struct {
		MediaContainer struct {
			Directory []struct {
				Key  string `json:"key"`
				Type string `json:"type"`
			} `json:"Directory"`
		} `json:"MediaContainer"`
	}
	if _, err := c.get(ctx, "/library/sections", nil, &payload); err != nil {
		return nil, err
	}
	var sections []string
	for _, dir := range payload.MediaContainer.Directory {
		if dir.Type == "show" {
			sections = append(sections, dir.Key)
		}
	}
	return sections, nil
}

// Users lists the owner and every account with access to this server.
func (c *Client) Users(ctx context.Context) ([]autolang.User, error) {
	if err := c.ensureRoster(ctx); err != nil {
		return nil, err
	}
	c.roster.mu.Lock()
	defer c.roster.mu.Unlock()
	users := make([]autolang.User, len(c.roster.users))
	copy(users, c.roster.users)
	return users, nil
}

// Owner returns the server owner's account.
func (c *Client) Owner(ctx context.Context) (autolang.User, error) {
	if err := c.ensureRoster(ctx); err != nil {
		return autolang.User{}, err
	}
	c.roster.mu.Lock()
	defer c.roster.mu.Unlock()
	return c.roster.owner, nil
}

// UserFromClient resolves a playing client identifier via the active
// sessions.
func (c *Client) UserFromClient(ctx context.Context, clientID string) (autolang.User, error) {
	var payload struct {
		MediaContainer struct {
			Metadata []struct {
				User struct {
					ID    string `json:"id"`
					Title string `json:"title"`
				} `json:"User"`
				Player struct {
					MachineIdentifier string `json:"machineIdentifier"`
				} `json:"Player"`
			} `json:"Metadata"`
		} `json:"MediaContainer"`
	}
	if _, err := c.get(ctx, "/status/sessions", nil, &payload); err != nil {
		return autolang.User{}, err
	}
	for _, session := range payload.MediaContainer.Metadata {
		if session.Player.MachineIdentifier == clientID {
			return autolang.User{ID: session.User.ID, Name: session.User.Title}, nil
		}
	}
	return autolang.User{}, fmt.Errorf("client %s: %w", clientID, autolang.ErrUserNotFound)
}

// UserView returns a client authenticated as the given user. The
// owner's view is the receiver itself.
func (c *Client) UserView(ctx context.Context, userID string) (autolang.MediaService, error) {
	if err := c.ensureRoster(ctx); err != nil {
		return nil, err
	}
	c.roster.mu.Lock()
	owner := c.roster.owner
	token, ok := c.roster.tokens[userID]
	c.roster.mu.Unlock()
	if userID == owner.ID {
		return c, nil
	}
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, autolang.ErrUserNotFound)
	}
	return &Client{
		baseURL: c.baseURL,
		token:   token,
		http:    newHTTPClient(token, requestTimeout),
		roster:  c.roster,
	}, nil
}

// WatchHistory lists watch records since the given time.
func (c *Client) WatchHistory(ctx context.Context, since time.Time) ([]autolang.WatchRecord, error) {
	query := url.Values{
		"viewedAt>": {strconv.FormatInt(since.Unix(), 10)},
	}
	var payload struct {
		MediaContainer struct {
			Metadata []struct {
				RatingKey string `json:"ratingKey"`
				AccountID int64  `json:"accountID"`
				ViewedAt  int64  `json:"viewedAt"`
			} `json:"Metadata"`
		} `json:"MediaContainer"`
	}
	if _, err := c.get(ctx, "/status/sessions/history/all", query, &payload); err != nil {
		return nil, err
	}
	records := make([]autolang.WatchRecord, 0, len(payload.MediaContainer.Metadata))
	for _, entry := range payload.MediaContainer.Metadata {
		records = append(records, autolang.WatchRecord{
			RatingKey: entry.RatingKey,
			UserID:    strconv.FormatInt(entry.AccountID, 10),
			ViewedAt:  time.Unix(entry.ViewedAt, 0),
		})
	}
	return records, nil
}

// SetAudioStream selects an audio stream on a media part.
func (c *Client) SetAudioStream(ctx context.Context, partID, streamID int) error {
	return c.put(ctx, "/library/parts/"+strconv.Itoa(partID), url.Values{
		"audioStreamID": {strconv.Itoa(streamID)},
		"allParts":      {"1"},
	})
}

// SetSubtitleStream selects a subtitle stream on a media part.
func (c *Client) SetSubtitleStream(ctx context.Context, partID, streamID int) error {
	return c.put(ctx, "/library/parts/"+strconv.Itoa(partID), url.Values{
		"subtitleStreamID": {strconv.Itoa(streamID)},
		"allParts":         {"1"},
	})
}

// ClearSubtitleStream deselects any subtitle on a media part.
func (c *Client) ClearSubtitleStream(ctx context.Context, partID int) error {
	return c.put(ctx, "/library/parts/"+strconv.Itoa(partID), url.Values{
		"subtitleStreamID": {"0"},
		"allParts":         {"1"},
	})
}

// ensureRoster refreshes the cached account roster and per-user tokens
// from plex.tv when stale.
func (c *Client) ensureRoster(ctx context.Context) error {
	c.roster.mu.Lock()
	fresh := time.Since(c.roster.fetched) < rosterTTL
	c.roster.mu.Unlock()
	if fresh {
		return nil
	}

	identity, err := c.Identity(ctx)
	if err != nil {
		return err
	}
	owner, err := c.fetchOwner(ctx)
	if err != nil {
		return fmt.Errorf("loading owner account: %w", err)
	}
	shared, tokens, err := c.fetchSharedUsers(ctx, identity)
	if err != nil {
		return fmt.Errorf("loading shared users: %w", err)
	}

	c.roster.mu.Lock()
	c.roster.fetched = time.Now()
	c.roster.owner = owner
	c.roster.users = append([]autolang.User{owner}, shared...)
	c.roster.tokens = tokens
	c.roster.mu.Unlock()
	log.Debug().Int("users", 1+len(shared)).Msg("Refreshed account roster")
	return nil
}

// plexTVGet issues a GET against plex.tv and decodes the XML body.
func (c *Client) plexTVGet(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.roster.plexTVURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Plex-Token", c.roster.token)
	req.Header.Set("Accept", "application/xml")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := xml.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decoding response: %w", path, err)
	}
	return nil
}

func (c *Client) fetchOwner(ctx context.Context) (autolang.User, error) {
	var account struct {
		XMLName xml.Name `xml:"user"`
		ID      string   `xml:"id,attr"`
		Title   string   `xml:"title,attr"`
	}
	if err := c.plexTVGet(ctx, "/users/account", &account); err != nil {
		return autolang.User{}, err
	}
	return autolang.User{ID: account.ID, Name: account.Title}, nil
}

// fetchSharedUsers lists the accounts this server is shared with, with
// the per-machine access token each one uses against it.
func (c *Client) fetchSharedUsers(ctx context.Context, identity string) ([]autolang.User, map[string]string, error) {
	var container struct {
		XMLName xml.Name `xml:"MediaContainer"`
		Users   []struct {
			ID      string `xml:"id,attr"`
			Title   string `xml:"title,attr"`
			Servers []struct {
				MachineIdentifier string `xml:"machineIdentifier,attr"`
				AccessToken       string `xml:"accessToken,attr"`
			} `xml:"Server"`
		} `xml:"User"`
	}
	if err := c.plexTVGet(ctx, "/api/users", &container); err != nil {
		return nil, nil, err
	}
	var users []autolang.User
	tokens := map[string]string{}
	for _, user := range container.Users {
		for _, server := range user.Servers {
			if server.MachineIdentifier != identity {
				continue
			}
			users = append(users, autolang.User{ID: user.ID, Name: user.Title})
			if server.AccessToken != "" {
				tokens[user.ID] = server.AccessToken
			}
			break
		}
	}
	return users, tokens, nil
}

// metadataResponse is the common envelope of library metadata calls.
type metadataResponse struct {
	MediaContainer struct {
		Metadata []metadataItem `json:"Metadata"`
	} `json:"MediaContainer"`
}

type metadataItem struct {
	RatingKey            string `json:"ratingKey"`
	Key                  string `json:"key"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	GrandparentTitle     string `json:"grandparentTitle"`
	GrandparentRatingKey string `json:"grandparentRatingKey"`
	ParentRatingKey      string `json:"parentRatingKey"`
	ParentIndex          int    `json:"parentIndex"`
	Index                int    `json:"index"`
	LibrarySectionTitle  string `json:"librarySectionTitle"`
	AddedAt              int64  `json:"addedAt"`
	UpdatedAt            int64  `json:"updatedAt"`
	ViewCount            int    `json:"viewCount"`
	LastViewedAt         int64  `json:"lastViewedAt"`
	Label                []struct {
		Tag string `json:"tag"`
	} `json:"Label"`
	Media []struct {
		Part []struct {
			ID     int    `json:"id"`
			Key    string `json:"key"`
			File   string `json:"file"`
			Stream []struct {
				ID                   int    `json:"id"`
				StreamType           int    `json:"streamType"`
				LanguageCode         string `json:"languageCode"`
				Codec                string `json:"codec"`
				Channels             int    `json:"channels"`
				AudioChannelLayout   string `json:"audioChannelLayout"`
				Title                string `json:"title"`
				DisplayTitle         string `json:"displayTitle"`
				ExtendedDisplayTitle string `json:"extendedDisplayTitle"`
				Selected             bool   `json:"selected"`
				Forced               bool   `json:"forced"`
				HearingImpaired      bool   `json:"hearingImpaired"`
				VisualImpaired       bool   `json:"visualImpaired"`
			} `json:"Stream"`
		} `json:"Part"`
	} `json:"Media"`
}

func (m *metadataItem) toEpisode() autolang.Episode {
	episode := autolang.Episode{
		RatingKey:     m.RatingKey,
		Key:           m.Key,
		Title:         m.Title,
		ShowTitle:     m.GrandparentTitle,
		ShowKey:       m.GrandparentRatingKey,
		SeasonKey:     m.ParentRatingKey,
		SeasonNumber:  m.ParentIndex,
		EpisodeNumber: m.Index,
		LibraryTitle:  m.LibrarySectionTitle,
		ViewCount:     m.ViewCount,
	}
	if m.AddedAt > 0 {
		episode.AddedAt = time.Unix(m.AddedAt, 0)
	}
	if m.UpdatedAt > 0 {
		episode.UpdatedAt = time.Unix(m.UpdatedAt, 0)
	}
	if m.LastViewedAt > 0 {
		episode.LastViewedAt = time.Unix(m.LastViewedAt, 0)
	}
	for _, media := range m.Media {
		for _, part := range media.Part {
			mediaPart := autolang.MediaPart{
				ID:   part.ID,
				Key:  part.Key,
				File: part.File,
			}
			for _, stream := range part.Stream {
				switch stream.StreamType {
				case streamTypeAudio:
					mediaPart.AudioStreams = append(mediaPart.AudioStreams, autolang.AudioStream{
						ID:                   stream.ID,
						LanguageCode:         stream.LanguageCode,
						Codec:                stream.Codec,
						Channels:             stream.Channels,
						AudioChannelLayout:   stream.AudioChannelLayout,
						Title:                stream.Title,
						DisplayTitle:         stream.DisplayTitle,
						ExtendedDisplayTitle: stream.ExtendedDisplayTitle,
						VisualImpaired:       stream.VisualImpaired,
						Selected:             stream.Selected,
					})
				case streamTypeSubtitle:
					mediaPart.SubtitleStreams = append(mediaPart.SubtitleStreams, autolang.SubtitleStream{
						ID:                   stream.ID,
						LanguageCode:         stream.LanguageCode,
						Codec:                stream.Codec,
						Title:                stream.Title,
						DisplayTitle:         stream.DisplayTitle,
						ExtendedDisplayTitle: stream.ExtendedDisplayTitle,
						Forced:               stream.Forced,
						HearingImpaired:      stream.HearingImpaired,
						Selected:             stream.Selected,
					})
				}
			}
			episode.Parts = append(episode.Parts, mediaPart)
		}
	}
	return episode
}
